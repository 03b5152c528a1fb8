package server

import (
	"net/http"

	"github.com/rs/cors"
)

// Routes returns the application routes: the health check on "/", the
// websocket endpoint on "/ws" and, when metrics are enabled, "/metrics".
// Plain HTTP routes carry CORS headers for the allowed origins.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return cors.New(cors.Options{
		AllowedOrigins:   s.origins.corsOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
	}).Handler(mux)
}
