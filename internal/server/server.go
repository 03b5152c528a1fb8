package server

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/pinchat/internal/identity"
	"github.com/Tyrowin/pinchat/internal/metrics"
	"github.com/Tyrowin/pinchat/internal/registry"
)

// Server bundles the hub, identity resolution and origin policy behind the
// HTTP routes.
type Server struct {
	cfg      Config
	log      *zap.Logger
	hub      *Hub
	resolver *identity.Resolver
	origins  *originPolicy
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

type options struct {
	log      *zap.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics
	hosts    *identity.HostLookup
	resolver *identity.Resolver
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRegistry supplies the registry. Its observers are the caller's
// responsibility; the default registry reports to the server's metrics.
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithMetrics enables the /metrics route and frame drop counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHostLookup enables the host_info event.
func WithHostLookup(h *identity.HostLookup) Option {
	return func(o *options) { o.hosts = h }
}

// WithResolver overrides the identity resolver built from the config.
func WithResolver(r *identity.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// New builds a server for cfg. Call Start before serving requests.
func New(cfg Config, opts ...Option) *Server {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	cfg = sanitizeConfig(cfg)

	if o.registry == nil {
		regOpts := []registry.Option{registry.WithLogger(o.log.Named("registry"))}
		if o.metrics != nil {
			regOpts = append(regOpts, registry.WithObserver(o.metrics))
		}
		o.registry = registry.New(regOpts...)
	}
	if o.resolver == nil {
		o.resolver = identity.NewResolver(identity.WithTrustedProxyHeaders(cfg.TrustProxyHeaders))
	}

	var drops FrameDropCounter
	if o.metrics != nil {
		drops = o.metrics
	}

	s := &Server{
		cfg:      cfg,
		log:      o.log,
		hub:      NewHub(cfg, o.registry, o.hosts, drops, o.log.Named("hub")),
		resolver: o.resolver,
		origins:  newOriginPolicy(cfg.AllowedOrigins, o.log),
		metrics:  o.metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config { return s.cfg }

// Start runs the hub event loop in a separate goroutine. It must be called
// before the HTTP server accepts connections.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info("hub started",
		zap.String("local_alias", s.resolver.LocalAlias()),
		zap.Strings("allowed_origins", s.cfg.AllowedOrigins))
}

// Stop closes every connection and waits for their goroutines.
func (s *Server) Stop(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
