package server

import (
	"errors"
	"strings"

	"github.com/Tyrowin/pinchat/internal/registry"
)

// Reasons reported when an inbound frame is discarded before or during
// dispatch.
const (
	dropRateLimited    = "rate_limited"
	dropMalformed      = "malformed"
	dropInvalidMessage = "invalid_message"
	dropNotInRoom      = "not_in_room"
	dropUnknownEvent   = "unknown_event"
)

// FrameDropCounter counts discarded inbound frames. *metrics.Metrics
// satisfies it.
type FrameDropCounter interface {
	DropFrame(reason string)
}

type nopDropCounter struct{}

func (nopDropCounter) DropFrame(string) {}

// User-facing texts. Clients display them as-is.
const (
	msgDuplicateConnection = "Este dispositivo ya está conectado a una sala. Cierra la otra sesión primero."
	msgSessionClosed       = "Este dispositivo ya está conectado a otra sala."
	msgAlreadyInRoom       = "Ya estás en una sala"
	msgInvalidCapacity     = "Límite inválido (1-50)"
	msgInvalidPIN          = "PIN inválido"
	msgRoomFull            = "Sala llena"
	msgPINSpaceExhausted   = "No hay PIN disponibles"
	msgUnknownEvent        = "evento desconocido"
	msgRateLimited         = "Demasiados mensajes, espera un momento"
	msgHealthy             = "Servidor de chat funcionando correctamente"
)

// userMessage maps a registry error to the text sent in an ack or
// connection_error frame.
func userMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrDuplicateConnection):
		return msgDuplicateConnection
	case errors.Is(err, registry.ErrSessionClosed):
		return msgSessionClosed
	case errors.Is(err, registry.ErrAlreadyInRoom):
		return msgAlreadyInRoom
	case errors.Is(err, registry.ErrInvalidCapacity):
		return msgInvalidCapacity
	case errors.Is(err, registry.ErrInvalidPIN):
		return msgInvalidPIN
	case errors.Is(err, registry.ErrRoomFull):
		return msgRoomFull
	case errors.Is(err, registry.ErrPINSpaceExhausted):
		return msgPINSpaceExhausted
	default:
		return err.Error()
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
