package server

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/Tyrowin/pinchat/internal/protocol"
	"github.com/Tyrowin/pinchat/internal/registry"
)

// handlerFunc processes one inbound event. A non-nil result is sent back as
// the ack when the client asked for one.
type handlerFunc func(c *Client, data json.RawMessage) *protocol.AckResponse

// Dispatcher routes decoded envelopes to event handlers.
type Dispatcher struct {
	registry *registry.Registry
	drops    FrameDropCounter
	log      *zap.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher wires the create_room, join_room and send_message handlers.
func NewDispatcher(reg *registry.Registry, drops FrameDropCounter, log *zap.Logger) *Dispatcher {
	if drops == nil {
		drops = nopDropCounter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{registry: reg, drops: drops, log: log}
	d.handlers = map[string]handlerFunc{
		protocol.EventCreateRoom:  d.createRoom,
		protocol.EventJoinRoom:    d.joinRoom,
		protocol.EventSendMessage: d.sendMessage,
	}
	return d
}

// Dispatch decodes frame and runs its handler. Malformed frames are
// dropped; the connection stays open.
func (d *Dispatcher) Dispatch(c *Client, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.log.Debug("dropping malformed frame", zap.Error(err))
		d.drops.DropFrame(dropMalformed)
		return
	}

	handler, ok := d.handlers[env.Event]
	if !ok {
		c.log.Debug("unknown event", zap.String("event", env.Event))
		d.drops.DropFrame(dropUnknownEvent)
		d.ack(c, env.Ack, &protocol.AckResponse{Error: msgUnknownEvent})
		return
	}

	d.ack(c, env.Ack, handler(c, env.Data))
}

// Throttled handles a frame refused by the rate limiter. A request that
// asked for an ack is told why; the frame itself is never dispatched.
func (d *Dispatcher) Throttled(c *Client, frame []byte) {
	d.drops.DropFrame(dropRateLimited)
	env, err := protocol.Decode(frame)
	if err != nil {
		return
	}
	d.ack(c, env.Ack, &protocol.AckResponse{Error: msgRateLimited})
}

func (d *Dispatcher) ack(c *Client, id *uint64, resp *protocol.AckResponse) {
	if id == nil || resp == nil {
		return
	}
	frame, err := protocol.EncodeAck(*id, *resp)
	if err != nil {
		c.log.Error("encoding ack", zap.Error(err))
		return
	}
	if !c.Deliver(frame) {
		c.log.Debug("ack not delivered", zap.Uint64("ack", *id))
	}
}

func result(pin string, err error) *protocol.AckResponse {
	if err != nil {
		return &protocol.AckResponse{Error: userMessage(err)}
	}
	return &protocol.AckResponse{Success: true, PIN: pin}
}

func (d *Dispatcher) createRoom(c *Client, data json.RawMessage) *protocol.AckResponse {
	var req protocol.CreateRoomRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return result("", registry.ErrInvalidCapacity)
		}
	}

	return result(d.registry.CreateRoom(c.session, int(req.Limit)))
}

func (d *Dispatcher) joinRoom(c *Client, data json.RawMessage) *protocol.AckResponse {
	var req protocol.JoinRoomRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return result("", registry.ErrInvalidPIN)
		}
	}

	return result(d.registry.JoinRoom(c.session, req.PIN))
}

// sendMessage relays the payload verbatim once it has a non-empty autor and
// message. It never acks.
func (d *Dispatcher) sendMessage(c *Client, data json.RawMessage) *protocol.AckResponse {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil || !msg.Valid() {
		c.log.Debug("dropping invalid chat message")
		d.drops.DropFrame(dropInvalidMessage)
		return nil
	}

	if _, err := d.registry.SendMessage(c.session, data); err != nil {
		if errors.Is(err, registry.ErrNotInRoom) {
			d.drops.DropFrame(dropNotInRoom)
		}
		c.log.Debug("send_message not relayed", zap.Error(err))
	}
	return nil
}
