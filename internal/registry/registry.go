// Package registry owns the shared state of the relay: which identity holds
// the live connection, which rooms exist under which PIN, and which room each
// session occupies. Every mutating operation runs as one critical section
// under a single mutex, so the connection registry, room registry and
// session router can never be observed out of step with each other.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/pinchat/internal/protocol"
)

// Capacity bounds for a room, inclusive.
const (
	MinCapacity = 1
	MaxCapacity = 50
)

type room struct {
	pin       string
	capacity  int
	members   map[*Session]struct{}
	creator   string
	createdAt time.Time
}

// RoomInfo is a point-in-time copy of a room's state.
type RoomInfo struct {
	PIN       string
	Capacity  int
	Members   int
	Creator   string
	CreatedAt time.Time
}

// Stats summarises the registry.
type Stats struct {
	Connections int
	Rooms       int
	Joined      int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]*room

	pins     PINGenerator
	observer Observer
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithPINGenerator replaces the random PIN source.
func WithPINGenerator(g PINGenerator) Option {
	return func(r *Registry) {
		if g != nil {
			r.pins = g
		}
	}
}

// WithObserver attaches an observer for metrics or mirrors.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]*room),
		pins:     RandomPINs{},
		observer: NopObserver{},
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit registers sink as the live connection for identity. Lookup and
// insert happen in the same critical section. On ErrDuplicateConnection no
// session exists and the caller must close the connection.
func (r *Registry) Admit(identity string, sink Sink) (*Session, error) {
	s, existing := r.admit(identity, sink)
	if s == nil {
		r.log.Info("duplicate connection rejected",
			zap.String("identity", identity),
			zap.String("existing_session", existing))
		return nil, ErrDuplicateConnection
	}
	r.log.Debug("session admitted", zap.String("identity", identity), zap.String("session", s.id))
	return s, nil
}

func (r *Registry) admit(identity string, sink Sink) (*Session, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[identity]; ok {
		r.observer.SessionRejected(identity)
		return nil, existing.id
	}
	s := &Session{id: uuid.NewString(), identity: identity, sink: sink}
	r.sessions[identity] = s
	r.observer.SessionAdmitted(identity)
	return s, ""
}

// Release frees the identity slot if it still belongs to s.
func (r *Registry) Release(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(s)
}

func (r *Registry) releaseLocked(s *Session) bool {
	if current, ok := r.sessions[s.identity]; !ok || current != s {
		return false
	}
	delete(r.sessions, s.identity)
	r.observer.SessionReleased(s.identity)
	return true
}

// CreateRoom opens a room with s as its only member and returns its PIN.
// The room receives a user_count broadcast and the creator a room_created
// notification.
func (r *Registry) CreateRoom(s *Session, capacity int) (string, error) {
	pin, dropped, err := r.createRoom(s, capacity)
	if err != nil {
		r.log.Debug("create room refused", zap.String("session", s.ID()), zap.Int("limit", capacity), zap.Error(err))
		return "", err
	}
	r.log.Info("room created",
		zap.String("pin", pin),
		zap.Int("limit", capacity),
		zap.String("identity", s.identity))
	r.logDropped(pin, dropped)
	return pin, nil
}

func (r *Registry) createRoom(s *Session, capacity int) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLiveLocked(s); err != nil {
		return "", 0, err
	}
	if s.joined() {
		return "", 0, ErrAlreadyInRoom
	}
	if capacity < MinCapacity || capacity > MaxCapacity {
		return "", 0, ErrInvalidCapacity
	}

	pin, err := r.newPINLocked()
	if err != nil {
		return "", 0, err
	}
	rm := &room{
		pin:       pin,
		capacity:  capacity,
		members:   map[*Session]struct{}{s: {}},
		creator:   s.identity,
		createdAt: r.now(),
	}
	r.rooms[pin] = rm
	s.bind(pin)
	r.observer.RoomOpened(pin, capacity)

	dropped := r.broadcastPresenceLocked(rm)
	if frame := r.encode(protocol.EventRoomCreated, protocol.RoomCreated{PIN: pin, Limit: capacity}); frame != nil {
		if !s.deliver(frame) {
			dropped++
		}
	}
	return pin, dropped, nil
}

// JoinRoom adds s to the room identified by pin and broadcasts the new
// presence to every member, the joiner included.
func (r *Registry) JoinRoom(s *Session, pin string) (string, error) {
	count, dropped, err := r.joinRoom(s, pin)
	if err != nil {
		r.log.Debug("join room refused", zap.String("session", s.ID()), zap.String("pin", pin), zap.Error(err))
		return "", err
	}
	r.log.Info("room joined",
		zap.String("pin", pin),
		zap.String("identity", s.identity),
		zap.Int("count", count))
	r.logDropped(pin, dropped)
	return pin, nil
}

func (r *Registry) joinRoom(s *Session, pin string) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLiveLocked(s); err != nil {
		return 0, 0, err
	}
	if s.joined() {
		return 0, 0, ErrAlreadyInRoom
	}
	if !protocol.ValidPIN(pin) {
		return 0, 0, ErrInvalidPIN
	}
	rm, ok := r.rooms[pin]
	if !ok {
		return 0, 0, ErrInvalidPIN
	}
	if len(rm.members) >= rm.capacity {
		return 0, 0, ErrRoomFull
	}

	rm.members[s] = struct{}{}
	s.bind(pin)
	dropped := r.broadcastPresenceLocked(rm)
	return len(rm.members), dropped, nil
}

// LeaveRoom removes s from its room. It is a no-op for an unjoined session.
// The room is deleted as soon as its last member leaves.
func (r *Registry) LeaveRoom(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	pin, closed, dropped := r.leaveLocked(s)
	r.mu.Unlock()

	r.logLeave(s, pin, closed, dropped)
}

// leaveLocked returns the pin that was left (empty when unjoined) and
// whether the room was destroyed.
func (r *Registry) leaveLocked(s *Session) (string, bool, int) {
	if !s.joined() {
		return "", false, 0
	}
	pin := s.pin
	s.unbind()

	rm, ok := r.rooms[pin]
	if !ok {
		return pin, false, 0
	}
	delete(rm.members, s)
	if len(rm.members) == 0 {
		delete(r.rooms, pin)
		r.observer.PresenceChanged(pin, 0, rm.capacity)
		r.observer.RoomClosed(pin)
		return pin, true, 0
	}
	return pin, false, r.broadcastPresenceLocked(rm)
}

// Disconnect tears a session down: it leaves its room and releases its
// identity slot in one critical section. Safe to call more than once.
func (r *Registry) Disconnect(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	pin, closed, dropped := r.leaveLocked(s)
	released := r.releaseLocked(s)
	r.mu.Unlock()

	r.logLeave(s, pin, closed, dropped)
	if released {
		r.log.Debug("session released", zap.String("identity", s.identity), zap.String("session", s.id))
	}
}

// SendMessage relays payload verbatim to every member of the sender's room,
// the sender included. It returns the number of members the frame was
// handed to.
func (r *Registry) SendMessage(s *Session, payload json.RawMessage) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s == nil || !s.joined() {
		return 0, ErrNotInRoom
	}
	rm, ok := r.rooms[s.pin]
	if !ok {
		return 0, ErrNotInRoom
	}
	frame := r.encode(protocol.EventReceiveMessage, payload)
	if frame == nil {
		return 0, nil
	}
	delivered := 0
	for m := range rm.members {
		if m.deliver(frame) {
			delivered++
		}
	}
	r.observer.MessageRelayed(rm.pin, delivered)
	return delivered, nil
}

// Room returns a snapshot of the room with the given pin.
func (r *Registry) Room(pin string) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[pin]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{
		PIN:       rm.pin,
		Capacity:  rm.capacity,
		Members:   len(rm.members),
		Creator:   rm.creator,
		CreatedAt: rm.createdAt,
	}, true
}

// RoomOf returns the pin of the room s occupies.
func (r *Registry) RoomOf(s *Session) (string, bool) {
	if s == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.pin, s.joined()
}

// Stats returns registry-wide counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Connections: len(r.sessions), Rooms: len(r.rooms)}
	for _, rm := range r.rooms {
		st.Joined += len(rm.members)
	}
	return st
}

func (r *Registry) checkLiveLocked(s *Session) error {
	if s == nil {
		return ErrSessionClosed
	}
	if current, ok := r.sessions[s.identity]; !ok || current != s {
		return ErrSessionClosed
	}
	return nil
}

func (r *Registry) newPINLocked() (string, error) {
	if len(r.rooms) >= PINSpace {
		return "", ErrPINSpaceExhausted
	}
	for {
		pin := r.pins.Next()
		if _, taken := r.rooms[pin]; !taken {
			return pin, nil
		}
	}
}

func (r *Registry) broadcastPresenceLocked(rm *room) int {
	r.observer.PresenceChanged(rm.pin, len(rm.members), rm.capacity)
	frame := r.encode(protocol.EventUserCount, protocol.UserCount{Count: len(rm.members), Limit: rm.capacity})
	if frame == nil {
		return 0
	}
	dropped := 0
	for m := range rm.members {
		if !m.deliver(frame) {
			dropped++
		}
	}
	return dropped
}

func (r *Registry) encode(event string, payload any) []byte {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("encode outbound event", zap.String("event", event), zap.Error(err))
		return nil
	}
	return frame
}

func (r *Registry) logLeave(s *Session, pin string, closed bool, dropped int) {
	if pin == "" {
		return
	}
	if closed {
		r.log.Info("room removed after last member left", zap.String("pin", pin))
		return
	}
	r.log.Info("room left", zap.String("pin", pin), zap.String("identity", s.identity))
	r.logDropped(pin, dropped)
}

func (r *Registry) logDropped(pin string, dropped int) {
	if dropped > 0 {
		r.log.Warn("broadcast dropped for slow members", zap.String("pin", pin), zap.Int("dropped", dropped))
	}
}
