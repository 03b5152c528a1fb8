package registry

// Sink is the outbound side of a live connection. Deliver must never block;
// it reports false when the frame was dropped.
type Sink interface {
	Deliver(frame []byte) bool
}

// Session is the registry's view of one admitted connection. The pin field
// is the session router: empty while unjoined, otherwise the room it
// occupies. It is only read or written with the registry lock held.
type Session struct {
	id       string
	identity string
	sink     Sink
	pin      string
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Identity returns the identity the session was admitted under.
func (s *Session) Identity() string { return s.identity }

func (s *Session) joined() bool { return s.pin != "" }

func (s *Session) bind(pin string) { s.pin = pin }

func (s *Session) unbind() { s.pin = "" }

func (s *Session) deliver(frame []byte) bool {
	if s.sink == nil {
		return false
	}
	return s.sink.Deliver(frame)
}
