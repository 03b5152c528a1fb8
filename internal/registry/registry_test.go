package registry

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/pinchat/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	full   bool
}

func (s *recordingSink) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		panic(err)
	}
	s.frames = append(s.frames, env)
	return true
}

func (s *recordingSink) events(name string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, f := range s.frames {
		if f.Event == name {
			out = append(out, f.Data)
		}
	}
	return out
}

func (s *recordingSink) lastUserCount(t *testing.T) protocol.UserCount {
	t.Helper()
	counts := s.events(protocol.EventUserCount)
	require.NotEmpty(t, counts, "no user_count received")
	var uc protocol.UserCount
	require.NoError(t, json.Unmarshal(counts[len(counts)-1], &uc))
	return uc
}

type sequencePINs struct {
	mu   sync.Mutex
	pins []string
	i    int
}

func (g *sequencePINs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	pin := g.pins[g.i%len(g.pins)]
	g.i++
	return pin
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return New(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func admit(t *testing.T, r *Registry, identity string) (*Session, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	s, err := r.Admit(identity, sink)
	require.NoError(t, err)
	return s, sink
}

func TestCreateRoomBroadcastsPresenceToCreator(t *testing.T) {
	r := newTestRegistry(t)
	s, sink := admit(t, r, "10.0.0.1")

	pin, err := r.CreateRoom(s, 5)
	require.NoError(t, err)
	assert.True(t, protocol.ValidPIN(pin), "pin %q is not six digits", pin)

	assert.Equal(t, protocol.UserCount{Count: 1, Limit: 5}, sink.lastUserCount(t))

	created := sink.events(protocol.EventRoomCreated)
	require.Len(t, created, 1)
	assert.JSONEq(t, fmt.Sprintf(`{"pin":%q,"limit":5}`, pin), string(created[0]))

	info, ok := r.Room(pin)
	require.True(t, ok)
	assert.Equal(t, 1, info.Members)
	assert.Equal(t, 5, info.Capacity)
	assert.Equal(t, "10.0.0.1", info.Creator)

	got, joined := r.RoomOf(s)
	assert.True(t, joined)
	assert.Equal(t, pin, got)
}

func TestCreateRoomRejectsCapacityOutOfRange(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := admit(t, r, "10.0.0.1")

	for _, capacity := range []int{-1, 0, 51, 1000} {
		_, err := r.CreateRoom(s, capacity)
		assert.ErrorIs(t, err, ErrInvalidCapacity, "capacity %d", capacity)
	}
	assert.Equal(t, 0, r.Stats().Rooms)

	for _, capacity := range []int{MinCapacity, MaxCapacity} {
		other, _ := admit(t, r, fmt.Sprintf("cap-%d", capacity))
		_, err := r.CreateRoom(other, capacity)
		assert.NoError(t, err, "capacity %d", capacity)
	}
}

func TestCreateOrJoinWhileJoinedFails(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := admit(t, r, "10.0.0.1")

	pin, err := r.CreateRoom(s, 3)
	require.NoError(t, err)

	_, err = r.CreateRoom(s, 3)
	assert.ErrorIs(t, err, ErrAlreadyInRoom)

	_, err = r.JoinRoom(s, pin)
	assert.ErrorIs(t, err, ErrAlreadyInRoom)

	info, _ := r.Room(pin)
	assert.Equal(t, 1, info.Members)
}

func TestJoinUnknownPINFails(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := admit(t, r, "10.0.0.1")

	for _, pin := range []string{"123456", "", "12345", "abcdef"} {
		_, err := r.JoinRoom(s, pin)
		assert.ErrorIs(t, err, ErrInvalidPIN, "pin %q", pin)
	}
	_, joined := r.RoomOf(s)
	assert.False(t, joined)
}

func TestJoinFullRoomFails(t *testing.T) {
	r := newTestRegistry(t)
	creator, _ := admit(t, r, "10.0.0.1")
	joiner, _ := admit(t, r, "10.0.0.2")

	pin, err := r.CreateRoom(creator, 1)
	require.NoError(t, err)

	_, err = r.JoinRoom(joiner, pin)
	assert.ErrorIs(t, err, ErrRoomFull)

	info, _ := r.Room(pin)
	assert.Equal(t, 1, info.Members)
}

func TestJoinBroadcastsPresenceToAllMembers(t *testing.T) {
	r := newTestRegistry(t)
	creator, creatorSink := admit(t, r, "10.0.0.1")
	joiner, joinerSink := admit(t, r, "10.0.0.2")

	pin, err := r.CreateRoom(creator, 4)
	require.NoError(t, err)

	got, err := r.JoinRoom(joiner, pin)
	require.NoError(t, err)
	assert.Equal(t, pin, got)

	assert.Equal(t, protocol.UserCount{Count: 2, Limit: 4}, creatorSink.lastUserCount(t))
	assert.Equal(t, protocol.UserCount{Count: 2, Limit: 4}, joinerSink.lastUserCount(t))
	assert.Empty(t, joinerSink.events(protocol.EventRoomCreated))
}

func TestSendMessageEchoesToEveryMember(t *testing.T) {
	r := newTestRegistry(t, WithPINGenerator(&sequencePINs{pins: []string{"123456"}}))
	a, aSink := admit(t, r, "10.0.0.1")
	b, bSink := admit(t, r, "10.0.0.2")
	outsider, outsiderSink := admit(t, r, "10.0.0.3")

	pin, err := r.CreateRoom(a, 5)
	require.NoError(t, err)
	require.Equal(t, "123456", pin)
	_, err = r.JoinRoom(b, "123456")
	require.NoError(t, err)

	payload := json.RawMessage(`{"autor":"A","message":"hi"}`)
	delivered, err := r.SendMessage(b, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	for _, sink := range []*recordingSink{aSink, bSink} {
		msgs := sink.events(protocol.EventReceiveMessage)
		require.Len(t, msgs, 1)
		assert.JSONEq(t, string(payload), string(msgs[0]))
	}
	assert.Empty(t, outsiderSink.events(protocol.EventReceiveMessage))

	_, err = r.SendMessage(outsider, payload)
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestLastMemberLeavingDestroysRoom(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := admit(t, r, "10.0.0.1")

	pin, err := r.CreateRoom(s, 2)
	require.NoError(t, err)

	r.Disconnect(s)

	_, ok := r.Room(pin)
	assert.False(t, ok)
	assert.Equal(t, Stats{}, r.Stats())

	other, _ := admit(t, r, "10.0.0.2")
	_, err = r.JoinRoom(other, pin)
	assert.ErrorIs(t, err, ErrInvalidPIN)
}

func TestLeaveBroadcastsToRemainingMembers(t *testing.T) {
	r := newTestRegistry(t)
	a, aSink := admit(t, r, "10.0.0.1")
	b, _ := admit(t, r, "10.0.0.2")

	pin, err := r.CreateRoom(a, 3)
	require.NoError(t, err)
	_, err = r.JoinRoom(b, pin)
	require.NoError(t, err)

	r.LeaveRoom(b)

	assert.Equal(t, protocol.UserCount{Count: 1, Limit: 3}, aSink.lastUserCount(t))
	_, joined := r.RoomOf(b)
	assert.False(t, joined)

	// b may create its own room once unjoined.
	_, err = r.CreateRoom(b, 2)
	assert.NoError(t, err)
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	s, sink := admit(t, r, "10.0.0.1")

	assert.NotPanics(t, func() {
		r.LeaveRoom(s)
		r.LeaveRoom(s)
		r.LeaveRoom(nil)
	})
	assert.Empty(t, sink.frames)

	_, err := r.CreateRoom(s, 2)
	require.NoError(t, err)
	r.LeaveRoom(s)
	r.LeaveRoom(s)
	assert.Equal(t, 0, r.Stats().Rooms)
}

func TestDuplicateIdentityIsRejected(t *testing.T) {
	r := newTestRegistry(t)
	first, _ := admit(t, r, "10.0.0.1")
	pin, err := r.CreateRoom(first, 2)
	require.NoError(t, err)

	second, err := r.Admit("10.0.0.1", &recordingSink{})
	assert.ErrorIs(t, err, ErrDuplicateConnection)
	assert.Nil(t, second)

	got, joined := r.RoomOf(first)
	assert.True(t, joined)
	assert.Equal(t, pin, got)
	assert.Equal(t, 1, r.Stats().Connections)
}

func TestIdentitySlotFreedAfterDisconnect(t *testing.T) {
	r := newTestRegistry(t)
	first, _ := admit(t, r, "10.0.0.1")
	r.Disconnect(first)

	second, err := r.Admit("10.0.0.1", &recordingSink{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	// A stale release for the old session must not free the new slot.
	r.Release(first)
	r.Disconnect(first)
	_, err = r.Admit("10.0.0.1", &recordingSink{})
	assert.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestReleasedSessionCannotCreateOrJoin(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := admit(t, r, "10.0.0.1")
	r.Release(s)

	_, err := r.CreateRoom(s, 2)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = r.JoinRoom(s, "123456")
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = r.CreateRoom(nil, 2)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestPINCollisionsAreResampled(t *testing.T) {
	gen := &sequencePINs{pins: []string{"111111", "111111", "111111", "222222"}}
	r := newTestRegistry(t, WithPINGenerator(gen))
	a, _ := admit(t, r, "10.0.0.1")
	b, _ := admit(t, r, "10.0.0.2")

	first, err := r.CreateRoom(a, 2)
	require.NoError(t, err)
	second, err := r.CreateRoom(b, 2)
	require.NoError(t, err)

	assert.Equal(t, "111111", first)
	assert.Equal(t, "222222", second)
}

func TestSlowMemberDoesNotBlockMutation(t *testing.T) {
	r := newTestRegistry(t)
	a, aSink := admit(t, r, "10.0.0.1")
	b, _ := admit(t, r, "10.0.0.2")
	aSink.full = true

	pin, err := r.CreateRoom(a, 3)
	require.NoError(t, err)
	_, err = r.JoinRoom(b, pin)
	require.NoError(t, err)

	info, _ := r.Room(pin)
	assert.Equal(t, 2, info.Members)
}

type countingObserver struct {
	NopObserver
	mu       sync.Mutex
	admitted int
	rejected int
	released int
	opened   int
	closed   int
	relayed  int
}

func (o *countingObserver) SessionAdmitted(string) {
	o.mu.Lock()
	o.admitted++
	o.mu.Unlock()
}

func (o *countingObserver) SessionRejected(string) {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *countingObserver) SessionReleased(string) {
	o.mu.Lock()
	o.released++
	o.mu.Unlock()
}

func (o *countingObserver) RoomOpened(string, int) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *countingObserver) RoomClosed(string) {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

func (o *countingObserver) MessageRelayed(string, int) {
	o.mu.Lock()
	o.relayed++
	o.mu.Unlock()
}

func TestObserverSeesTransitions(t *testing.T) {
	obs := &countingObserver{}
	r := newTestRegistry(t, WithObserver(Observers(obs, nil)))

	a, _ := admit(t, r, "10.0.0.1")
	_, err := r.Admit("10.0.0.1", &recordingSink{})
	require.Error(t, err)

	_, err = r.CreateRoom(a, 2)
	require.NoError(t, err)
	_, err = r.SendMessage(a, json.RawMessage(`{"autor":"a","message":"b"}`))
	require.NoError(t, err)
	r.Disconnect(a)

	assert.Equal(t, 1, obs.admitted)
	assert.Equal(t, 1, obs.rejected)
	assert.Equal(t, 1, obs.released)
	assert.Equal(t, 1, obs.opened)
	assert.Equal(t, 1, obs.closed)
	assert.Equal(t, 1, obs.relayed)
}

// checkInvariants inspects internal state directly; the caller must not hold
// the lock.
func checkInvariants(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for pin, rm := range r.rooms {
		require.Equal(t, pin, rm.pin)
		require.GreaterOrEqual(t, len(rm.members), 1, "room %s is empty but alive", pin)
		require.LessOrEqual(t, len(rm.members), rm.capacity, "room %s over capacity", pin)
		for m := range rm.members {
			require.Equal(t, pin, m.pin, "member of %s routed elsewhere", pin)
		}
	}
	for identity, s := range r.sessions {
		require.Equal(t, identity, s.identity)
		if s.joined() {
			rm, ok := r.rooms[s.pin]
			require.True(t, ok, "session routed to missing room %s", s.pin)
			_, member := rm.members[s]
			require.True(t, member, "session not listed in room %s", s.pin)
		}
	}
}

func TestRandomOperationSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	// A tiny PIN space forces collisions and resampling.
	r := newTestRegistry(t, WithPINGenerator(pinFunc(func() string {
		return fmt.Sprintf("%06d", 100000+rng.IntN(40))
	})))

	sessions := map[string]*Session{}
	for step := 0; step < 2000; step++ {
		identity := fmt.Sprintf("10.0.0.%d", rng.IntN(12))
		s := sessions[identity]

		switch op := rng.IntN(6); {
		case s == nil:
			admitted, err := r.Admit(identity, &recordingSink{})
			require.NoError(t, err)
			sessions[identity] = admitted
		case op == 0:
			_, _ = r.CreateRoom(s, rng.IntN(6))
		case op == 1:
			_, _ = r.JoinRoom(s, fmt.Sprintf("%06d", 100000+rng.IntN(40)))
		case op == 2:
			r.LeaveRoom(s)
		case op == 3:
			_, _ = r.SendMessage(s, json.RawMessage(`{"autor":"x","message":"y"}`))
		case op == 4:
			_, err := r.Admit(identity, &recordingSink{})
			require.ErrorIs(t, err, ErrDuplicateConnection)
		default:
			r.Disconnect(s)
			delete(sessions, identity)
		}
		checkInvariants(t, r)
	}
}

type pinFunc func() string

func (f pinFunc) Next() string { return f() }

func TestConcurrentAdmitAllowsOneSessionPerIdentity(t *testing.T) {
	r := newTestRegistry(t)

	const attempts = 64
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if _, err := r.Admit("10.0.0.1", &recordingSink{}); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, r.Stats().Connections)
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	r := newTestRegistry(t)
	creator, _ := admit(t, r, "creator")
	pin, err := r.CreateRoom(creator, 10)
	require.NoError(t, err)

	const joiners = 40
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
		full   int
	)
	wg.Add(joiners)
	for i := 0; i < joiners; i++ {
		go func(i int) {
			defer wg.Done()
			s, err := r.Admit(fmt.Sprintf("joiner-%d", i), &recordingSink{})
			if err != nil {
				t.Errorf("admit joiner %d: %v", i, err)
				return
			}
			_, err = r.JoinRoom(s, pin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case err == ErrRoomFull:
				full++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 9, joined)
	assert.Equal(t, joiners-9, full)
	checkInvariants(t, r)
}
