// Package presence mirrors live room presence into Redis so dashboards and
// operators can see open rooms without touching the relay process. The
// mirror is write-only: the in-process registry remains the single source of
// truth and never reads back from Redis.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the subset of the Redis client the mirror writes through.
type Store interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type updateKind int

const (
	roomOpened updateKind = iota
	roomChanged
	roomClosed
)

type update struct {
	kind     updateKind
	pin      string
	count    int
	capacity int
	at       time.Time
}

// Event is published on the presence channel for every change.
type Event struct {
	Type  string `json:"type"`
	PIN   string `json:"pin"`
	Count int    `json:"count"`
	Limit int    `json:"limit"`
	At    int64  `json:"at"`
}

// Mirror implements registry.Observer. Observer callbacks only enqueue; Run
// performs the Redis writes.
type Mirror struct {
	store   Store
	prefix  string
	queue   chan update
	log     *zap.Logger
	dropped atomic.Int64
	timeout time.Duration
	ttl     time.Duration
}

const (
	// DefaultTTL bounds how long a room hash outlives its last update, so
	// keys left behind by a crashed process eventually disappear.
	DefaultTTL = 12 * time.Hour

	drainTimeout = 5 * time.Second
)

// Connect dials Redis and verifies connectivity.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// New creates a mirror writing under prefix with a bounded queue. Room hashes
// expire DefaultTTL after their last update; see WithTTL.
func New(store Store, prefix string, queueSize int, log *zap.Logger) *Mirror {
	if prefix == "" {
		prefix = "pinchat"
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{
		store:   store,
		prefix:  prefix,
		queue:   make(chan update, queueSize),
		log:     log,
		timeout: 2 * time.Second,
		ttl:     DefaultTTL,
	}
}

// WithTTL overrides the room hash expiry. Non-positive values are ignored.
func (m *Mirror) WithTTL(ttl time.Duration) *Mirror {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// Run applies queued updates until ctx is done, then flushes whatever is
// still queued so rooms closed during shutdown are removed from Redis.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case u := <-m.queue:
			// each write carries its own timeout; cancellation only ends
			// the loop
			m.write(context.WithoutCancel(ctx), u)
		}
	}
}

func (m *Mirror) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	flushed := 0
	for ctx.Err() == nil {
		select {
		case u := <-m.queue:
			m.write(ctx, u)
			flushed++
		default:
			m.log.Debug("presence mirror drained", zap.Int("updates", flushed))
			return
		}
	}
	m.log.Warn("presence mirror drain timed out", zap.Int("updates", flushed), zap.Int("pending", len(m.queue)))
}

func (m *Mirror) write(ctx context.Context, u update) {
	if err := m.apply(ctx, u); err != nil {
		m.log.Warn("presence mirror write failed", zap.String("pin", u.pin), zap.Error(err))
	}
}

// Dropped returns how many updates were discarded because the queue was full.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

func (m *Mirror) roomKey(pin string) string { return m.prefix + ":room:" + pin }

func (m *Mirror) channel() string { return m.prefix + ":presence" }

func (m *Mirror) apply(ctx context.Context, u update) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ev := Event{PIN: u.pin, Count: u.count, Limit: u.capacity, At: u.at.Unix()}
	switch u.kind {
	case roomOpened, roomChanged:
		ev.Type = "user_count"
		if u.kind == roomOpened {
			ev.Type = "room_opened"
		}
		key := m.roomKey(u.pin)
		if err := m.store.HSet(ctx, key, "count", u.count, "limit", u.capacity, "updated_at", ev.At).Err(); err != nil {
			return fmt.Errorf("hset %s: %w", key, err)
		}
		if err := m.store.Expire(ctx, key, m.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	case roomClosed:
		ev.Type = "room_closed"
		key := m.roomKey(u.pin)
		if err := m.store.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("del %s: %w", key, err)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}
	if err := m.store.Publish(ctx, m.channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", m.channel(), err)
	}
	return nil
}

func (m *Mirror) enqueue(u update) {
	u.at = time.Now()
	select {
	case m.queue <- u:
	default:
		m.dropped.Add(1)
	}
}

// SessionAdmitted is a no-op; only room state is mirrored.
func (m *Mirror) SessionAdmitted(string) {}

// SessionRejected is a no-op.
func (m *Mirror) SessionRejected(string) {}

// SessionReleased is a no-op.
func (m *Mirror) SessionReleased(string) {}

// RoomOpened queues the new room's hash with its creator as the only member.
func (m *Mirror) RoomOpened(pin string, capacity int) {
	m.enqueue(update{kind: roomOpened, pin: pin, count: 1, capacity: capacity})
}

// RoomClosed queues removal of the room's hash.
func (m *Mirror) RoomClosed(pin string) {
	m.enqueue(update{kind: roomClosed, pin: pin})
}

// PresenceChanged queues a count update. A count of zero is left to
// RoomClosed.
func (m *Mirror) PresenceChanged(pin string, count, capacity int) {
	if count == 0 {
		return
	}
	m.enqueue(update{kind: roomChanged, pin: pin, count: count, capacity: capacity})
}

// MessageRelayed is a no-op.
func (m *Mirror) MessageRelayed(string, int) {}
