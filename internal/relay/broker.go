package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moppymopperson/waiwai-uml/internal/crdt"
	"github.com/moppymopperson/waiwai-uml/internal/wire"
)

// Broker stores each room's operation log and fans frames out to every relay
// connection in the room, possibly across relay instances.
type Broker interface {
	// Append adds ops to the room log and returns the ones it had not seen.
	Append(ctx context.Context, room string, ops []crdt.Operation) ([]crdt.Operation, error)
	// Log returns the room log in append order.
	Log(ctx context.Context, room string) ([]crdt.Operation, error)
	// Publish sends a frame to every subscriber of the room.
	Publish(ctx context.Context, room string, frame []byte) error
	// Subscribe starts receiving the room's frames. Frames published after
	// Subscribe returns are guaranteed to be delivered.
	Subscribe(ctx context.Context, room string) (Subscription, error)
}

// Subscription is a live feed of a room's frames.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

func opsKey(room string) string  { return "room:" + room + ":ops" }
func logKey(room string) string  { return "room:" + room + ":log" }
func channel(room string) string { return "room:" + room }

// RedisBroker keeps room logs in Redis and fans frames out with Redis
// pub/sub, so several relay instances can serve the same room. Room keys
// expire after ttl without writes.
type RedisBroker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBroker returns a broker backed by rdb.
func NewRedisBroker(rdb *redis.Client, ttl time.Duration) *RedisBroker {
	return &RedisBroker{rdb: rdb, ttl: ttl}
}

// appendScript logs one operation unless its ID is already recorded.
// KEYS: ops hash, log list. ARGV: op ID, encoded op, TTL in milliseconds.
// The log entry is written before the ID is marked seen, so a failed write
// leaves the operation unrecorded and a resend can log it.
var appendScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call("RPUSH", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
	redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`)

func (b *RedisBroker) Append(ctx context.Context, room string, ops []crdt.Operation) ([]crdt.Operation, error) {
	keys := []string{opsKey(room), logKey(room)}
	var fresh []crdt.Operation
	for _, op := range ops {
		data, err := wire.EncodeOperation(op)
		if err != nil {
			return fresh, err
		}
		added, err := appendScript.Run(ctx, b.rdb, keys, op.ID.String(), data, b.ttl.Milliseconds()).Int()
		if err != nil {
			return fresh, fmt.Errorf("appending %s to room %s: %w", op.ID, room, err)
		}
		if added == 1 {
			fresh = append(fresh, op)
		}
	}
	return fresh, nil
}

func (b *RedisBroker) Log(ctx context.Context, room string) ([]crdt.Operation, error) {
	entries, err := b.rdb.LRange(ctx, logKey(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading log of room %s: %w", room, err)
	}
	ops := make([]crdt.Operation, 0, len(entries))
	for _, entry := range entries {
		op, err := wire.DecodeOperation([]byte(entry))
		if err != nil {
			return nil, fmt.Errorf("reading log of room %s: %w", room, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (b *RedisBroker) Publish(ctx context.Context, room string, frame []byte) error {
	if err := b.rdb.Publish(ctx, channel(room), frame).Err(); err != nil {
		return fmt.Errorf("publishing to room %s: %w", room, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, room string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel(room))
	// Wait for the confirmation so nothing published after this point is
	// missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to room %s: %w", room, err)
	}
	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}

// MemoryBroker is a single-instance Broker for relays running without
// Redis.
type MemoryBroker struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	log         []crdt.Operation
	seen        map[crdt.ID]struct{}
	subscribers map[*memorySubscription]struct{}
}

// NewMemoryBroker returns an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{rooms: make(map[string]*memoryRoom)}
}

func (b *MemoryBroker) room(name string) *memoryRoom {
	r, ok := b.rooms[name]
	if !ok {
		r = &memoryRoom{
			seen:        make(map[crdt.ID]struct{}),
			subscribers: make(map[*memorySubscription]struct{}),
		}
		b.rooms[name] = r
	}
	return r
}

func (b *MemoryBroker) Append(_ context.Context, room string, ops []crdt.Operation) ([]crdt.Operation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.room(room)
	var fresh []crdt.Operation
	for _, op := range ops {
		if _, ok := r.seen[op.ID]; ok {
			continue
		}
		r.seen[op.ID] = struct{}{}
		r.log = append(r.log, op)
		fresh = append(fresh, op)
	}
	return fresh, nil
}

func (b *MemoryBroker) Log(_ context.Context, room string) ([]crdt.Operation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]crdt.Operation(nil), b.room(room).log...), nil
}

func (b *MemoryBroker) Publish(_ context.Context, room string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.room(room).subscribers {
		select {
		case sub.out <- frame:
		default:
			// A subscriber this far behind is closed; its connection resyncs.
			sub.closeLocked()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, room string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memorySubscription{broker: b, room: room, out: make(chan []byte, 256)}
	b.room(room).subscribers[sub] = struct{}{}
	return sub, nil
}

type memorySubscription struct {
	broker *MemoryBroker
	room   string
	out    chan []byte
	closed bool
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *memorySubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.broker.room(s.room).subscribers, s)
	close(s.out)
}
