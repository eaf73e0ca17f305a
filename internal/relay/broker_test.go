package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBroker_AppendDeduplicates(t *testing.T) {
	b, mr := newRedisBroker(t)
	ctx := context.Background()
	ops := opsFrom("a", "abc")

	fresh, err := b.Append(ctx, "room", ops[:2])
	require.NoError(t, err)
	assert.Equal(t, ops[:2], fresh)

	fresh, err = b.Append(ctx, "room", ops)
	require.NoError(t, err)
	assert.Equal(t, ops[2:], fresh)

	log, err := b.Log(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, ops, log)

	assert.Equal(t, time.Hour, mr.TTL(logKey("room")))
	assert.Equal(t, time.Hour, mr.TTL(opsKey("room")))

	other, err := b.Log(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRedisBroker_FailedAppendCanBeRetried(t *testing.T) {
	b, mr := newRedisBroker(t)
	ctx := context.Background()
	ops := opsFrom("a", "ab")

	// A log key of the wrong type makes the append fail.
	require.NoError(t, mr.Set(logKey("room"), "not a list"))
	_, err := b.Append(ctx, "room", ops[:1])
	require.Error(t, err)
	assert.False(t, mr.Exists(opsKey("room")), "a failed append must not mark the operation seen")

	mr.Del(logKey("room"))
	fresh, err := b.Append(ctx, "room", ops)
	require.NoError(t, err)
	assert.Equal(t, ops, fresh)

	log, err := b.Log(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, ops, log)
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "room")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "room", []byte{0x01, 0x00, 0xff}))
	require.NoError(t, b.Publish(ctx, "elsewhere", []byte("nope")))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, []byte{0x01, 0x00, 0xff}, msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBroker(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	ops := opsFrom("a", "ab")

	sub, err := b.Subscribe(ctx, "room")
	require.NoError(t, err)

	fresh, err := b.Append(ctx, "room", append(ops, ops...))
	require.NoError(t, err)
	assert.Equal(t, ops, fresh)

	require.NoError(t, b.Publish(ctx, "room", []byte("frame")))
	assert.Equal(t, []byte("frame"), <-sub.Messages())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, open := <-sub.Messages()
	assert.False(t, open)

	// Publishing after the only subscriber left is harmless.
	require.NoError(t, b.Publish(ctx, "room", []byte("frame")))
}
