package crdt

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moppymopperson/waiwai-uml/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func insert(t *testing.T, d *Document, offset int, text string) []Operation {
	t.Helper()
	ops, err := d.ApplyLocal(Edit{Offset: offset, Inserted: text})
	require.NoError(t, err)
	return ops
}

func remove(t *testing.T, d *Document, offset, n int) []Operation {
	t.Helper()
	ops, err := d.ApplyLocal(Edit{Offset: offset, Deleted: n})
	require.NoError(t, err)
	return ops
}

func deliver(t *testing.T, d *Document, ops []Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, d.ApplyRemote(op))
	}
}

func TestDocument_LocalEdits(t *testing.T) {
	d := NewDocument("a")

	insert(t, d, 0, "class A")
	assert.Equal(t, "class A", d.Text())
	assert.Equal(t, 7, d.Len())

	insert(t, d, 6, "Foo")
	assert.Equal(t, "class FooA", d.Text())

	remove(t, d, 9, 1)
	assert.Equal(t, "class Foo", d.Text())

	ops, err := d.ApplyLocal(Edit{Offset: 0, Deleted: 5, Inserted: "enum"})
	require.NoError(t, err)
	assert.Equal(t, "enum Foo", d.Text())
	require.Len(t, ops, 9)
	assert.Equal(t, Delete, ops[0].Kind)
	assert.Equal(t, Insert, ops[8].Kind)
}

func TestDocument_LocalCountersIncrease(t *testing.T) {
	d := NewDocument("a")
	ops := insert(t, d, 0, "ab")
	ops = append(ops, remove(t, d, 0, 1)...)

	for i, op := range ops {
		assert.Equal(t, "a", op.ID.Peer)
		assert.Equal(t, uint64(i+1), op.ID.Counter)
	}
	assert.Equal(t, Vector{"a": 3}, d.Version())
}

func TestDocument_InsertChainsOrigins(t *testing.T) {
	d := NewDocument("a")
	ops := insert(t, d, 0, "xyz")

	assert.True(t, ops[0].Ref.IsZero())
	assert.Equal(t, ops[0].ID, ops[1].Ref)
	assert.Equal(t, ops[1].ID, ops[2].Ref)

	// Typing at the front keeps the existing text as the right origin.
	front := insert(t, d, 0, "w")
	assert.Equal(t, ops[0].ID, front[0].Right)
	assert.Equal(t, "wxyz", d.Text())
}

func TestDocument_Unicode(t *testing.T) {
	d := NewDocument("a")
	insert(t, d, 0, "日本語")
	insert(t, d, 1, "é")
	assert.Equal(t, "日é本語", d.Text())
	assert.Equal(t, 4, d.Len())

	remove(t, d, 2, 1)
	assert.Equal(t, "日é語", d.Text())
}

func TestDocument_RejectsOutOfRange(t *testing.T) {
	d := NewDocument("a")
	insert(t, d, 0, "abc")
	before := d.Operations()
	notified := 0
	d.Subscribe(func(Change) { notified++ })

	for _, edit := range []Edit{
		{Offset: -1, Inserted: "x"},
		{Offset: 4, Inserted: "x"},
		{Offset: 2, Deleted: 2},
		{Offset: 0, Deleted: -1},
		{Offset: math.MaxInt, Deleted: 1, Inserted: "X"},
		{Offset: math.MaxInt, Deleted: 1},
		{Offset: 1, Deleted: math.MaxInt},
		{Offset: math.MaxInt, Deleted: math.MaxInt},
	} {
		ops, err := d.ApplyLocal(edit)
		assert.True(t, errors.Is(err, ErrOutOfRange), "edit %+v", edit)
		assert.Nil(t, ops)
	}
	assert.Equal(t, "abc", d.Text())
	assert.Equal(t, before, d.Operations())
	assert.Zero(t, notified)
}

func TestDocument_NoopEdit(t *testing.T) {
	d := NewDocument("a")
	notified := 0
	d.Subscribe(func(Change) { notified++ })

	ops, err := d.ApplyLocal(Edit{Offset: 0})
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, 0, notified)
}

func TestDocument_ConcurrentInsertTieBreak(t *testing.T) {
	// Peer B's ID sorts before peer A's.
	a := NewDocument("peer-2")
	b := NewDocument("peer-1")

	fromA := insert(t, a, 0, "class A")
	fromB := insert(t, b, 0, "class B")
	assert.Equal(t, uint64(1), fromA[0].ID.Counter)
	assert.Equal(t, uint64(1), fromB[0].ID.Counter)

	deliver(t, a, fromB)
	deliver(t, b, fromA)

	assert.Equal(t, "class Bclass A", a.Text())
	assert.Equal(t, a.Text(), b.Text())
}

func TestDocument_Idempotent(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	ops := insert(t, a, 0, "hello")
	ops = append(ops, remove(t, a, 1, 2)...)

	deliver(t, b, ops)
	want := b.Text()
	version := b.Version()
	applied := len(b.Operations())

	notified := 0
	b.Subscribe(func(Change) { notified++ })
	deliver(t, b, ops)

	assert.Equal(t, want, b.Text())
	assert.Equal(t, "hlo", b.Text())
	assert.Equal(t, version, b.Version())
	assert.Len(t, b.Operations(), applied)
	assert.Equal(t, 0, notified, "replayed operations must not notify")
}

func TestDocument_BuffersUntilDependencyArrives(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	ops := insert(t, a, 0, "ab")
	op1, op2 := ops[0], ops[1]

	var changes []Change
	b.Subscribe(func(c Change) { changes = append(changes, c) })

	require.NoError(t, b.ApplyRemote(op2))
	assert.Equal(t, "", b.Text(), "op2 must wait for op1")
	assert.Equal(t, 1, b.Pending())
	assert.Empty(t, changes)

	// Buffered duplicates are ignored.
	require.NoError(t, b.ApplyRemote(op2))
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.ApplyRemote(op1))
	assert.Equal(t, "ab", b.Text())
	assert.Equal(t, 0, b.Pending())

	require.Len(t, changes, 1)
	assert.Equal(t, []Operation{op1, op2}, changes[0].Ops)
	assert.Equal(t, []Edit{{Offset: 0, Inserted: "a"}, {Offset: 1, Inserted: "b"}}, changes[0].Edits)
}

func TestDocument_BuffersDeleteOfUnknownCharacter(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	ins := insert(t, a, 0, "x")
	del := remove(t, a, 0, 1)

	deliver(t, b, del)
	assert.Equal(t, 1, b.Pending())

	deliver(t, b, ins)
	assert.Equal(t, "", b.Text())
	assert.Equal(t, 0, b.Pending())
}

func TestDocument_WaitsForRightOrigin(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	tail := insert(t, a, 0, "z")
	front := insert(t, a, 0, "y")

	deliver(t, b, front)
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, "", b.Text())

	deliver(t, b, tail)
	assert.Equal(t, "yz", b.Text())
}

func TestDocument_ExpirePending(t *testing.T) {
	fake := clock.Fake(epoch)
	a := NewDocument("a")
	b := NewDocument("b", WithClock(fake), WithDependencyTimeout(10*time.Second))
	ops := insert(t, a, 0, "ab")

	require.NoError(t, b.ApplyRemote(ops[1]))
	fake.Advance(9 * time.Second)
	assert.Equal(t, 0, b.ExpirePending())
	assert.Equal(t, 1, b.Pending())

	fake.Advance(time.Second)
	assert.Equal(t, 1, b.ExpirePending())
	assert.Equal(t, 0, b.Pending())

	// The dependency arriving later no longer resurrects the dropped op.
	require.NoError(t, b.ApplyRemote(ops[0]))
	assert.Equal(t, "a", b.Text())
}

func TestDocument_RejectsInvalidRemote(t *testing.T) {
	d := NewDocument("a")
	for _, op := range []Operation{
		{},
		{ID: ID{Peer: "b", Counter: 1}, Kind: Insert, Value: "xy"},
		{ID: ID{Peer: "b", Counter: 1}, Kind: Insert, Value: ""},
		{ID: ID{Peer: "b", Counter: 1}, Kind: Delete},
		{ID: ID{Peer: "b", Counter: 1}, Kind: Kind(9), Value: "x"},
	} {
		assert.True(t, errors.Is(d.ApplyRemote(op), ErrInvalidOperation), "op %+v", op)
	}
	assert.Equal(t, 0, d.Pending())
}

func TestDocument_ConcurrentDeletes(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	deliver(t, b, insert(t, a, 0, "abc"))

	fromA := remove(t, a, 1, 1)
	fromB := remove(t, b, 1, 2)

	var edits []Edit
	a.Subscribe(func(c Change) { edits = append(edits, c.Edits...) })
	deliver(t, a, fromB)
	deliver(t, b, fromA)

	assert.Equal(t, "a", a.Text())
	assert.Equal(t, "a", b.Text())
	// Only the character A had not already deleted shows up as an edit.
	assert.Equal(t, []Edit{{Offset: 1, Deleted: 1}}, edits)
}

func TestDocument_InsertAfterTombstone(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	base := insert(t, a, 0, "ab")
	deliver(t, b, base)

	// A deletes "b" while B types after it.
	fromA := remove(t, a, 1, 1)
	fromB := insert(t, b, 2, "c")

	deliver(t, a, fromB)
	deliver(t, b, fromA)
	assert.Equal(t, "ac", a.Text())
	assert.Equal(t, "ac", b.Text())
}

func TestDocument_OwnOperationsAdvanceCounter(t *testing.T) {
	old := NewDocument("a")
	ops := insert(t, old, 0, "abc")

	// Same peer ID rejoining with an empty replica.
	rejoined := NewDocument("a")
	deliver(t, rejoined, ops)
	next := insert(t, rejoined, 3, "d")
	assert.Equal(t, uint64(4), next[0].ID.Counter)
}

func TestDocument_ObserversInRegistrationOrder(t *testing.T) {
	d := NewDocument("a")
	var order []string
	d.Subscribe(func(Change) { order = append(order, "first") })
	unsubscribe := d.Subscribe(func(Change) { order = append(order, "second") })
	d.Subscribe(func(c Change) {
		order = append(order, "third")
		assert.True(t, c.Local)
	})

	insert(t, d, 0, "x")
	assert.Equal(t, []string{"first", "second", "third"}, order)

	unsubscribe()
	order = nil
	insert(t, d, 0, "y")
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestDocument_RemoteEditsReplayOnText(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	deliver(t, b, insert(t, a, 0, "hello world"))

	mirror := []rune(b.Text())
	b.Subscribe(func(c Change) {
		for _, e := range c.Edits {
			mirror = append(mirror[:e.Offset], append([]rune(e.Inserted), mirror[e.Offset+e.Deleted:]...)...)
		}
	})

	ops, err := a.ApplyLocal(Edit{Offset: 0, Deleted: 5, Inserted: "goodbye"})
	require.NoError(t, err)
	deliver(t, b, ops)
	deliver(t, b, remove(t, a, 7, 6))

	assert.Equal(t, "goodbye", b.Text())
	assert.Equal(t, b.Text(), string(mirror))
}

// TestDocument_Convergence drives several replicas through random concurrent
// edits with random, partial, out-of-order delivery, then checks that every
// replica ends with the same text once all operations are exchanged.
func TestDocument_Convergence(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7919))
		peers := []string{"ann", "bob", "cy"}
		docs := make([]*Document, len(peers))
		for i, p := range peers {
			docs[i] = NewDocument(p)
		}

		var all []Operation
		for step := 0; step < 60; step++ {
			d := docs[rng.IntN(len(docs))]
			all = append(all, randomEdit(t, rng, d)...)

			if rng.IntN(4) == 0 {
				target := docs[rng.IntN(len(docs))]
				subset := shuffled(rng, all)
				deliver(t, target, subset[:rng.IntN(len(subset)+1)])
			}
		}

		for _, d := range docs {
			deliver(t, d, shuffled(rng, all))
		}
		for _, d := range docs[1:] {
			require.Equal(t, docs[0].Text(), d.Text(), "seed %d", seed)
			require.Equal(t, 0, d.Pending(), "seed %d", seed)
		}
		require.Equal(t, 0, docs[0].Pending())
	}
}

func randomEdit(t *testing.T, rng *rand.Rand, d *Document) []Operation {
	t.Helper()
	n := d.Len()
	if n > 0 && rng.IntN(3) == 0 {
		offset := rng.IntN(n)
		return remove(t, d, offset, 1+rng.IntN(min(3, n-offset)))
	}
	letters := "abcdefghij"
	var b strings.Builder
	for i := 0; i <= rng.IntN(3); i++ {
		b.WriteByte(letters[rng.IntN(len(letters))])
	}
	return insert(t, d, rng.IntN(n+1), b.String())
}

func shuffled(rng *rand.Rand, ops []Operation) []Operation {
	out := append([]Operation(nil), ops...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
