package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moppymopperson/waiwai-uml/internal/crdt"
)

func TestPrefix(t *testing.T) {
	p := newPrefix()
	id := func(peer string, counter uint64) crdt.ID { return crdt.ID{Peer: peer, Counter: counter} }

	p.observe(id("a", 1))
	p.observe(id("a", 3))
	p.observe(id("a", 4))
	p.observe(id("b", 2))
	assert.Equal(t, crdt.Vector{"a": 1}, p.vector(), "gaps hold the mark back")

	p.observe(id("a", 2))
	p.observe(id("a", 2))
	assert.Equal(t, crdt.Vector{"a": 4}, p.vector())

	p.observe(id("b", 1))
	assert.Equal(t, crdt.Vector{"a": 4, "b": 2}, p.vector())
	assert.Empty(t, p.ahead)

	v := p.vector()
	v["a"] = 100
	assert.Equal(t, uint64(4), p.vector()["a"])
}
