package crdt

import (
	"fmt"
	"maps"
)

// ID is a globally unique identifier for an operation, combining the ID of
// the peer that created it and that peer's operation counter.
type ID struct {
	Peer    string `json:"peer" cbor:"p"`
	Counter uint64 `json:"counter" cbor:"c"`
}

// IsZero reports whether id is the zero ID, which stands for the document
// boundary in an operation's references.
func (id ID) IsZero() bool {
	return id.Peer == "" && id.Counter == 0
}

// Less orders IDs by peer, then counter.
func (id ID) Less(other ID) bool {
	if id.Peer != other.Peer {
		return id.Peer < other.Peer
	}
	return id.Counter < other.Counter
}

func (id ID) String() string {
	if id.IsZero() {
		return "<root>"
	}
	return fmt.Sprintf("%s:%d", id.Peer, id.Counter)
}

// Vector maps each peer to the highest counter observed from it.
type Vector map[string]uint64

// Observe raises the entry for id's peer to id's counter.
func (v Vector) Observe(id ID) {
	if id.Counter > v[id.Peer] {
		v[id.Peer] = id.Counter
	}
}

// Covers reports whether the operation id has already been observed.
func (v Vector) Covers(id ID) bool {
	return id.Counter <= v[id.Peer]
}

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	maps.Copy(out, v)
	return out
}
