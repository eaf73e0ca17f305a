package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrOutOfRange is returned for local edits whose offset or length falls
	// outside the visible text.
	ErrOutOfRange = errors.New("crdt: edit out of range")

	// ErrInvalidOperation is returned for remote operations that can never be
	// applied.
	ErrInvalidOperation = errors.New("crdt: invalid operation")
)

// Kind distinguishes inserts from deletes.
type Kind uint8

const (
	// Insert creates one character record.
	Insert Kind = iota + 1
	// Delete turns one character record into a tombstone.
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText encodes the kind by name, for both JSON and CBOR.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case Insert, Delete:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, uint8(k))
	}
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "insert":
		*k = Insert
	case "delete":
		*k = Delete
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, text)
	}
	return nil
}

// Operation is a single-character change. It is what peers exchange through
// the relay.
//
// For inserts, Ref is the origin (the character to the left of the insert
// when it was generated) and Right is the right origin; the zero ID means the
// start or end of the document respectively. For deletes, Ref is the
// character being deleted and Right is unused.
type Operation struct {
	ID    ID     `json:"id" cbor:"id"`
	Kind  Kind   `json:"kind" cbor:"kind"`
	Ref   ID     `json:"ref" cbor:"ref"`
	Right ID     `json:"right" cbor:"right"`
	Value string `json:"value,omitempty" cbor:"value,omitempty"`
}

// Dependencies returns the IDs that must be applied before op: the records
// it references and the previous operation from the same peer. Keeping each
// peer's operations contiguous makes a per-peer high-water mark an exact
// summary of what a replica holds.
func (op Operation) Dependencies() []ID {
	var deps []ID
	if !op.Ref.IsZero() {
		deps = append(deps, op.Ref)
	}
	if op.Kind == Insert && !op.Right.IsZero() {
		deps = append(deps, op.Right)
	}
	if op.ID.Counter > 1 {
		deps = append(deps, ID{Peer: op.ID.Peer, Counter: op.ID.Counter - 1})
	}
	return deps
}

// references returns the records op points at.
func (op Operation) references() []ID {
	refs := []ID{op.Ref}
	if op.Kind == Insert {
		refs = append(refs, op.Right)
	}
	return refs
}

// Validate checks the operation's shape. It does not check dependencies.
func (op Operation) Validate() error {
	if op.ID.Peer == "" || op.ID.Counter == 0 {
		return fmt.Errorf("%w: missing id in %s", ErrInvalidOperation, op.ID)
	}
	switch op.Kind {
	case Insert:
		if utf8.RuneCountInString(op.Value) != 1 || !utf8.ValidString(op.Value) {
			return fmt.Errorf("%w: insert %s must carry one character, got %q", ErrInvalidOperation, op.ID, op.Value)
		}
		if op.Ref == op.ID || op.Right == op.ID {
			return fmt.Errorf("%w: insert %s references itself", ErrInvalidOperation, op.ID)
		}
	case Delete:
		if op.Ref.IsZero() {
			return fmt.Errorf("%w: delete %s has no target", ErrInvalidOperation, op.ID)
		}
	default:
		return fmt.Errorf("%w: %s has unknown kind %d", ErrInvalidOperation, op.ID, uint8(op.Kind))
	}
	return nil
}

func (op Operation) String() string {
	if op.Kind == Delete {
		return fmt.Sprintf("delete(%s -> %s)", op.ID, op.Ref)
	}
	return fmt.Sprintf("insert(%s %q after %s before %s)", op.ID, op.Value, op.Ref, op.Right)
}

// Edit is a raw change in visible-text coordinates: delete Deleted
// characters starting at Offset, then insert Inserted at Offset. Offsets and
// lengths count Unicode code points.
type Edit struct {
	Offset   int    `json:"offset"`
	Deleted  int    `json:"deleted"`
	Inserted string `json:"inserted"`
}

// IsNoop reports whether the edit changes nothing.
func (e Edit) IsNoop() bool {
	return e.Deleted == 0 && e.Inserted == ""
}
