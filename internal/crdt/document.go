package crdt

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/moppymopperson/waiwai-uml/internal/clock"
)

// DefaultDependencyTimeout bounds how long a remote operation may wait for
// a missing dependency before it is dropped.
const DefaultDependencyTimeout = 30 * time.Second

// none marks a missing arena link.
const none = -1

// record is one character ever inserted into the document.
type record struct {
	id      ID
	value   string
	origin  ID
	right   ID
	deleted bool
	next    int
}

// Document is a replica of the shared text.
type Document struct {
	peer    string
	counter uint64

	records []record
	index   map[ID]int // insert ID -> arena slot
	head    int
	visible int

	applied map[ID]struct{}
	log     []Operation
	version Vector
	pending *causalBuffer

	observers    []observer
	nextObserver int

	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Document.
type Option func(*Document)

// WithClock sets the time source used to age buffered operations.
func WithClock(c clock.Clock) Option {
	return func(d *Document) {
		d.clock = c
	}
}

// WithDependencyTimeout sets how long buffered operations wait for their
// dependencies.
func WithDependencyTimeout(timeout time.Duration) Option {
	return func(d *Document) {
		d.timeout = timeout
	}
}

// WithLogger sets the logger for rejected edits and dropped operations.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		d.logger = logger
	}
}

// NewDocument returns an empty document replica owned by peer.
func NewDocument(peer string, opts ...Option) *Document {
	d := &Document{
		peer:    peer,
		index:   make(map[ID]int),
		head:    none,
		applied: make(map[ID]struct{}),
		version: make(Vector),
		pending: newCausalBuffer(),
		clock:   clock.Real(),
		timeout: DefaultDependencyTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Peer returns the ID of the local peer.
func (d *Document) Peer() string { return d.peer }

// Len returns the number of visible characters.
func (d *Document) Len() int { return d.visible }

// Pending returns the number of buffered remote operations.
func (d *Document) Pending() int { return d.pending.len() }

// Version returns the highest applied counter per peer.
func (d *Document) Version() Vector { return d.version.Clone() }

// Operations returns every applied operation in application order.
func (d *Document) Operations() []Operation {
	return append([]Operation(nil), d.log...)
}

// Has reports whether the operation id has been applied.
func (d *Document) Has(id ID) bool {
	_, ok := d.applied[id]
	return ok
}

// Text materializes the visible text.
func (d *Document) Text() string {
	var b strings.Builder
	for i := d.head; i != none; i = d.records[i].next {
		if !d.records[i].deleted {
			b.WriteString(d.records[i].value)
		}
	}
	return b.String()
}

// ApplyLocal turns a raw edit into operations stamped with the local peer ID,
// applies them and returns them for transmission. A rejected edit leaves the
// document untouched.
func (d *Document) ApplyLocal(edit Edit) ([]Operation, error) {
	inserted := []rune(edit.Inserted)
	// Offset+Deleted may overflow, so the bounds are checked separately.
	if edit.Offset < 0 || edit.Deleted < 0 || edit.Offset > d.visible || edit.Deleted > d.visible-edit.Offset || !utf8.ValidString(edit.Inserted) {
		d.logger.Warn("rejecting local edit",
			"offset", edit.Offset,
			"deleted", edit.Deleted,
			"inserted", len(inserted),
			"length", d.visible,
		)
		return nil, fmt.Errorf("%w: offset %d, delete %d, length %d", ErrOutOfRange, edit.Offset, edit.Deleted, d.visible)
	}
	if edit.IsNoop() {
		return nil, nil
	}

	// Resolve the left neighbour and the deleted run before mutating.
	left := none
	var targets []int
	pos := 0
	for i := d.head; i != none && pos < edit.Offset+edit.Deleted; i = d.records[i].next {
		if d.records[i].deleted {
			continue
		}
		if pos < edit.Offset {
			left = i
		} else {
			targets = append(targets, i)
		}
		pos++
	}

	ops := make([]Operation, 0, len(targets)+len(inserted))
	for _, slot := range targets {
		ops = append(ops, Operation{ID: d.nextID(), Kind: Delete, Ref: d.records[slot].id})
	}

	origin, right := ID{}, ID{}
	if left != none {
		origin = d.records[left].id
	}
	if next := d.successor(left); next != none {
		right = d.records[next].id
	}
	for _, r := range inserted {
		op := Operation{ID: d.nextID(), Kind: Insert, Ref: origin, Right: right, Value: string(r)}
		ops = append(ops, op)
		origin = op.ID
	}

	for _, op := range ops {
		d.apply(op, false)
	}
	d.notify(Change{Local: true, Ops: ops, Edits: []Edit{edit}})
	return ops, nil
}

// ApplyRemote merges an operation received from another peer. Applying an
// operation that was already applied, or is already buffered, has no effect.
// If a dependency is missing the operation is buffered and applied as soon as
// the dependency is.
func (d *Document) ApplyRemote(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if d.Has(op.ID) || d.pending.contains(op.ID) {
		return nil
	}
	if missing, ok := d.missingDependency(op); ok {
		d.logger.Debug("buffering operation", "op", op.ID, "missing", missing)
		d.pending.add(missing, pendingOp{op: op, arrived: d.clock.Now()})
		return nil
	}

	change := Change{}
	d.applyRemote(op, &change)

	// Release everything that was waiting on the operations just applied.
	queue := []ID{op.ID}
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		for _, p := range d.pending.release(dep) {
			if d.Has(p.op.ID) {
				continue
			}
			if missing, ok := d.missingDependency(p.op); ok {
				d.pending.add(missing, p)
				continue
			}
			d.applyRemote(p.op, &change)
			queue = append(queue, p.op.ID)
		}
	}
	d.notify(change)
	return nil
}

// ExpirePending drops buffered operations that have waited longer than the
// dependency timeout and returns how many were dropped. The document may
// permanently miss those operations.
func (d *Document) ExpirePending() int {
	cutoff := d.clock.Now().Add(-d.timeout)
	return d.pending.expire(cutoff, func(missing ID, p pendingOp) {
		d.logger.Warn("dropping operation with unresolved dependency",
			"op", p.op.ID,
			"kind", p.op.Kind,
			"missing", missing,
			"waited", d.clock.Now().Sub(p.arrived),
		)
	})
}

func (d *Document) nextID() ID {
	d.counter++
	return ID{Peer: d.peer, Counter: d.counter}
}

func (d *Document) missingDependency(op Operation) (ID, bool) {
	for _, ref := range op.references() {
		if ref.IsZero() {
			continue
		}
		if _, ok := d.index[ref]; !ok {
			return ref, true
		}
	}
	if op.ID.Counter > 1 {
		prev := ID{Peer: op.ID.Peer, Counter: op.ID.Counter - 1}
		if !d.Has(prev) {
			return prev, true
		}
	}
	return ID{}, false
}

// applyRemote applies a ready operation and records its visible effect.
func (d *Document) applyRemote(op Operation, change *Change) {
	if op.ID.Peer == d.peer && op.ID.Counter > d.counter {
		// Our own operations from an earlier session with the same ID.
		d.counter = op.ID.Counter
	}
	if edit, changed := d.apply(op, true); changed {
		change.Ops = append(change.Ops, op)
		change.Edits = append(change.Edits, edit)
	}
}

// apply integrates a ready operation. It reports whether the visible text
// changed and, when locate is set, the change as an Edit. Locating costs a
// walk of the document.
func (d *Document) apply(op Operation, locate bool) (Edit, bool) {
	d.applied[op.ID] = struct{}{}
	d.log = append(d.log, op)
	d.version.Observe(op.ID)

	switch op.Kind {
	case Insert:
		slot := d.integrate(op)
		d.visible++
		if !locate {
			return Edit{}, true
		}
		return Edit{Offset: d.offsetOf(slot), Inserted: op.Value}, true
	case Delete:
		slot := d.index[op.Ref]
		if d.records[slot].deleted {
			return Edit{}, false
		}
		offset := 0
		if locate {
			offset = d.offsetOf(slot)
		}
		d.records[slot].deleted = true
		d.visible--
		return Edit{Offset: offset, Deleted: 1}, true
	}
	return Edit{}, false
}

// integrate places a new record between its origin and right origin. When
// other records already sit between the two, the scan below decides which of
// them the new record goes after: concurrent records sharing the same origin
// are ordered by ID, and records whose origin lies inside the scanned range
// travel with that origin.
func (d *Document) integrate(op Operation) int {
	left := d.slot(op.Ref)
	right := d.slot(op.Right)

	if o := d.successor(left); o != right {
		before := make(map[int]struct{})
		conflicting := make(map[int]struct{})
		for o != none && o != right {
			before[o] = struct{}{}
			conflicting[o] = struct{}{}
			r := d.records[o]
			if r.origin == op.Ref {
				if r.id.Less(op.ID) {
					left = o
					clear(conflicting)
				} else if r.right == op.Right {
					break
				}
			} else if originSlot := d.slot(r.origin); originSlot != none && contains(before, originSlot) {
				if !contains(conflicting, originSlot) {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = r.next
		}
	}

	slot := len(d.records)
	d.records = append(d.records, record{
		id:     op.ID,
		value:  op.Value,
		origin: op.Ref,
		right:  op.Right,
		next:   d.successor(left),
	})
	if left == none {
		d.head = slot
	} else {
		d.records[left].next = slot
	}
	d.index[op.ID] = slot
	return slot
}

// slot returns the arena slot of an insert, or none for the zero ID.
func (d *Document) slot(id ID) int {
	if id.IsZero() {
		return none
	}
	if s, ok := d.index[id]; ok {
		return s
	}
	return none
}

// successor returns the record after slot, where none stands for the start
// of the document.
func (d *Document) successor(slot int) int {
	if slot == none {
		return d.head
	}
	return d.records[slot].next
}

// offsetOf counts the visible records before slot.
func (d *Document) offsetOf(slot int) int {
	offset := 0
	for i := d.head; i != none && i != slot; i = d.records[i].next {
		if !d.records[i].deleted {
			offset++
		}
	}
	return offset
}

func contains(set map[int]struct{}, k int) bool {
	_, ok := set[k]
	return ok
}
