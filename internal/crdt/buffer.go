package crdt

import "time"

type pendingOp struct {
	op      Operation
	arrived time.Time
}

// causalBuffer holds remote operations whose dependencies are not yet
// integrated, keyed by the missing dependency.
type causalBuffer struct {
	waiting map[ID][]pendingOp
	held    map[ID]struct{}
}

func newCausalBuffer() *causalBuffer {
	return &causalBuffer{
		waiting: make(map[ID][]pendingOp),
		held:    make(map[ID]struct{}),
	}
}

func (b *causalBuffer) contains(id ID) bool {
	_, ok := b.held[id]
	return ok
}

func (b *causalBuffer) add(missing ID, p pendingOp) {
	b.waiting[missing] = append(b.waiting[missing], p)
	b.held[p.op.ID] = struct{}{}
}

// release removes and returns everything waiting on dep.
func (b *causalBuffer) release(dep ID) []pendingOp {
	ready := b.waiting[dep]
	delete(b.waiting, dep)
	for _, p := range ready {
		delete(b.held, p.op.ID)
	}
	return ready
}

// expire drops operations that arrived at or before cutoff, reporting each
// one and the dependency it was waiting on to dropped.
func (b *causalBuffer) expire(cutoff time.Time, dropped func(missing ID, p pendingOp)) int {
	count := 0
	for dep, list := range b.waiting {
		kept := list[:0]
		for _, p := range list {
			if p.arrived.After(cutoff) {
				kept = append(kept, p)
				continue
			}
			delete(b.held, p.op.ID)
			dropped(dep, p)
			count++
		}
		if len(kept) == 0 {
			delete(b.waiting, dep)
		} else {
			b.waiting[dep] = kept
		}
	}
	return count
}

func (b *causalBuffer) len() int {
	return len(b.held)
}
