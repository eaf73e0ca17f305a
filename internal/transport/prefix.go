package transport

import "github.com/moppymopperson/waiwai-uml/internal/crdt"

// prefix tracks, per peer, the highest counter up to which every operation
// has been seen. A resync asks for everything above it, so an operation the
// relay failed to deliver is fetched again even when later ones arrived.
type prefix struct {
	contiguous crdt.Vector
	ahead      map[string]map[uint64]struct{}
}

func newPrefix() *prefix {
	return &prefix{
		contiguous: make(crdt.Vector),
		ahead:      make(map[string]map[uint64]struct{}),
	}
}

func (p *prefix) observe(id crdt.ID) {
	next := p.contiguous[id.Peer] + 1
	switch {
	case id.Counter < next:
		return
	case id.Counter > next:
		if p.ahead[id.Peer] == nil {
			p.ahead[id.Peer] = make(map[uint64]struct{})
		}
		p.ahead[id.Peer][id.Counter] = struct{}{}
		return
	}

	p.contiguous[id.Peer] = id.Counter
	ahead := p.ahead[id.Peer]
	for {
		n := p.contiguous[id.Peer] + 1
		if _, ok := ahead[n]; !ok {
			break
		}
		delete(ahead, n)
		p.contiguous[id.Peer] = n
	}
	if len(ahead) == 0 {
		delete(p.ahead, id.Peer)
	}
}

// vector returns a copy of the contiguous counters.
func (p *prefix) vector() crdt.Vector {
	return p.contiguous.Clone()
}
