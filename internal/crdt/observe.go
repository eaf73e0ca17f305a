package crdt

// Change describes one successful application that altered the visible
// text.
type Change struct {
	// Local is true for changes produced by ApplyLocal.
	Local bool
	// Ops lists every operation applied, including buffered operations
	// released by a remote dependency.
	Ops []Operation
	// Edits replays the visible-text effect of Ops, in order, in the
	// coordinates of the text as it was before each edit.
	Edits []Edit
}

type observer struct {
	id int
	fn func(Change)
}

// Subscribe registers fn to be called after every application that changes
// the visible text. Observers run synchronously, in registration order, on
// the goroutine that owns the document. The returned function removes the
// observer.
func (d *Document) Subscribe(fn func(Change)) (unsubscribe func()) {
	d.nextObserver++
	id := d.nextObserver
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

func (d *Document) notify(c Change) {
	if len(c.Edits) == 0 {
		return
	}
	// Copy so observers may unsubscribe from inside the callback.
	observers := append([]observer(nil), d.observers...)
	for _, o := range observers {
		o.fn(c)
	}
}
