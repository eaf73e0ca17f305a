package render

import (
	"sync"
	"time"

	"github.com/moppymopperson/waiwai-uml/internal/clock"
)

// Debouncer collapses bursts of Trigger calls into one call of fn, made once
// no Trigger has happened for the configured delay.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration
	fn    func()

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
	stopped    bool
}

// NewDebouncer returns a debouncer that calls fn after delay of quiet.
func NewDebouncer(c clock.Clock, delay time.Duration, fn func()) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer{clock: c, delay: delay, fn: fn}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	generation := d.generation
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(generation) })
}

// Stop cancels any pending call. Later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire(generation uint64) {
	d.mu.Lock()
	// A real timer may fire while Trigger is replacing it.
	if d.stopped || generation != d.generation {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}
