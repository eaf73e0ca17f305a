// Package render turns document text into PlantUML render references without
// flooding the rendering service: changes are debounced, composed with a
// style preamble, encoded and published with a sequence number so late
// results can be told apart from current ones.
package render

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/moppymopperson/waiwai-uml/internal/clock"
)

// DefaultDelay is the quiet period before a render is triggered.
const DefaultDelay = time.Second

// Config configures a Pipeline.
type Config struct {
	// BaseURL of the PlantUML server, e.g. http://localhost:8080.
	BaseURL string
	// Preamble is prepended to every diagram.
	Preamble string
	// Delay is the debounce quiet period. Zero means DefaultDelay.
	Delay time.Duration
}

// Render is one render request. It is rebuilt on every trigger and never
// stored.
type Render struct {
	Seq         uint64
	Source      string
	Payload     string
	URL         string
	RequestedAt time.Time
}

// Pipeline debounces document changes into render requests.
type Pipeline struct {
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	debouncer *Debouncer

	mu          sync.Mutex
	latest      string
	seq         uint64
	subscribers []func(Render)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the time source for the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// WithLogger sets the pipeline's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline returns a pipeline with no subscribers.
func NewPipeline(cfg Config, opts ...Option) *Pipeline {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	p := &Pipeline{
		cfg:    cfg,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.debouncer = NewDebouncer(p.clock, cfg.Delay, p.trigger)
	return p
}

// Subscribe registers fn to receive every render request. Subscribers are
// called in registration order from the timer goroutine.
func (p *Pipeline) Subscribe(fn func(Render)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// OnDocumentChange records the latest text and restarts the quiet period.
func (p *Pipeline) OnDocumentChange(text string) {
	p.mu.Lock()
	p.latest = text
	p.mu.Unlock()
	p.debouncer.Trigger()
}

// Close cancels any pending trigger.
func (p *Pipeline) Close() {
	p.debouncer.Stop()
}

// URL returns the render reference for an encoded payload.
func (p *Pipeline) URL(payload string) string {
	return p.cfg.BaseURL + "/svg/" + payload
}

func (p *Pipeline) trigger() {
	p.mu.Lock()
	text := p.latest
	p.seq++
	seq := p.seq
	subscribers := append(([]func(Render))(nil), p.subscribers...)
	p.mu.Unlock()

	source := Compose(p.cfg.Preamble, text)
	payload, err := Encode(source)
	if err != nil {
		p.logger.Error("encoding diagram failed", "seq", seq, "error", err)
		return
	}
	r := Render{
		Seq:         seq,
		Source:      source,
		Payload:     payload,
		URL:         p.URL(payload),
		RequestedAt: p.clock.Now(),
	}
	p.logger.Debug("render triggered", "seq", seq, "bytes", len(source), "payload", len(payload))
	for _, fn := range subscribers {
		fn(r)
	}
}
