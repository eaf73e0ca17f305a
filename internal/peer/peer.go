// Package peer is the agent's core: it owns the room's replicated document
// and is the only goroutine that mutates it. Local keystrokes from browser
// tabs and operations from the relay are funnelled into one loop; every
// change is pushed to the editor tabs and the render pipeline.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/moppymopperson/waiwai-uml/internal/clock"
	"github.com/moppymopperson/waiwai-uml/internal/crdt"
	"github.com/moppymopperson/waiwai-uml/internal/render"
	"github.com/moppymopperson/waiwai-uml/internal/transport"
	"github.com/moppymopperson/waiwai-uml/internal/wire"
)

// ErrStopped is returned by Edit once the peer loop has exited.
var ErrStopped = errors.New("peer: stopped")

// maxBatch caps how many queued remote operations are applied before the
// tabs and the render pipeline hear about them.
const maxBatch = 256

// DefaultExpireInterval is how often buffered operations are checked for
// dependencies that never arrived.
const DefaultExpireInterval = 5 * time.Second

// Relay sends local operations to the rest of the room.
// *transport.Conn implements it.
type Relay interface {
	Send(ops ...crdt.Operation)
}

// Config configures a Peer.
type Config struct {
	// Peer is the local peer ID.
	Peer string
	// Render configures the render pipeline.
	Render render.Config
	// DependencyTimeout bounds how long a remote operation waits for its
	// dependencies. Zero means crdt.DefaultDependencyTimeout.
	DependencyTimeout time.Duration
	// ExpireInterval is the period of the pending-operation sweep. Zero
	// means DefaultExpireInterval.
	ExpireInterval time.Duration
	// StaticDir, if set, is served at / for the editor UI.
	StaticDir string
}

// Peer replicates one room's document.
type Peer struct {
	cfg      Config
	relay    Relay
	clock    clock.Clock
	logger   *slog.Logger
	client   *http.Client
	doc      *crdt.Document
	pipeline *render.Pipeline
	fetcher  *render.Fetcher
	view     *render.View
	hub      *Hub

	edits   chan editRequest
	inbound chan crdt.Operation
	joins   chan *tab
	done    chan struct{}

	// unflushed holds visible edits not yet sent to the tabs. Loop
	// goroutine only.
	unflushed []crdt.Edit

	mu      sync.Mutex
	text    string
	pending int
	status  transport.Status
}

type editRequest struct {
	origin string
	edit   crdt.Edit
	reply  chan error
}

// Option configures a Peer.
type Option func(*Peer)

// WithClock sets the time source for the document, the render debouncer and
// the pending sweep.
func WithClock(c clock.Clock) Option {
	return func(p *Peer) {
		p.clock = c
	}
}

// WithLogger sets the peer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Peer) {
		p.logger = logger
	}
}

// WithHTTPClient sets the client used to fetch rendered diagrams.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Peer) {
		p.client = client
	}
}

// New returns a peer that sends its local operations to relay. Call Run to
// start it, and feed it the relay's operations with Receive.
func New(cfg Config, relay Relay, opts ...Option) *Peer {
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = DefaultExpireInterval
	}
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = crdt.DefaultDependencyTimeout
	}
	p := &Peer{
		cfg:     cfg,
		relay:   relay,
		clock:   clock.Real(),
		logger:  slog.Default(),
		edits:   make(chan editRequest),
		inbound: make(chan crdt.Operation, 256),
		joins:   make(chan *tab),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("peer", cfg.Peer)

	p.doc = crdt.NewDocument(cfg.Peer,
		crdt.WithClock(p.clock),
		crdt.WithDependencyTimeout(cfg.DependencyTimeout),
		crdt.WithLogger(p.logger),
	)
	p.pipeline = render.NewPipeline(cfg.Render, render.WithClock(p.clock), render.WithLogger(p.logger))
	p.fetcher = render.NewFetcher(p.client)
	p.view = render.NewView(p.logger)
	p.hub = newHub(p.logger)

	p.doc.Subscribe(p.onChange)
	p.pipeline.Subscribe(p.onRender)
	return p
}

// Run processes edits and remote operations until ctx ends.
func (p *Peer) Run(ctx context.Context) error {
	p.logger.Info("peer starting")
	defer close(p.done)
	defer p.pipeline.Close()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		p.hub.run(ctx)
	}()
	defer func() { <-hubDone }()

	ticker := p.clock.NewTicker(p.cfg.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("peer stopping")
			return ctx.Err()

		case req := <-p.edits:
			req.reply <- p.applyLocal(req)

		case op := <-p.inbound:
			p.receiveBatch(op)

		case t := <-p.joins:
			p.hub.register(t, p.welcome())
			close(t.joined)

		case <-ticker.C:
			if n := p.doc.ExpirePending(); n > 0 {
				p.logger.Warn("dropped operations with missing dependencies", "count", n, "pending", p.doc.Pending())
			}
			p.setPending()
		}
	}
}

// Edit applies a local edit and queues the resulting operations for the
// relay. It returns crdt.ErrOutOfRange for edits outside the document.
func (p *Peer) Edit(ctx context.Context, edit crdt.Edit) error {
	return p.edit(ctx, "", edit)
}

func (p *Peer) edit(ctx context.Context, origin string, edit crdt.Edit) error {
	req := editRequest{origin: origin, edit: edit, reply: make(chan error, 1)}
	select {
	case p.edits <- req:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// The loop always answers a request it accepted.
	return <-req.reply
}

// Receive hands an operation from the relay to the loop. It blocks while the
// loop is busy, which pushes back on the transport reader.
func (p *Peer) Receive(op crdt.Operation) {
	select {
	case p.inbound <- op:
	case <-p.done:
	}
}

// SetStatus records the relay connection status and tells the tabs.
func (p *Peer) SetStatus(s transport.Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
	p.hub.broadcast(mustJSON(wire.EditorMessage{Action: wire.ActionStatus, Status: s.String()}), "")
}

// Text returns the document text as of the last change.
func (p *Peer) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

// Pending returns the number of remote operations waiting for their
// dependencies.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// setPending publishes the buffer size. Loop goroutine only.
func (p *Peer) setPending() {
	n := p.doc.Pending()
	p.mu.Lock()
	p.pending = n
	p.mu.Unlock()
}

// Tabs returns the number of connected editor tabs.
func (p *Peer) Tabs() int {
	return p.hub.count()
}

// CurrentRender returns the diagram on display, if any.
func (p *Peer) CurrentRender() (render.Result, bool) {
	return p.view.Current()
}

func (p *Peer) applyLocal(req editRequest) error {
	ops, err := p.doc.ApplyLocal(req.edit)
	if err != nil {
		return fmt.Errorf("applying edit: %w", err)
	}
	p.relay.Send(ops...)
	p.flush(req.origin)
	return nil
}

// receiveBatch applies first and whatever else is already queued, then
// flushes the combined change once.
func (p *Peer) receiveBatch(first crdt.Operation) {
	p.applyRemote(first)
drain:
	for range maxBatch - 1 {
		select {
		case op := <-p.inbound:
			p.applyRemote(op)
		default:
			break drain
		}
	}
	p.flush("")
	p.setPending()
}

func (p *Peer) applyRemote(op crdt.Operation) {
	if err := p.doc.ApplyRemote(op); err != nil {
		p.logger.Warn("rejected remote operation", "op", op.String(), "error", err)
	}
}

// onChange runs on the loop goroutine for every visible change.
func (p *Peer) onChange(c crdt.Change) {
	p.unflushed = append(p.unflushed, c.Edits...)
}

// flush sends the unflushed edits to every tab but origin and hands the new
// text to the render pipeline. Loop goroutine only.
func (p *Peer) flush(origin string) {
	if len(p.unflushed) == 0 {
		return
	}
	edits := p.unflushed
	p.unflushed = nil

	text := p.doc.Text()
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()

	msg := wire.EditorMessage{Action: wire.ActionPatch, ClientID: origin, Edits: edits}
	p.hub.broadcast(mustJSON(msg), origin)
	p.pipeline.OnDocumentChange(text)
}

// onRender runs on the debounce timer goroutine.
func (p *Peer) onRender(r render.Render) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res := p.fetcher.Fetch(ctx, r)
		if !p.view.Accept(res) {
			return
		}
		p.logger.Debug("diagram updated", "seq", r.Seq, "bytes", len(res.Image))
		p.hub.broadcast(renderMessage(r), "")
	}()
}

// welcome is the state a new tab starts from. Loop goroutine only.
func (p *Peer) welcome() [][]byte {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()

	msgs := [][]byte{
		mustJSON(wire.EditorMessage{Action: wire.ActionText, Text: p.doc.Text()}),
		mustJSON(wire.EditorMessage{Action: wire.ActionStatus, Status: status.String()}),
	}
	if res, ok := p.view.Current(); ok {
		msgs = append(msgs, renderMessage(res.Render))
	}
	return msgs
}

func renderMessage(r render.Render) []byte {
	return mustJSON(wire.EditorMessage{Action: wire.ActionRender, Seq: r.Seq, URL: r.URL})
}
