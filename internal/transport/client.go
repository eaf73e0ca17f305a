// Package transport connects a peer to its room on the relay. It performs
// the initial sync, sends local operations without blocking the caller,
// hands inbound operations to the peer in delivery order and, when the
// connection drops, reconnects with backoff and resyncs whatever it missed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/moppymopperson/waiwai-uml/internal/crdt"
	"github.com/moppymopperson/waiwai-uml/internal/wire"
)

// ErrClosed is returned by Connect when the connection was closed before it
// became ready.
var ErrClosed = errors.New("transport: connection closed")

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Status is the state of a room connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusReady
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Config identifies the relay and the local peer.
type Config struct {
	// RelayURL is the relay's websocket base URL, e.g. ws://localhost:8081.
	RelayURL string
	// Peer is the local peer ID; operations carrying it are ours.
	Peer string
}

// Client opens room connections on one relay.
type Client struct {
	cfg        Config
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithBackOff sets the reconnect policy. The function is called once per
// connection.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns a client for the relay in cfg.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		dialer:     websocket.DefaultDialer,
		newBackOff: defaultBackOff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultBackOff retries forever, backing off up to 30 seconds.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Room returns an unconnected handle for room. Register callbacks, then call
// Connect.
func (c *Client) Room(room string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		client: c,
		room:   room,
		url:    strings.TrimRight(c.cfg.RelayURL, "/") + "/rooms/" + url.PathEscape(room),
		logger: c.logger.With("room", room),
		ctx:    ctx,
		cancel: cancel,
		seen:   newPrefix(),
		wake:   make(chan struct{}, 1),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Conn is a peer's connection to one room. It survives relay disconnects.
type Conn struct {
	client *Client
	room   string
	url    string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	seen      *prefix          // operations received or sent
	own       []crdt.Operation // every local operation, for resends
	outbox    []crdt.Operation
	receivers []func(crdt.Operation)
	watchers  []func(Status)
	status    Status
	started   bool

	wake      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// OnReceive registers fn to be called once per inbound operation, in the
// order the relay delivered them, from the connection's reader goroutine.
func (c *Conn) OnReceive(fn func(crdt.Operation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers = append(c.receivers, fn)
}

// OnStatus registers fn to be called on every status change.
func (c *Conn) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect starts the connection and waits until the initial sync has been
// delivered. The connection keeps reconnecting in the background until
// Close, even if ctx ends first.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.started = true
		go c.maintain()
	}
	c.mu.Unlock()

	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues local operations for the relay and returns immediately.
func (c *Conn) Send(ops ...crdt.Operation) {
	if len(ops) == 0 {
		return
	}
	c.mu.Lock()
	for _, op := range ops {
		c.seen.observe(op.ID)
	}
	c.own = append(c.own, ops...)
	c.outbox = append(c.outbox, ops...)
	c.mu.Unlock()
	c.signal()
}

// Close shuts the connection down and waits for its goroutines.
func (c *Conn) Close() error {
	c.cancel()
	c.mu.Lock()
	started := c.started
	c.started = true
	c.mu.Unlock()
	if started {
		<-c.done
	} else {
		close(c.done)
		c.setStatus(StatusClosed)
	}
	return nil
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	watchers := append(([]func(Status))(nil), c.watchers...)
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(s)
	}
}

func (c *Conn) deliver(ops []crdt.Operation) {
	c.mu.Lock()
	for _, op := range ops {
		c.seen.observe(op.ID)
	}
	receivers := append(([]func(crdt.Operation))(nil), c.receivers...)
	c.mu.Unlock()
	for _, op := range ops {
		for _, fn := range receivers {
			fn(op)
		}
	}
}

// maintain runs sessions until the connection is closed.
func (c *Conn) maintain() {
	defer close(c.done)
	policy := c.client.newBackOff()
	policy.Reset()

	for {
		wasReady, err := c.session()
		if c.ctx.Err() != nil {
			c.setStatus(StatusClosed)
			return
		}
		if wasReady {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = time.Second
		}
		c.logger.Warn("relay connection lost, reconnecting", "error", err, "retry_in", wait)
		c.setStatus(StatusReconnecting)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			c.setStatus(StatusClosed)
			return
		}
	}
}

// session dials the relay, syncs and pumps frames until the connection fails.
func (c *Conn) session() (bool, error) {
	ws, _, err := c.client.dialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dialing relay: %w", err)
	}
	stop := make(chan struct{})
	defer func() {
		close(stop)
		ws.Close()
	}()
	go func() {
		select {
		case <-c.ctx.Done():
			// Unblock the reader.
			ws.Close()
		case <-stop:
		}
	}()

	c.mu.Lock()
	since := c.seen.vector()
	c.mu.Unlock()
	if err := writeFrame(ws, wire.Frame{Type: wire.FrameSync, Since: since}); err != nil {
		return false, fmt.Errorf("requesting sync: %w", err)
	}

	var snapshot wire.Frame
	for {
		f, err := readFrame(ws)
		if err != nil {
			return false, fmt.Errorf("waiting for snapshot: %w", err)
		}
		c.deliver(f.Ops)
		if f.Type == wire.FrameSnapshot {
			snapshot = f
			break
		}
	}

	// Resend whatever the relay does not hold of ours; it may have lost
	// frames in flight or expired the room.
	c.mu.Lock()
	relayHas := snapshot.Vector[c.client.cfg.Peer]
	c.outbox = c.outbox[:0]
	for _, op := range c.own {
		if op.ID.Counter > relayHas {
			c.outbox = append(c.outbox, op)
		}
	}
	resend := len(c.outbox)
	c.mu.Unlock()
	c.signal()

	c.logger.Info("room synced", "received", len(snapshot.Ops), "resending", resend)
	c.setStatus(StatusReady)
	c.readyOnce.Do(func() { close(c.ready) })

	errc := make(chan error, 2)
	go func() { errc <- c.readLoop(ws) }()
	go func() { errc <- c.writeLoop(ws, stop) }()
	return true, <-errc
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		f, err := readFrame(ws)
		if err != nil {
			return err
		}
		if f.Type != wire.FrameOps {
			c.logger.Warn("unexpected frame from relay", "type", f.Type)
			continue
		}
		c.deliver(f.Ops)
	}
}

func (c *Conn) writeLoop(ws *websocket.Conn, stop <-chan struct{}) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		batch := append([]crdt.Operation(nil), c.outbox...)
		c.outbox = c.outbox[:0]
		c.mu.Unlock()

		if len(batch) > 0 {
			if err := writeFrame(ws, wire.Frame{Type: wire.FrameOps, Ops: batch}); err != nil {
				// The next session recomputes the outbox from c.own.
				return fmt.Errorf("sending operations: %w", err)
			}
		}

		select {
		case <-c.wake:
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("pinging relay: %w", err)
			}
		case <-stop:
			return nil
		}
	}
}

func writeFrame(ws *websocket.Conn, f wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

func readFrame(ws *websocket.Conn) (wire.Frame, error) {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return wire.Frame{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return wire.DecodeFrame(data)
	}
}
