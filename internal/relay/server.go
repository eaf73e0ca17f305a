// Package relay implements the room relay: a websocket endpoint per room
// that fans operations out to every member of the room and answers sync
// requests from the room's operation log. Rooms never see each other's
// traffic.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/moppymopperson/waiwai-uml/internal/crdt"
	"github.com/moppymopperson/waiwai-uml/internal/session"
	"github.com/moppymopperson/waiwai-uml/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Server relays operations between the members of each room.
type Server struct {
	broker   Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	members map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer returns a relay backed by broker.
func NewServer(broker Broker, opts ...Option) *Server {
	s := &Server{
		broker: broker,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		members: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/rooms/{room}", s.handleRoom)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// Members returns the number of connections currently in room.
func (s *Server) Members(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[room]
}

func (s *Server) join(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[room]++
	return s.members[room]
}

func (s *Server) leave(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[room]--
	n := s.members[room]
	if n <= 0 {
		delete(s.members, room)
	}
	return n
}

// member is one websocket connection to a room.
type member struct {
	id     string
	room   string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
	logger *slog.Logger
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if !session.ValidRoomID(room) {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	// Subscribe before upgrading so a failure can still be reported over
	// HTTP, and so nothing published during the sync is missed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := s.broker.Subscribe(ctx, room)
	if err != nil {
		s.logger.Error("subscribing to room failed", "room", room, "error", err)
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "room", room, "error", err)
		return
	}

	m := &member{
		id:     uuid.NewString(),
		room:   room,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		cancel: cancel,
	}
	m.logger = s.logger.With("room", room, "conn", m.id)
	m.logger.Info("member joined", "members", s.join(room))
	defer func() {
		m.logger.Info("member left", "members", s.leave(room))
	}()

	go m.writePump(ctx)
	go s.forward(ctx, m, sub)
	s.readPump(ctx, m)
}

// forward relays frames published by other members of the room.
func (s *Server) forward(ctx context.Context, m *member, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.Messages():
			if !ok {
				m.logger.Warn("room subscription closed")
				m.cancel()
				return
			}
			f, err := wire.DecodeFrame(data)
			if err != nil {
				m.logger.Warn("dropping undecodable room frame", "error", err)
				continue
			}
			if f.Origin == m.id {
				continue
			}
			if !m.enqueue(data) {
				m.logger.Warn("member too slow, disconnecting")
				m.cancel()
				return
			}
		}
	}
}

func (m *member) enqueue(data []byte) bool {
	select {
	case m.send <- data:
		return true
	default:
		return false
	}
}

// readPump handles frames from the member until the connection fails.
func (s *Server) readPump(ctx context.Context, m *member) {
	defer func() {
		m.cancel()
		m.conn.Close()
	}()
	m.conn.SetReadLimit(maxMessageSize)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn("member connection failed", "error", err)
			}
			return
		}
		f, err := wire.DecodeFrame(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		switch f.Type {
		case wire.FrameSync:
			if err := s.answerSync(ctx, m, f.Since); err != nil {
				m.logger.Error("sync failed", "error", err)
				return
			}
		case wire.FrameOps:
			if err := s.publish(ctx, m, f.Ops); err != nil {
				m.logger.Error("relaying operations failed", "error", err)
				return
			}
		default:
			m.logger.Warn("unexpected frame from member", "type", f.Type)
		}
	}
}

// answerSync answers a sync request with every logged operation above since.
func (s *Server) answerSync(ctx context.Context, m *member, since crdt.Vector) error {
	log, err := s.broker.Log(ctx, m.room)
	if err != nil {
		return err
	}
	vector := make(crdt.Vector)
	var missing []crdt.Operation
	for _, op := range log {
		vector.Observe(op.ID)
		if !since.Covers(op.ID) {
			missing = append(missing, op)
		}
	}
	data, err := wire.EncodeFrame(wire.Frame{Type: wire.FrameSnapshot, Ops: missing, Vector: vector})
	if err != nil {
		return err
	}
	m.logger.Debug("sending snapshot", "ops", len(missing), "log", len(log))
	if !m.enqueue(data) {
		m.logger.Warn("member too slow for snapshot")
		m.cancel()
	}
	return nil
}

// publish logs a member's operations and publishes the new ones to the room.
func (s *Server) publish(ctx context.Context, m *member, ops []crdt.Operation) error {
	valid := ops[:0:0]
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			m.logger.Warn("dropping invalid operation", "error", err)
			continue
		}
		valid = append(valid, op)
	}
	if len(valid) == 0 {
		return nil
	}
	fresh, err := s.broker.Append(ctx, m.room, valid)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}
	data, err := wire.EncodeFrame(wire.Frame{Type: wire.FrameOps, Origin: m.id, Ops: fresh})
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, m.room, data)
}

// writePump is the only writer on the connection.
func (m *member) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				m.logger.Warn("writing to member failed", "error", err)
				m.cancel()
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.cancel()
				return
			}
		}
	}
}
