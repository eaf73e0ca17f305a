package peer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/moppymopperson/waiwai-uml/internal/crdt"
	"github.com/moppymopperson/waiwai-uml/internal/wire"
)

const (
	tabWriteWait   = 10 * time.Second
	tabSendBuffer  = 256
	maxEditMessage = 1 << 20
)

// tab is one browser tab connected to the agent.
type tab struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	joined chan struct{} // closed once the hub has the tab's welcome
}

type hubEvent struct {
	register   *tab
	welcome    [][]byte
	unregister *tab
	to         *tab
	message    []byte
	except     string
}

// Hub maintains the set of connected tabs and fans messages out to them.
// All membership changes and messages go through one channel so a tab sees
// its welcome state strictly before any later patch.
type Hub struct {
	logger *slog.Logger

	events chan hubEvent
	quit   chan struct{}
	counts chan chan int
	tabs   map[*tab]bool
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		events: make(chan hubEvent, 256),
		quit:   make(chan struct{}),
		counts: make(chan chan int),
		tabs:   make(map[*tab]bool),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer func() {
		for t := range h.tabs {
			close(t.send)
			delete(h.tabs, t)
		}
		close(h.quit)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-h.counts:
			reply <- len(h.tabs)
		case ev := <-h.events:
			switch {
			case ev.register != nil:
				for _, msg := range ev.welcome {
					ev.register.send <- msg
				}
				h.tabs[ev.register] = true
				h.logger.Info("tab registered", "tab", ev.register.id, "tabs", len(h.tabs))
			case ev.unregister != nil:
				if h.tabs[ev.unregister] {
					delete(h.tabs, ev.unregister)
					close(ev.unregister.send)
					h.logger.Info("tab unregistered", "tab", ev.unregister.id, "tabs", len(h.tabs))
				}
			case ev.to != nil:
				if h.tabs[ev.to] {
					h.deliver(ev.to, ev.message)
				}
			default:
				for t := range h.tabs {
					if t.id != ev.except {
						h.deliver(t, ev.message)
					}
				}
			}
		}
	}
}

func (h *Hub) deliver(t *tab, msg []byte) {
	select {
	case t.send <- msg:
	default:
		h.logger.Warn("tab too slow, disconnecting", "tab", t.id)
		close(t.send)
		delete(h.tabs, t)
	}
}

func (h *Hub) enqueue(ev hubEvent) {
	select {
	case h.events <- ev:
	case <-h.quit:
	}
}

func (h *Hub) register(t *tab, welcome [][]byte) {
	h.enqueue(hubEvent{register: t, welcome: welcome})
}

func (h *Hub) unregister(t *tab) {
	h.enqueue(hubEvent{unregister: t})
}

// broadcast sends msg to every tab except the one with ID except.
func (h *Hub) broadcast(msg []byte, except string) {
	h.enqueue(hubEvent{message: msg, except: except})
}

func (h *Hub) sendTo(t *tab, msg []byte) {
	h.enqueue(hubEvent{to: t, message: msg})
}

func (h *Hub) count() int {
	reply := make(chan int, 1)
	select {
	case h.counts <- reply:
		return <-reply
	case <-h.quit:
		return 0
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns the agent's HTTP routes: the editor websocket at /ws, the
// current diagram at /render and, if configured, the static editor UI.
func (p *Peer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", p.serveWs)
	r.HandleFunc("/render", p.serveRender).Methods(http.MethodGet)
	if p.cfg.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(p.cfg.StaticDir)))
	}
	return r
}

func (p *Peer) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	t := &tab{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, tabSendBuffer),
		joined: make(chan struct{}),
	}

	select {
	case p.joins <- t:
	case <-p.done:
		conn.Close()
		return
	}
	<-t.joined
	go t.writePump()
	p.readPump(r.Context(), t)
}

func (p *Peer) serveRender(w http.ResponseWriter, r *http.Request) {
	res, ok := p.view.Current()
	if !ok {
		http.Error(w, "no diagram rendered yet", http.StatusNotFound)
		return
	}
	contentType := res.ContentType
	if contentType == "" {
		contentType = "image/svg+xml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Render-Seq", strconv.FormatUint(res.Render.Seq, 10))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(res.Image)
}

// readPump applies edits from the tab until its connection fails.
func (p *Peer) readPump(ctx context.Context, t *tab) {
	defer func() {
		p.hub.unregister(t)
		t.conn.Close()
	}()
	t.conn.SetReadLimit(maxEditMessage)
	logger := p.logger.With("tab", t.id)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("tab connection failed", "error", err)
			}
			return
		}
		var msg wire.EditorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("dropping undecodable editor message", "error", err)
			continue
		}
		if msg.Action != wire.ActionEdit || msg.Edit == nil {
			logger.Warn("dropping unexpected editor message", "action", msg.Action)
			continue
		}

		err = p.edit(ctx, t.id, *msg.Edit)
		switch {
		case err == nil:
		case errors.Is(err, crdt.ErrOutOfRange):
			// The tab is out of step with the document; resend the text.
			p.hub.sendTo(t, mustJSON(wire.EditorMessage{Action: wire.ActionError, Error: err.Error()}))
			p.hub.sendTo(t, mustJSON(wire.EditorMessage{Action: wire.ActionText, Text: p.Text()}))
		default:
			return
		}
	}
}

// writePump is the only writer on the tab's connection.
func (t *tab) writePump() {
	defer t.conn.Close()
	for msg := range t.send {
		_ = t.conn.SetWriteDeadline(time.Now().Add(tabWriteWait))
		if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(tabWriteWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
