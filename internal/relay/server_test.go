package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moppymopperson/waiwai-uml/internal/crdt"
	"github.com/moppymopperson/waiwai-uml/internal/wire"
)

func newRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBroker(rdb, time.Hour), mr
}

func brokers(t *testing.T) map[string]func(t *testing.T) Broker {
	return map[string]func(t *testing.T) Broker{
		"memory": func(t *testing.T) Broker { return NewMemoryBroker() },
		"redis": func(t *testing.T) Broker {
			b, _ := newRedisBroker(t)
			return b
		},
	}
}

func startRelay(t *testing.T, broker Broker) (*Server, string) {
	t.Helper()
	s := NewServer(broker)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, room string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/rooms/"+room, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, err := wire.EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

func recv(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	f, err := wire.DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func syncRoom(t *testing.T, conn *websocket.Conn, since crdt.Vector) wire.Frame {
	t.Helper()
	send(t, conn, wire.Frame{Type: wire.FrameSync, Since: since})
	f := recv(t, conn)
	require.Equal(t, wire.FrameSnapshot, f.Type)
	return f
}

func opsFrom(peer string, text string) []crdt.Operation {
	d := crdt.NewDocument(peer)
	ops, err := d.ApplyLocal(crdt.Edit{Inserted: text})
	if err != nil {
		panic(err)
	}
	return ops
}

func TestServer_EmptyRoomSnapshot(t *testing.T) {
	for name, newBroker := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			_, base := startRelay(t, newBroker(t))
			conn := dial(t, base, "empty")

			f := syncRoom(t, conn, nil)
			assert.Empty(t, f.Ops)
			assert.Empty(t, f.Vector)
		})
	}
}

func TestServer_FansOutWithoutEcho(t *testing.T) {
	for name, newBroker := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			_, base := startRelay(t, newBroker(t))
			alice := dial(t, base, "design")
			bob := dial(t, base, "design")
			syncRoom(t, alice, nil)
			syncRoom(t, bob, nil)

			ops := opsFrom("alice", "hi")
			send(t, alice, wire.Frame{Type: wire.FrameOps, Ops: ops})

			got := recv(t, bob)
			assert.Equal(t, wire.FrameOps, got.Type)
			assert.Equal(t, ops, got.Ops)
			assert.NotEmpty(t, got.Origin)

			// Alice's next frame is her own snapshot, not an echo.
			f := syncRoom(t, alice, crdt.Vector{"alice": 2})
			assert.Empty(t, f.Ops)
			assert.Equal(t, crdt.Vector{"alice": 2}, f.Vector)
		})
	}
}

func TestServer_SnapshotFiltersBySince(t *testing.T) {
	for name, newBroker := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			_, base := startRelay(t, newBroker(t))
			writer := dial(t, base, "room-1")
			syncRoom(t, writer, nil)

			a := opsFrom("a", "abc")
			b := opsFrom("b", "xy")
			send(t, writer, wire.Frame{Type: wire.FrameOps, Ops: a})
			send(t, writer, wire.Frame{Type: wire.FrameOps, Ops: b})
			// A round trip on the same connection orders after both writes.
			syncRoom(t, writer, nil)

			late := dial(t, base, "room-1")
			full := syncRoom(t, late, nil)
			assert.Equal(t, append(append([]crdt.Operation(nil), a...), b...), full.Ops)
			assert.Equal(t, crdt.Vector{"a": 3, "b": 2}, full.Vector)

			partial := syncRoom(t, late, crdt.Vector{"a": 2, "b": 2})
			assert.Equal(t, a[2:], partial.Ops)
		})
	}
}

func TestServer_DeduplicatesResends(t *testing.T) {
	for name, newBroker := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			_, base := startRelay(t, newBroker(t))
			alice := dial(t, base, "dup")
			bob := dial(t, base, "dup")
			syncRoom(t, alice, nil)
			syncRoom(t, bob, nil)

			first := opsFrom("alice", "ab")
			send(t, alice, wire.Frame{Type: wire.FrameOps, Ops: first})
			assert.Equal(t, first, recv(t, bob).Ops)

			// Resend everything plus one new operation; only the new one fans out.
			d := crdt.NewDocument("alice")
			for _, op := range first {
				require.NoError(t, d.ApplyRemote(op))
			}
			more, err := d.ApplyLocal(crdt.Edit{Offset: 2, Inserted: "c"})
			require.NoError(t, err)
			send(t, alice, wire.Frame{Type: wire.FrameOps, Ops: append(first, more...)})
			assert.Equal(t, more, recv(t, bob).Ops)

			assert.Len(t, syncRoom(t, bob, nil).Ops, 3)
		})
	}
}

func TestServer_RoomIsolation(t *testing.T) {
	for name, newBroker := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			_, base := startRelay(t, newBroker(t))
			red := dial(t, base, "red")
			blue := dial(t, base, "blue")
			syncRoom(t, red, nil)
			syncRoom(t, blue, nil)

			send(t, red, wire.Frame{Type: wire.FrameOps, Ops: opsFrom("r", "x")})
			syncRoom(t, red, nil)

			// Blue's only frame is its own snapshot, which is empty.
			assert.Empty(t, syncRoom(t, blue, nil).Ops)
		})
	}
}

func TestServer_DropsInvalidOperations(t *testing.T) {
	_, base := startRelay(t, NewMemoryBroker())
	conn := dial(t, base, "room")
	syncRoom(t, conn, nil)

	send(t, conn, wire.Frame{Type: wire.FrameOps, Ops: []crdt.Operation{{Kind: crdt.Insert, Value: "x"}}})
	assert.Empty(t, syncRoom(t, conn, nil).Ops)
}

func TestServer_RejectsInvalidRoom(t *testing.T) {
	s := NewServer(NewMemoryBroker())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/rooms/Not%20Valid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MemberCount(t *testing.T) {
	s, base := startRelay(t, NewMemoryBroker())
	conn := dial(t, base, "count")
	syncRoom(t, conn, nil)
	assert.Equal(t, 1, s.Members("count"))

	conn.Close()
	assert.Eventually(t, func() bool { return s.Members("count") == 0 }, 3*time.Second, 10*time.Millisecond)
}
