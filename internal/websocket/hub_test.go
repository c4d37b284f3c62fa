package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanhelmet/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	reads   chan []byte
}

func newMockConn() *mockConn { return &mockConn{reads: make(chan []byte)} }

func (m *mockConn) WriteMessage(_ int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("closed")
	}
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-m.reads
	if !ok {
		return 0, nil, errors.New("closed")
	}
	return gorilla.TextMessage, msg, nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.reads)
	}
	return nil
}

func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetReadLimit(int64)                {}
func (m *mockConn) SetPongHandler(func(string) error) {}
func (m *mockConn) RemoteAddr() string                { return "127.0.0.1:9000" }

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case raw := <-c.send:
		var m Message
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func TestHubStartStopIdempotent(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Start()
	hub.Start()
	hub.Stop()
	hub.Stop()
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Start()
	defer hub.Stop()

	c := NewClient(hub, newMockConn(), config.WebSocketConfig{}, testLogger())
	hub.Register(c)
	assert.Equal(t, TypeConnection, receive(t, c).Type)
	assert.Equal(t, 1, hub.ClientCount())

	hub.Notify(context.Background(), LevelWarning, "Porta aberta")
	m := receive(t, c)
	assert.Equal(t, TypeNotification, m.Type)
	data := m.Data.(map[string]interface{})
	assert.Equal(t, "warning", data["level"])
	assert.Equal(t, "Porta aberta", data["message"])

	hub.Unregister(c)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLateClientGetsLatestState(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Start()
	defer hub.Stop()

	first := NewClient(hub, newMockConn(), config.WebSocketConfig{}, testLogger())
	hub.Register(first)
	receive(t, first)

	hub.Broadcast(TypeCycleState, map[string]string{"status": "running"})
	hub.Broadcast(TypeCycleState, map[string]string{"status": "paused"})
	hub.Notify(context.Background(), LevelInfo, "not replayed")
	receive(t, first)
	receive(t, first)
	receive(t, first)

	late := NewClient(hub, newMockConn(), config.WebSocketConfig{}, testLogger())
	hub.Register(late)
	assert.Equal(t, TypeConnection, receive(t, late).Type)
	m := receive(t, late)
	assert.Equal(t, TypeCycleState, m.Type)
	assert.Equal(t, "paused", m.Data.(map[string]interface{})["status"])

	select {
	case extra := <-late.send:
		t.Fatalf("unexpected replay: %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Start()
	defer hub.Stop()

	c := NewClient(hub, newMockConn(), config.WebSocketConfig{}, testLogger())
	hub.Register(c)

	// never drained: the connection frame plus 64 broadcasts overflow it
	for i := 0; i < 70; i++ {
		hub.Broadcast(TypeNotification, Notification{Level: LevelInfo, Message: "x"})
		time.Sleep(time.Millisecond)
	}
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientConfigDefaults(t *testing.T) {
	hub := NewHub(testLogger())
	c := NewClient(hub, newMockConn(), config.WebSocketConfig{PingPeriod: 2 * time.Minute, PongWait: time.Minute}, testLogger())
	assert.Equal(t, time.Minute, c.pongWait)
	assert.Equal(t, 54*time.Second, c.pingPeriod)
	assert.NotEmpty(t, c.ID())
}

func TestWritePumpDeliversAndCloses(t *testing.T) {
	hub := NewHub(testLogger())
	conn := newMockConn()
	c := NewClient(hub, conn, config.WebSocketConfig{}, testLogger())

	done := make(chan struct{})
	go func() {
		c.WritePump()
		close(done)
	}()
	c.send <- []byte(`{"type":"notification"}`)
	close(c.send)
	<-done

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotEmpty(t, conn.written)
	assert.Equal(t, `{"type":"notification"}`, string(conn.written[0]))
	assert.True(t, conn.closed)
}

func TestHandlerUpgrades(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(Handler(hub, config.WebSocketConfig{ReadBufferSize: 1024, WriteBufferSize: 1024}, testLogger()))
	defer srv.Close()

	ws, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	require.NoError(t, ws.ReadJSON(&m))
	assert.Equal(t, TypeConnection, m.Type)
}
