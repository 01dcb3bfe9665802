package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// ControlMessage is a subscribe or unsubscribe frame sent by the client.
type ControlMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Token string `json:"-"` // token of the connection that sent it
}

// RealtimeConn is one accepted client connection.
type RealtimeConn struct {
	Token      string
	AuthHeader string

	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  chan struct{}
}

// Push sends an event to this connection.
func (c *RealtimeConn) Push(topic, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteJSON(struct {
		Topic string          `json:"topic"`
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{topic, event, raw})
}

// PushRaw sends a frame verbatim.
func (c *RealtimeConn) PushRaw(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Drop closes the connection abruptly, without a close frame.
func (c *RealtimeConn) Drop() {
	_ = c.ws.Close()
}

// Closed is closed once the connection's read loop has ended.
func (c *RealtimeConn) Closed() <-chan struct{} {
	return c.closed
}

// MockRealtimeServer is a WebSocket push server. It records every accepted
// connection and every control frame received.
type MockRealtimeServer struct {
	Server *httptest.Server

	// Messages receives control frames in arrival order.
	Messages chan ControlMessage

	conns chan *RealtimeConn

	mu       sync.Mutex
	rejected map[string]bool
	current  *RealtimeConn
	accepted int
}

// SetupMockRealtimeServer starts a push server. Its URL is available from
// URL(); the token is read from the "token" query parameter.
func SetupMockRealtimeServer(t *testing.T) *MockRealtimeServer {
	t.Helper()

	mock := &MockRealtimeServer{
		Messages: make(chan ControlMessage, 100),
		conns:    make(chan *RealtimeConn, 10),
		rejected: map[string]bool{},
	}

	upgrader := websocket.Upgrader{}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")

		mock.mu.Lock()
		reject := mock.rejected[token]
		mock.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		conn := &RealtimeConn{
			Token:      token,
			AuthHeader: r.Header.Get("Authorization"),
			ws:         ws,
			closed:     make(chan struct{}),
		}

		mock.mu.Lock()
		mock.current = conn
		mock.accepted++
		mock.mu.Unlock()

		mock.conns <- conn

		go mock.read(conn)
	}))

	t.Cleanup(mock.Close)

	return mock
}

func (m *MockRealtimeServer) read(conn *RealtimeConn) {
	defer close(conn.closed)
	defer conn.ws.Close()

	for {
		var msg ControlMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			return
		}
		msg.Token = conn.Token

		select {
		case m.Messages <- msg:
		default:
		}
	}
}

// URL is the ws:// address of the server.
func (m *MockRealtimeServer) URL() string {
	return "ws" + strings.TrimPrefix(m.Server.URL, "http")
}

// Reject makes the server refuse handshakes presenting token with 401.
func (m *MockRealtimeServer) Reject(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rejected[token] = true
}

// NextConn waits for the next accepted connection.
func (m *MockRealtimeServer) NextConn(t *testing.T) *RealtimeConn {
	t.Helper()

	select {
	case conn := <-m.conns:
		return conn
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for a realtime connection")
		return nil
	}
}

// NextMessage waits for the next control frame.
func (m *MockRealtimeServer) NextMessage(t *testing.T) ControlMessage {
	t.Helper()

	select {
	case msg := <-m.Messages:
		return msg
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for a control message")
		return ControlMessage{}
	}
}

// Push sends an event on the most recent connection.
func (m *MockRealtimeServer) Push(topic, event string, data any) error {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()

	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.Push(topic, event, data)
}

// Accepted is the number of connections accepted so far.
func (m *MockRealtimeServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.accepted
}

func (m *MockRealtimeServer) Close() {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()

	if conn != nil {
		conn.Drop()
	}
	m.Server.CloseClientConnections()
	m.Server.Close()
}
