// Package testutil provides mock backends for tests: the REST history
// endpoint and the websocket push channel, plus Postgres helpers.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neustream/chatfeed/chat"
)

type wireEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MockChatBackend is a test server speaking both halves of the chat
// backend's contract: GET /chat/sources/{id}/messages for the history
// snapshot and /ws/chat for the push channel (JSON envelopes over a
// websocket). Tests drive it to push messages, withhold join acks, or drop
// connections mid-session.
type MockChatBackend struct {
	*httptest.Server
	t        *testing.T
	upgrader websocket.Upgrader

	mu             sync.Mutex
	history        map[string][]chat.Message
	historyStatus  int
	joinHistory    map[string][]chat.Message
	withholdAck    bool
	rejectUpgrades bool
	conns          []*backendConn
	joins          []string
	leaves         []string
	tokens         []string
}

type backendConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *backendConn) write(event string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(wireEnvelope{Event: event, Data: raw})
}

// NewMockChatBackend starts the mock server. It is closed via t.Cleanup.
func NewMockChatBackend(t *testing.T) *MockChatBackend {
	t.Helper()
	m := &MockChatBackend{
		t:           t,
		history:     make(map[string][]chat.Message),
		joinHistory: make(map[string][]chat.Message),
		upgrader:    websocket.Upgrader{},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// WSURL returns the websocket endpoint of the push channel.
func (m *MockChatBackend) WSURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http") + "/ws/chat"
}

// SetHistory sets the REST snapshot returned for a source.
func (m *MockChatBackend) SetHistory(sourceID string, msgs []chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[sourceID] = msgs
}

// SetHistoryStatus forces a non-2xx REST response for every source.
func (m *MockChatBackend) SetHistoryStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyStatus = code
}

// SetJoinHistory makes the push channel deliver a chat_history batch right
// before the join acknowledgment, the way the real backend does.
func (m *MockChatBackend) SetJoinHistory(sourceID string, msgs []chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinHistory[sourceID] = msgs
}

// WithholdJoinAck suppresses joined_chat responses, stalling sessions in the
// joining state.
func (m *MockChatBackend) WithholdJoinAck(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withholdAck = v
}

// RejectUpgrades makes handshakes fail with 401, simulating an auth reject.
func (m *MockChatBackend) RejectUpgrades(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectUpgrades = v
}

// Joins returns the sourceIds of all join_chat events received, in order.
func (m *MockChatBackend) Joins() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.joins...)
}

// Leaves returns the sourceIds of all leave_chat events received, in order.
func (m *MockChatBackend) Leaves() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.leaves...)
}

// Tokens returns the identity tokens presented during handshakes, in order.
func (m *MockChatBackend) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

// PushMessage delivers a live message to every connected session.
func (m *MockChatBackend) PushMessage(msg chat.Message) {
	m.broadcast("new_message", msg)
}

// PushViewerCount delivers a presence update to every connected session.
func (m *MockChatBackend) PushViewerCount(n int) {
	m.broadcast("viewer_count", map[string]int{"count": n})
}

// PushProtocolError delivers a server error event to every connected session.
func (m *MockChatBackend) PushProtocolError(detail string) {
	m.broadcast("error", map[string]string{"message": detail})
}

// DropConnections closes every live websocket, simulating a transport drop.
func (m *MockChatBackend) DropConnections() {
	m.mu.Lock()
	conns := append([]*backendConn(nil), m.conns...)
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// ConnCount returns the number of live push connections.
func (m *MockChatBackend) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *MockChatBackend) broadcast(event string, v any) {
	m.mu.Lock()
	conns := append([]*backendConn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.write(event, v)
	}
}

// NewSlowHistoryBackend serves REST history snapshots only, delaying each
// response by delay. Used to race a history fetch against a source switch.
func NewSlowHistoryBackend(t *testing.T, delay time.Duration, history map[string][]chat.Message) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		sourceID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/chat/sources/"), "/messages")
		msgs := history[sourceID]
		if msgs == nil {
			msgs = []chat.Message{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (m *MockChatBackend) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws/chat" {
		m.serveWS(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/chat/sources/") && strings.HasSuffix(r.URL.Path, "/messages") {
		m.serveHistory(w, r)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (m *MockChatBackend) serveHistory(w http.ResponseWriter, r *http.Request) {
	sourceID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/chat/sources/"), "/messages")
	m.mu.Lock()
	status := m.historyStatus
	msgs := m.history[sourceID]
	m.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
}

func (m *MockChatBackend) serveWS(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reject := m.rejectUpgrades
	m.tokens = append(m.tokens, r.Header.Get("X-Chat-Token"))
	m.mu.Unlock()
	if reject {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &backendConn{ws: ws}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		for i, c := range m.conns {
			if c == conn {
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var env wireEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		var room struct {
			SourceID string `json:"sourceId"`
		}
		_ = json.Unmarshal(env.Data, &room)
		switch env.Event {
		case "join_chat":
			m.mu.Lock()
			m.joins = append(m.joins, room.SourceID)
			batch := m.joinHistory[room.SourceID]
			withhold := m.withholdAck
			m.mu.Unlock()
			if batch != nil {
				_ = conn.write("chat_history", map[string]any{"messages": batch})
			}
			if !withhold {
				_ = conn.write("joined_chat", map[string]string{"sourceId": room.SourceID})
			}
		case "leave_chat":
			m.mu.Lock()
			m.leaves = append(m.leaves, room.SourceID)
			m.mu.Unlock()
		}
	}
}
