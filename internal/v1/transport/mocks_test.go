package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type inboundFrame struct {
	messageType int
	data        []byte
}

// MockConnection implements wsConnection over channels.
type MockConnection struct {
	inbound chan inboundFrame
	done    chan struct{}
	once    sync.Once

	mu          sync.Mutex
	written     []inboundFrame
	controls    []int
	readLimit   int64
	pingHandler func(string) error
	writeErr    error
}

func newMockConnection() *MockConnection {
	return &MockConnection{
		inbound: make(chan inboundFrame, 16),
		done:    make(chan struct{}),
	}
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	select {
	case f := <-m.inbound:
		return f.messageType, f.data, nil
	case <-m.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, inboundFrame{messageType: messageType, data: data})
	return nil
}

func (m *MockConnection) WriteControl(messageType int, _ []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, messageType)
	return nil
}

func (m *MockConnection) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *MockConnection) SetReadDeadline(time.Time) error  { return nil }
func (m *MockConnection) SetWriteDeadline(time.Time) error { return nil }

func (m *MockConnection) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readLimit = limit
}

func (m *MockConnection) SetPingHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingHandler = h
}

func (m *MockConnection) ping(data string) error {
	m.mu.Lock()
	h := m.pingHandler
	m.mu.Unlock()
	return h(data)
}

func (m *MockConnection) push(t *testing.T, event types.Event, payload any) {
	t.Helper()
	data, err := types.EncodeEnvelope(event, payload)
	require.NoError(t, err)
	m.inbound <- inboundFrame{messageType: websocket.TextMessage, data: data}
}

func (m *MockConnection) pushRaw(messageType int, data []byte) {
	m.inbound <- inboundFrame{messageType: messageType, data: data}
}

// frames decodes every text frame written with the given event.
func (m *MockConnection) frames(event types.Event) []types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Envelope
	for _, f := range m.written {
		if f.messageType != websocket.TextMessage {
			continue
		}
		env, err := types.DecodeEnvelope(f.data)
		if err == nil && env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (m *MockConnection) order() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Event
	for _, f := range m.written {
		if f.messageType != websocket.TextMessage {
			continue
		}
		if env, err := types.DecodeEnvelope(f.data); err == nil {
			out = append(out, env.Event)
		}
	}
	return out
}

func (m *MockConnection) sentClose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.written {
		if f.messageType == websocket.CloseMessage {
			return true
		}
	}
	return false
}

func (m *MockConnection) errorMessages() []string {
	var out []string
	for _, env := range m.frames(types.EventError) {
		var p types.ErrorPayload
		if env.Decode(&p) == nil {
			out = append(out, p.Message)
		}
	}
	return out
}

// MockRoom implements types.Roomer interface for testing
type MockRoom struct {
	mu              sync.Mutex
	events          []types.Event
	disconnectCalls int
}

func (m *MockRoom) GetCode() types.RoomCodeType { return "test-room" }

func (m *MockRoom) Router(_ context.Context, _ types.ClientInterface, env types.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, env.Event)
}

func (m *MockRoom) HandleClientDisconnect(types.ClientInterface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
}

func (m *MockRoom) routed() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.events...)
}

func (m *MockRoom) disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectCalls
}

// mockJoiner admits every join into room unless err is set.
type mockJoiner struct {
	mu    sync.Mutex
	room  *MockRoom
	err   error
	calls int
}

func (m *mockJoiner) joinRoom(_ context.Context, c *Client, env types.Envelope) (types.Roomer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var p types.JoinRoomPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	c.Bind("id-"+types.ClientIDType(p.Username), p.Username)
	return m.room, nil
}

func (m *mockJoiner) joins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// denyLimiter rejects every frame.
type denyLimiter struct{}

func (denyLimiter) AllowMessage(context.Context, string) bool { return false }
