package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockClient implements types.ClientInterface and records every frame.
type MockClient struct {
	mu           sync.Mutex
	id           types.ClientIDType
	name         types.DisplayNameType
	sent         []types.Envelope
	prioritySent []types.Envelope
	disconnected bool
}

func newMockClient() *MockClient { return &MockClient{} }

func (m *MockClient) GetID() types.ClientIDType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *MockClient) GetDisplayName() types.DisplayNameType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *MockClient) Bind(id types.ClientIDType, name types.DisplayNameType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id, m.name = id, name
}

func (m *MockClient) Send(data []byte)         { m.record(data, false) }
func (m *MockClient) SendPriority(data []byte) { m.record(data, true) }

func (m *MockClient) record(data []byte, priority bool) {
	env, err := types.DecodeEnvelope(data)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if priority {
		m.prioritySent = append(m.prioritySent, env)
	} else {
		m.sent = append(m.sent, env)
	}
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *MockClient) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// frames returns every frame with the given event, in send order per queue.
func (m *MockClient) frames(event types.Event) []types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Envelope
	for _, env := range append(append([]types.Envelope(nil), m.prioritySent...), m.sent...) {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (m *MockClient) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent, m.prioritySent = nil, nil
}

// last decodes the newest frame with the given event into v.
func last[T any](t *testing.T, c *MockClient, event types.Event) T {
	t.Helper()
	frames := c.frames(event)
	require.NotEmpty(t, frames, "no %s frame", event)
	var v T
	require.NoError(t, frames[len(frames)-1].Decode(&v))
	return v
}

func envelope(t *testing.T, event types.Event, payload any) types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

type publishCall struct {
	event    string
	sender   string
	target   string
	payload  json.RawMessage
	roomCode string
}

// MockBusService records publishes and presence updates.
type MockBusService struct {
	mu          sync.Mutex
	published   []publishCall
	setAdds     []string
	setRems     []string
	members     []string
	subscribed  int
	handler     func(types.BusMessage)
	failPublish bool
	failSetAdd  bool
}

var _ types.BusService = (*MockBusService)(nil)

func (m *MockBusService) Publish(_ context.Context, roomCode, event string, payload any, senderID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := json.Marshal(payload)
	m.published = append(m.published, publishCall{event: event, sender: senderID, target: targetID, payload: raw, roomCode: roomCode})
	if m.failPublish {
		return assert.AnError
	}
	return nil
}

func (m *MockBusService) Subscribe(_ context.Context, _ string, _ *sync.WaitGroup, handler func(types.BusMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed++
	m.handler = handler
}

func (m *MockBusService) Close() error { return nil }

func (m *MockBusService) SetAdd(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSetAdd {
		return assert.AnError
	}
	m.setAdds = append(m.setAdds, key+"="+value)
	return nil
}

func (m *MockBusService) SetRem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRems = append(m.setRems, key+"="+value)
	return nil
}

func (m *MockBusService) SetMembers(context.Context, string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.members...), nil
}

func (m *MockBusService) publishes() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishCall(nil), m.published...)
}

func (m *MockBusService) inject(msg types.BusMessage) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(msg)
}
