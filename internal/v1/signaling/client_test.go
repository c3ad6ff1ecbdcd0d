package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

// fakeServer accepts signaling connections and records every frame.
type fakeServer struct {
	*httptest.Server
	accepted chan *websocket.Conn
	frames   chan types.Envelope
	pings    chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{
		accepted: make(chan *websocket.Conn, 8),
		frames:   make(chan types.Envelope, 64),
		pings:    make(chan struct{}, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(data string) error {
			select {
			case s.pings <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		s.accepted <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if env, err := types.DecodeEnvelope(data); err == nil {
				s.frames <- env
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *fakeServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (s *fakeServer) nextFrame(t *testing.T) types.Envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(waitFor):
		t.Fatal("no frame received")
		return types.Envelope{}
	}
}

func push(t *testing.T, conn *websocket.Conn, event types.Event, payload any) {
	t.Helper()
	data, err := types.EncodeEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func newTestClient(t *testing.T, url string, d *Dispatcher) *Client {
	t.Helper()
	c := NewClient(Config{
		URL:         url,
		Join:        types.JoinRoomPayload{RoomCode: "lobby", Username: "alice"},
		MaxAttempts: 3,
		RetryDelay:  5 * time.Millisecond,
	}, d)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connectivityLog records connectivity flips.
type connectivityLog struct {
	mu    sync.Mutex
	flips []bool
}

func (l *connectivityLog) record(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flips = append(l.flips, up)
}

func (l *connectivityLog) get() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.flips...)
}

func TestClient_JoinsOnConnect(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.url(), nil)
	require.NoError(t, c.Start())

	srv.nextConn(t)
	join := srv.nextFrame(t)
	assert.Equal(t, types.EventJoinRoom, join.Event)

	var p types.JoinRoomPayload
	require.NoError(t, join.Decode(&p))
	assert.Equal(t, types.JoinRoomPayload{RoomCode: "lobby", Username: "alice"}, p)
	assert.Eventually(t, c.Connected, waitFor, 5*time.Millisecond)
}

func TestClient_EmitAndDispatch(t *testing.T) {
	srv := newFakeServer(t)
	d := NewDispatcher()
	got := make(chan types.Message, 1)
	require.NoError(t, d.Register(types.EventNewMessage, func(env types.Envelope) {
		var m types.Message
		if env.Decode(&m) == nil {
			got <- m
		}
	}))

	c := newTestClient(t, srv.url(), d)
	require.NoError(t, c.Start())
	conn := srv.nextConn(t)
	srv.nextFrame(t) // join-room

	require.NoError(t, c.Emit(types.EventSendMessage, types.SendMessagePayload{Message: "hi"}))
	frame := srv.nextFrame(t)
	assert.Equal(t, types.EventSendMessage, frame.Event)
	assert.JSONEq(t, `{"message":"hi"}`, string(frame.Payload))

	push(t, conn, types.EventNewMessage, types.Message{ID: 7, UserID: "u1", Username: "bob", Body: "hey"})
	select {
	case m := <-got:
		assert.Equal(t, int64(7), m.ID)
		assert.Equal(t, "hey", m.Body)
	case <-time.After(waitFor):
		t.Fatal("new-message not dispatched")
	}
}

func TestClient_MalformedFrameSkipped(t *testing.T) {
	srv := newFakeServer(t)
	d := NewDispatcher()
	got := make(chan struct{}, 1)
	require.NoError(t, d.Register(types.EventError, func(types.Envelope) { got <- struct{}{} }))

	c := newTestClient(t, srv.url(), d)
	require.NoError(t, c.Start())
	conn := srv.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	push(t, conn, types.EventError, types.ErrorPayload{Message: "room full"})

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("valid frame after a malformed one was not dispatched")
	}
	assert.True(t, c.Connected(), "a bad frame does not drop the connection")
}

func TestClient_PriorityFramesFirst(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.url(), nil)

	require.NoError(t, c.Emit(types.EventSendMessage, types.SendMessagePayload{Message: "queued"}))
	require.NoError(t, c.Emit(types.EventOffer, types.OfferPayload{CallType: types.CallKindAudio}))
	require.NoError(t, c.Start())

	srv.nextConn(t)
	assert.Equal(t, types.EventJoinRoom, srv.nextFrame(t).Event)
	assert.Equal(t, types.EventOffer, srv.nextFrame(t).Event)
	assert.Equal(t, types.EventSendMessage, srv.nextFrame(t).Event)
}

func TestClient_SendBufferFull(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/ws", SendBuffer: 1}, nil)
	defer c.Close()

	require.NoError(t, c.Emit(types.EventTypingStart, nil))
	err := c.Emit(types.EventTypingStop, nil)
	assert.ErrorIs(t, err, ErrSendBufferFull)

	assert.NoError(t, c.Emit(types.EventEndCall, types.EndCallPayload{}), "priority queue is separate")
}

func TestClient_EmitAfterClose(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/ws"}, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Emit(types.EventTypingStart, nil), ErrClosed)
	assert.ErrorIs(t, c.Start(), ErrClosed)
}

func TestClient_ReconnectRejoins(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.url(), nil)
	var conn connectivityLog
	c.OnConnectivity(conn.record)
	require.NoError(t, c.Start())

	first := srv.nextConn(t)
	assert.Equal(t, types.EventJoinRoom, srv.nextFrame(t).Event)

	require.NoError(t, first.Close())

	srv.nextConn(t)
	assert.Equal(t, types.EventJoinRoom, srv.nextFrame(t).Event, "every connection starts with join-room")
	assert.Eventually(t, func() bool {
		flips := conn.get()
		return len(flips) == 3
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, conn.get())
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := newFakeServer(t)
	url := srv.url()
	srv.Close()

	d := NewDispatcher()
	var mu sync.Mutex
	connectErrors := 0
	require.NoError(t, d.Register(types.EventConnectError, func(types.Envelope) {
		mu.Lock()
		connectErrors++
		mu.Unlock()
	}))

	c := newTestClient(t, url, d)
	gaveUp := make(chan error, 1)
	c.OnGiveUp(func(err error) { gaveUp <- err })
	require.NoError(t, c.Start())

	select {
	case err := <-gaveUp:
		assert.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(waitFor):
		t.Fatal("client never gave up")
	}

	mu.Lock()
	assert.Equal(t, 3, connectErrors, "one connect_error per failed dial")
	mu.Unlock()
	assert.False(t, c.Connected())
}

func TestClient_CloseWhileRetrying(t *testing.T) {
	srv := newFakeServer(t)
	url := srv.url()
	srv.Close()

	c := NewClient(Config{URL: url, MaxAttempts: 100, RetryDelay: time.Hour}, nil)
	require.NoError(t, c.Start())

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close blocked on the retry delay")
	}
}

func TestClient_KeepalivePings(t *testing.T) {
	srv := newFakeServer(t)
	c := NewClient(Config{URL: srv.url(), PingPeriod: 10 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start())

	srv.nextConn(t)
	select {
	case <-srv.pings:
	case <-time.After(waitFor):
		t.Fatal("no keepalive ping")
	}
	assert.True(t, c.Connected(), "answered pings keep the connection up")
}
