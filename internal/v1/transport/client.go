package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPingHandler(h func(appData string) error)
}

// roomJoiner admits a connection to the room named by a join-room frame.
type roomJoiner interface {
	joinRoom(ctx context.Context, c *Client, env types.Envelope) (types.Roomer, error)
}

// messageLimiter throttles inbound frames per connection.
type messageLimiter interface {
	AllowMessage(ctx context.Context, key string) bool
}

// Client is one WebSocket connection. It is unbound until its first
// join-room frame succeeds; after that every frame goes to its room.
// It implements types.ClientInterface.
type Client struct {
	conn    wsConnection
	joiner  roomJoiner
	limiter messageLimiter
	connID  string

	mu     sync.RWMutex
	room   types.Roomer
	id     types.ClientIDType
	name   types.DisplayNameType
	closed bool

	send         chan []byte // chat and presence
	prioritySend chan []byte // negotiation, snapshots and errors
}

var _ types.ClientInterface = (*Client)(nil)

func newClient(conn wsConnection, joiner roomJoiner, limiter messageLimiter) *Client {
	return &Client{
		conn:         conn,
		joiner:       joiner,
		limiter:      limiter,
		connID:       uuid.NewString(),
		send:         make(chan []byte, sendBuffer),
		prioritySend: make(chan []byte, sendBuffer),
	}
}

func (c *Client) GetID() types.ClientIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Client) GetDisplayName() types.DisplayNameType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Client) Bind(id types.ClientIDType, name types.DisplayNameType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id, c.name = id, name
}

func (c *Client) currentRoom() types.Roomer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// Send queues a frame behind other chat traffic. A full queue drops it.
func (c *Client) Send(data []byte) {
	c.enqueue(c.send, data, false)
}

// SendPriority queues a frame that the write pump drains first.
func (c *Client) SendPriority(data []byte) {
	c.enqueue(c.prioritySend, data, true)
}

func (c *Client) enqueue(ch chan []byte, data []byte, priority bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		logging.Debug(context.Background(), "Skipping send to closed client", zap.String("connId", c.connID))
		return
	}
	select {
	case ch <- data:
	default:
		if priority {
			logging.Error(context.Background(), "Client priority channel full - dropping critical message", zap.String("connId", c.connID))
		} else {
			logging.Warn(context.Background(), "Client send channel full", zap.String("connId", c.connID))
		}
	}
}

// Disconnect closes both queues. The write pump drains what is already
// queued, sends a close frame and closes the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.prioritySend)
}

func (c *Client) sendError(msg string) {
	data, err := types.EncodeEnvelope(types.EventError, types.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	c.SendPriority(data)
}

// readPump processes inbound frames until the connection fails.
func (c *Client) readPump() {
	ctx := context.Background()
	defer func() {
		if r := c.currentRoom(); r != nil {
			r.HandleClientDisconnect(c)
		}
		c.Disconnect()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(ctx, "WebSocket closed unexpectedly", zap.String("connId", c.connID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		if c.limiter != nil && !c.limiter.AllowMessage(ctx, c.connID) {
			c.sendError("rate limit exceeded")
			continue
		}

		env, err := types.DecodeEnvelope(data)
		if err != nil {
			logging.Warn(ctx, "Failed to decode frame", zap.String("connId", c.connID), zap.Error(err))
			c.sendError("malformed frame")
			continue
		}
		c.dispatch(ctx, env)
	}
}

// dispatch hands a frame to the bound room, or binds the client on join-room.
func (c *Client) dispatch(ctx context.Context, env types.Envelope) {
	if r := c.currentRoom(); r != nil {
		r.Router(ctx, c, env)
		return
	}
	if env.Event != types.EventJoinRoom {
		c.sendError("join a room first")
		return
	}

	r, err := c.joiner.joinRoom(ctx, c, env)
	if err != nil {
		logging.Warn(ctx, "Join rejected", zap.String("connId", c.connID), zap.Error(err))
		c.sendError(err.Error())
		return
	}
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

// writePump writes queued frames, priority frames first.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		// Drain priority traffic before looking at chat.
		select {
		case message, ok := <-c.prioritySend:
			if !c.write(message, ok) {
				return
			}
			continue
		default:
		}

		select {
		case message, ok := <-c.prioritySend:
			if !c.write(message, ok) {
				return
			}
		case message, ok := <-c.send:
			if !c.write(message, ok) {
				return
			}
		}
	}
}

// write sends one frame, or a close frame when the queue was closed. It
// reports whether the pump should keep going.
func (c *Client) write(message []byte, ok bool) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if !ok {
		c.flush(c.prioritySend)
		c.flush(c.send)
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		logging.Error(context.Background(), "error writing message", zap.String("connId", c.connID), zap.Error(err))
		return false
	}
	return true
}

// flush writes whatever is left in a closed queue.
func (c *Client) flush(ch chan []byte) {
	for message := range ch {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
