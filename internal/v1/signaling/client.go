// Package signaling is the client side of the room's signaling channel: one
// WebSocket per room membership carrying JSON envelopes, with a dispatch
// table for inbound events and bounded automatic reconnection.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClosed         = errors.New("signaling client closed")
	ErrSendBufferFull = errors.New("signaling send buffer full")
	ErrGaveUp         = errors.New("signaling reconnection attempts exhausted")
)

const (
	defaultAttempts       = 10
	defaultRetryDelay     = 5 * time.Second
	defaultConnectTimeout = 60 * time.Second
	defaultSendBuffer     = 256
	defaultPriorityBuffer = 64

	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
	maxFrame   = 1 << 20
)

// Config describes one room membership's connection.
type Config struct {
	URL  string
	Join types.JoinRoomPayload

	// MaxAttempts bounds the dials made for one (re)connection.
	MaxAttempts    int
	RetryDelay     time.Duration
	ConnectTimeout time.Duration

	Header     http.Header
	Dialer     *websocket.Dialer
	SendBuffer int
	// PingPeriod overrides the keepalive interval. Tests only.
	PingPeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = pingPeriod
	}
}

// Client is the signaling connection of one room membership. It implements
// types.Emitter.
type Client struct {
	cfg        Config
	dispatcher *Dispatcher

	// Frames queued while disconnected go out after the next join-room.
	send         chan []byte
	prioritySend chan []byte

	mu             sync.RWMutex
	connected      bool
	closed         bool
	started        bool
	onConnectivity []func(connected bool)
	onGiveUp       func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient returns an unconnected client that dispatches inbound events to d.
func NewClient(cfg Config, d *Dispatcher) *Client {
	cfg.applyDefaults()
	if d == nil {
		d = NewDispatcher()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:          cfg,
		dispatcher:   d,
		send:         make(chan []byte, cfg.SendBuffer),
		prioritySend: make(chan []byte, defaultPriorityBuffer),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Dispatcher returns the client's inbound dispatch table.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// OnConnectivity registers fn to be called on every connected/disconnected flip.
func (c *Client) OnConnectivity(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectivity = append(c.onConnectivity, fn)
}

// OnGiveUp registers fn to be called once reconnection attempts are exhausted.
func (c *Client) OnGiveUp(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGiveUp = fn
}

// Connected reports whether the WebSocket is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Start launches the connection supervisor. It returns immediately; progress
// is reported through OnConnectivity and the connect_error event.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go c.supervise()
	return nil
}

// Emit queues one outbound event. It never blocks: call-negotiation events go
// through the priority queue and a full queue fails with ErrSendBufferFull.
func (c *Client) Emit(event types.Event, payload any) error {
	data, err := types.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	queue := c.send
	if types.PriorityEvents[event] {
		queue = c.prioritySend
	}
	select {
	case queue <- data:
		return nil
	default:
		logging.Warn(c.ctx, "Signaling send buffer full, dropping event", zap.String("event", string(event)))
		return fmt.Errorf("%w: %s", ErrSendBufferFull, event)
	}
}

// Close shuts the connection down and waits for the supervisor. Later Emits
// fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// supervise connects, serves until the connection drops, and reconnects
// until Close or until a reconnection runs out of attempts.
func (c *Client) supervise() {
	defer c.wg.Done()

	for reconnect := false; ; reconnect = true {
		conn, err := c.connect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logging.Error(c.ctx, "Giving up on signaling server", zap.String("url", c.cfg.URL), zap.Error(err))
			metrics.SignalingReconnects.WithLabelValues("exhausted").Inc()
			c.mu.RLock()
			giveUp := c.onGiveUp
			c.mu.RUnlock()
			if giveUp != nil {
				giveUp(fmt.Errorf("%w: %v", ErrGaveUp, err))
			}
			return
		}
		if reconnect {
			metrics.SignalingReconnects.WithLabelValues("success").Inc()
			logging.Info(c.ctx, "Reconnected to signaling server")
		} else {
			logging.Info(c.ctx, "Connected to signaling server", zap.String("url", c.cfg.URL))
		}

		c.setConnected(true)
		err = c.serve(conn)
		c.setConnected(false)

		if c.ctx.Err() != nil {
			return
		}
		logging.Warn(c.ctx, "Signaling connection lost", zap.Error(err))
	}
}

// connect dials with bounded constant-delay retries. Each failed dial is
// surfaced as a connect_error event.
func (c *Client) connect() (*websocket.Conn, error) {
	dial := func() (*websocket.Conn, error) {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		defer cancel()

		conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, backoff.Permanent(c.ctx.Err())
			}
			metrics.SignalingReconnects.WithLabelValues("failure").Inc()
			c.dispatchLocal(types.EventConnectError, types.ErrorPayload{Message: err.Error()})
			return nil, err
		}
		return conn, nil
	}

	return backoff.Retry(c.ctx, dial,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Warn(c.ctx, "Signaling dial failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
}

// dispatchLocal feeds a synthetic inbound event through the dispatch table.
func (c *Client) dispatchLocal(event types.Event, payload any) {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	c.dispatcher.Dispatch(env)
}

func (c *Client) setConnected(up bool) {
	c.mu.Lock()
	if c.connected == up {
		c.mu.Unlock()
		return
	}
	c.connected = up
	observers := make([]func(bool), len(c.onConnectivity))
	copy(observers, c.onConnectivity)
	c.mu.Unlock()

	metrics.SetSignalingConnected(up)
	for _, fn := range observers {
		fn(up)
	}
}
