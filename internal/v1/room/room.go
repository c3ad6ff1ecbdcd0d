// Package room holds the reference signaling server's per-room state:
// membership and presence, the bounded chat history, the call history and
// the relay of call negotiation between members.
package room

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	// MaxParticipants is the maximum number of online members in a room.
	MaxParticipants = 100

	// DefaultMaxHistory is the chat history length when none is configured.
	DefaultMaxHistory = 100

	maxCallHistory = 50
	publishSlots   = 100
)

var (
	ErrRoomFull   = errors.New("room is full")
	ErrRoomClosed = errors.New("room is closed")
)

// Config describes one room.
type Config struct {
	Code       types.RoomCodeType
	MaxHistory int
	Bus        types.BusService
	Clock      clock.PassiveClock
	// OnEmpty runs, outside the room lock, when the last local member leaves.
	OnEmpty func(types.RoomCodeType)
}

// member is one participant ever seen in the room. client is nil while the
// participant is offline or connected to another server instance.
type member struct {
	types.Participant
	client types.ClientInterface
}

// Room is one chat room. Every exported method is safe for concurrent use.
type Room struct {
	code types.RoomCodeType

	mu      sync.RWMutex
	members map[types.ClientIDType]*member
	order   []types.ClientIDType
	byName  map[types.DisplayNameType]types.ClientIDType

	chat       *list.List
	maxHistory int
	lastMsgID  int64
	calls      []*callEntry

	closed  bool
	bus     types.BusService
	clock   clock.PassiveClock
	onEmpty func(types.RoomCodeType)

	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	publishChan chan struct{} // bounds concurrent bus publishes
}

var _ types.Roomer = (*Room)(nil)

// New creates a room and, when a bus is configured, subscribes it to the
// room's cross-instance channel until Shutdown.
func New(ctx context.Context, cfg Config) *Room {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	r := &Room{
		code:        cfg.Code,
		members:     make(map[types.ClientIDType]*member),
		byName:      make(map[types.DisplayNameType]types.ClientIDType),
		chat:        list.New(),
		maxHistory:  cfg.MaxHistory,
		bus:         cfg.Bus,
		clock:       cfg.Clock,
		onEmpty:     cfg.OnEmpty,
		publishChan: make(chan struct{}, publishSlots),
	}
	r.ctx, r.cancel = context.WithCancel(logging.WithRoom(ctx, string(cfg.Code), ""))
	r.subscribeToBus()
	return r
}

// GetCode returns the room code.
func (r *Room) GetCode() types.RoomCodeType {
	return r.code
}

// IsEmpty reports whether no member is connected to this instance.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localOnlineLocked() == 0
}

// Router handles one frame from a joined client.
func (r *Room) Router(ctx context.Context, client types.ClientInterface, env types.Envelope) {
	start := time.Now()
	status := "success"
	defer func() {
		metrics.WebsocketEvents.WithLabelValues(string(env.Event), status).Inc()
		metrics.MessageProcessingDuration.WithLabelValues(string(env.Event)).Observe(time.Since(start).Seconds())
	}()

	var err error
	switch env.Event {
	case types.EventSendMessage:
		err = r.handleSendMessage(ctx, client, env)
	case types.EventTypingStart:
		r.handleTyping(client, true)
	case types.EventTypingStop:
		r.handleTyping(client, false)
	case types.EventOffer:
		err = r.handleOffer(client, env)
	case types.EventAnswer:
		err = r.handleAnswer(client, env)
	case types.EventICECandidate:
		err = r.handleICECandidate(client, env)
	case types.EventCallStarted:
		err = r.handleCallStarted(client, env)
	case types.EventEndCall:
		err = r.handleEndCall(client, env)
	case types.EventJoinRoom:
		err = errors.New("already joined a room")
	default:
		status = "unknown"
		logging.Warn(ctx, "Unknown event received", zap.String("event", string(env.Event)), zap.String("clientId", string(client.GetID())))
		r.sendError(client, "Unsupported event: "+string(env.Event))
		return
	}
	if err != nil {
		status = "error"
		logging.Warn(ctx, "Rejected client event", zap.String("event", string(env.Event)), zap.String("clientId", string(client.GetID())), zap.Error(err))
		r.sendError(client, err.Error())
	}
}

// Close disconnects every local client after telling them why.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var targets []types.ClientInterface
	for _, id := range r.order {
		if m := r.members[id]; m.client != nil {
			targets = append(targets, m.client)
			m.client = nil
			m.IsOnline = false
		}
	}
	r.mu.Unlock()

	logging.Info(r.ctx, "Closing room", zap.String("reason", reason))
	for _, c := range targets {
		r.sendError(c, reason)
		c.Disconnect()
	}
	metrics.RoomParticipants.DeleteLabelValues(string(r.code))
}

// Shutdown stops the bus subscription and waits for in-flight publishes.
func (r *Room) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) now() string {
	return r.clock.Now().UTC().Format(time.RFC3339)
}

func (r *Room) sendError(c types.ClientInterface, msg string) {
	data, err := types.EncodeEnvelope(types.EventError, types.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	c.SendPriority(data)
}

// deliverLocked sends one event to local clients. A non-empty target limits
// delivery to that member; exclude is skipped. Callers hold r.mu.
func (r *Room) deliverLocked(env types.Envelope, exclude, target types.ClientIDType) {
	data, err := encode(env)
	if err != nil {
		logging.Error(r.ctx, "Failed to encode room event", zap.String("event", string(env.Event)), zap.Error(err))
		return
	}
	priority := types.PriorityEvents[env.Event]
	for _, id := range r.order {
		if id == exclude || (target != "" && id != target) {
			continue
		}
		m := r.members[id]
		if m.client == nil {
			continue
		}
		if priority {
			m.client.SendPriority(data)
		} else {
			m.client.Send(data)
		}
	}
}

// broadcastLocked delivers locally and publishes for other instances.
func (r *Room) broadcastLocked(event types.Event, payload any, sender, target types.ClientIDType, includeSender bool) {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		logging.Error(r.ctx, "Failed to build room event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	exclude := sender
	if includeSender {
		exclude = ""
	}
	r.deliverLocked(env, exclude, target)
	r.publishLocked(env, sender, target)
}

func (r *Room) localOnlineLocked() int {
	n := 0
	for _, m := range r.members {
		if m.client != nil {
			n++
		}
	}
	return n
}

func (r *Room) onlineLocked() int {
	n := 0
	for _, m := range r.members {
		if m.IsOnline {
			n++
		}
	}
	return n
}
