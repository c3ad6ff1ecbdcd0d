// Package session binds one room membership: a signaling connection, the
// room mirror fed by it and the call coordinator that negotiates over it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/call"
	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/media"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/roomview"
	"github.com/RoseWrightdev/roomcall/internal/v1/signaling"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var ErrLeft = errors.New("already left the room")

// Clock is what the room mirror and the call coordinator need from time.
type Clock interface {
	clock.WithTicker
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Config describes one membership.
type Config struct {
	URL      string
	RoomCode types.RoomCodeType
	Username types.DisplayNameType

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	TypingTimeout     time.Duration

	WebRTC  webrtc.Configuration
	Source  media.Source
	NewPeer call.PeerFactory
	Clock   Clock
	Dialer  *websocket.Dialer
}

// Session is one joined room.
type Session struct {
	ctx    context.Context
	sig    *signaling.Client
	room   *roomview.Room
	calls  *call.Coordinator
	events []types.Event

	leaveOnce sync.Once
}

// Join validates cfg, wires the components and starts connecting. It returns
// before the server has answered; room-joined arrives through the room mirror.
func Join(cfg Config) (*Session, error) {
	var problems []string
	if err := types.ValidateRoomCode(string(cfg.RoomCode)); err != nil {
		problems = append(problems, err.Error())
	}
	if err := types.ValidateUsername(string(cfg.Username)); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.URL == "" {
		problems = append(problems, "signaling url is required")
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("cannot join room: %s", strings.Join(problems, "; "))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	join := types.JoinRoomPayload{
		RoomCode: types.RoomCodeType(strings.TrimSpace(string(cfg.RoomCode))),
		Username: types.DisplayNameType(strings.TrimSpace(string(cfg.Username))),
	}
	s := &Session{ctx: logging.WithRoom(context.Background(), string(join.RoomCode), "")}

	s.sig = signaling.NewClient(signaling.Config{
		URL:            cfg.URL,
		Join:           join,
		MaxAttempts:    cfg.ReconnectAttempts,
		RetryDelay:     cfg.ReconnectDelay,
		ConnectTimeout: cfg.ConnectTimeout,
		Dialer:         cfg.Dialer,
	}, signaling.NewDispatcher())

	s.room = roomview.New(roomview.Config{
		Self:          join.Username,
		Emitter:       s.sig,
		Clock:         cfg.Clock,
		TypingTimeout: cfg.TypingTimeout,
	})
	s.room.WithLogContext(s.ctx)

	s.calls = call.NewCoordinator(call.Config{
		Signaler: s.sig,
		Source:   cfg.Source,
		NewPeer:  cfg.NewPeer,
		WebRTC:   cfg.WebRTC,
		Log:      s.room,
		Clock:    cfg.Clock,
		PeerName: s.room.PeerName,
	})

	if err := s.register(); err != nil {
		s.sig.Dispatcher().DeregisterAll()
		s.calls.Close()
		s.room.Close()
		_ = s.sig.Close()
		return nil, err
	}

	s.sig.OnConnectivity(s.room.SetConnected)
	s.sig.OnGiveUp(func(err error) {
		logging.Error(s.ctx, "Signaling unavailable", zap.Error(err))
		s.room.AddNotice("Disconnected from the signaling server")
	})

	if err := s.sig.Start(); err != nil {
		return nil, err
	}
	logging.Info(s.ctx, "Joining room", zap.String("username", string(join.Username)))
	return s, nil
}

// Room returns the room mirror.
func (s *Session) Room() *roomview.Room { return s.room }

// Calls returns the call coordinator.
func (s *Session) Calls() *call.Coordinator { return s.calls }

// Connected reports whether the signaling connection is up.
func (s *Session) Connected() bool { return s.sig.Connected() }

// Registered returns the inbound events this session handles.
func (s *Session) Registered() []types.Event {
	return append([]types.Event(nil), s.events...)
}

// Leave ends any call as a departure, unregisters every handler and closes
// the signaling connection. Leaving twice returns ErrLeft.
func (s *Session) Leave() error {
	err := ErrLeft
	s.leaveOnce.Do(func() {
		err = nil
		s.calls.Close()
		s.sig.Dispatcher().Deregister(s.events...)
		s.room.Close()
		if cerr := s.sig.Close(); cerr != nil {
			err = cerr
		}
		logging.Info(s.ctx, "Left room")
	})
	return err
}

func (s *Session) register() error {
	room, calls := s.room, s.calls
	regs := []error{
		on(s, types.EventRoomJoined, room.ApplySnapshot),
		on(s, types.EventUserJoined, room.HandleUserJoined),
		on(s, types.EventUserLeft, room.HandleUserLeft),
		on(s, types.EventNewMessage, room.HandleNewMessage),
		on(s, types.EventUserTypingStart, room.HandleTypingStart),
		on(s, types.EventUserTypingStop, room.HandleTypingStop),
		on(s, types.EventError, room.HandleServerError),
		on(s, types.EventConnectError, room.HandleConnectError),
		on(s, types.EventOffer, calls.HandleOffer),
		on(s, types.EventAnswer, calls.HandleAnswer),
		on(s, types.EventICECandidate, calls.HandleRemoteCandidate),
		on(s, types.EventCallEnded, calls.HandleRemoteEnd),
	}
	return errors.Join(regs...)
}

// on registers a handler that decodes the payload into T first. Frames that
// do not decode are logged and dropped.
func on[T any](s *Session, event types.Event, fn func(T)) error {
	err := s.sig.Dispatcher().Register(event, func(env types.Envelope) {
		var p T
		if err := env.Decode(&p); err != nil {
			metrics.SignalingInboundEvents.WithLabelValues(string(event), "error").Inc()
			logging.Warn(s.ctx, "Dropping undecodable event", zap.String("event", string(event)), zap.Error(err))
			return
		}
		fn(p)
	})
	if err == nil {
		s.events = append(s.events, event)
	}
	return err
}
