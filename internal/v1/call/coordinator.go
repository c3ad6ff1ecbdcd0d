// Package call implements the one-to-one call state machine of a room
// member. A Coordinator owns at most one call session; the session owns the
// local media, the remote stream and the peer connection, and every exit path
// hands all three to a single teardown routine.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/media"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var (
	ErrAlreadyInCall = errors.New("already in a call")
	ErrNotInCall     = errors.New("not in a call")
	ErrCallCanceled  = errors.New("call canceled")
	ErrNoVideo       = errors.New("call has no video track")
	ErrClosed        = errors.New("call coordinator closed")
)

// maxPendingCandidates bounds the remote candidates held before the remote
// description is set.
const maxPendingCandidates = 128

// MessageLog receives the system messages of the call lifecycle.
type MessageLog interface {
	AddSystemMessage(text string)
}

type nopLog struct{}

func (nopLog) AddSystemMessage(string) {}

// Config wires a Coordinator to its collaborators.
type Config struct {
	// Signaler carries call events. Emit is called with the coordinator lock
	// held so that descriptions and candidates keep their order; it must not
	// block or call back into the coordinator.
	Signaler types.Emitter
	Source   media.Source
	NewPeer  PeerFactory
	WebRTC   webrtc.Configuration
	Log      MessageLog
	Clock    clock.WithTicker
	// PeerName resolves a display name for a user id. Optional.
	PeerName func(types.ClientIDType) types.DisplayNameType
}

// State is a snapshot of the call for presentation.
type State struct {
	CallID       string
	Phase        Phase
	Kind         types.CallKind
	Direction    Direction
	PeerID       types.ClientIDType
	PeerName     types.DisplayNameType
	Muted        bool
	VideoEnabled bool
	Elapsed      time.Duration
	Local        *media.Stream
	Remote       *media.RemoteStream
}

// InCall reports whether a session exists.
func (s State) InCall() bool { return s.Phase != PhaseIdle }

type remoteCandidate struct {
	from types.ClientIDType
	init webrtc.ICECandidateInit
}

// session is the one live call. Fields are guarded by Coordinator.mu.
type session struct {
	id       string
	ctx      context.Context
	phase    Phase
	kind     types.CallKind
	dir      Direction
	peerID   types.ClientIDType
	peerName types.DisplayNameType

	// local, remote and pc are set together when negotiation starts and
	// detached together by teardown.
	local  *media.Stream
	remote *media.RemoteStream
	pc     PeerConnection

	cancel     context.CancelFunc
	stopTicker chan struct{}

	descSent      bool
	remoteSet     bool
	answered      bool
	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []remoteCandidate

	activeSince time.Time
	muted       bool
	videoOff    bool
}

// Coordinator is the call state machine of one room member.
type Coordinator struct {
	cfg   Config
	clock clock.WithTicker

	mu        sync.Mutex
	sess      *session
	closed    bool
	observers []func(State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator returns an idle coordinator. Missing collaborators fall back
// to real pion peers, the file media source, the wall clock and a discarding log.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.NewPeer == nil {
		cfg.NewPeer = PionFactory(nil)
	}
	if cfg.Source == nil {
		cfg.Source = media.FileSource{}
	}
	if cfg.Log == nil {
		cfg.Log = nopLog{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		clock:  cfg.Clock,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnChange registers fn to be called, outside any lock, after every state change
// and once a second while a call is active.
func (c *Coordinator) OnChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns a snapshot of the current call.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() State {
	s := c.sess
	if s == nil {
		return State{Phase: PhaseIdle}
	}
	st := State{
		CallID:    s.id,
		Phase:     s.phase,
		Kind:      s.kind,
		Direction: s.dir,
		PeerID:    s.peerID,
		PeerName:  s.peerName,
		Muted:     s.muted,
		Local:     s.local,
		Remote:    s.remote,
	}
	st.VideoEnabled = s.kind == types.CallKindVideo && !s.videoOff
	if s.phase == PhaseActive {
		st.Elapsed = c.clock.Since(s.activeSince)
	}
	return st
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	st := c.snapshotLocked()
	observers := make([]func(State), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(st)
	}
}

// StartCall places an outbound call and blocks until the offer has been sent.
// It fails with ErrAlreadyInCall when any session exists, and with
// ErrCallCanceled when the call was ended while it was being set up.
// Canceling ctx aborts media acquisition; it has no effect once the offer is out.
func (c *Coordinator) StartCall(ctx context.Context, kind types.CallKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unsupported call kind %q", kind)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sess != nil {
		c.mu.Unlock()
		return ErrAlreadyInCall
	}
	s := c.newSessionLocked(DirectionOutbound, kind)
	acquireCtx, cancel := context.WithCancel(c.ctx)
	s.cancel = cancel
	c.mu.Unlock()
	c.notify()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	logging.Info(s.ctx, "Starting call", zap.String("call_type", string(kind)))

	stream, err := c.cfg.Source.Acquire(acquireCtx, media.ConstraintsFor(kind))
	if err != nil {
		cause := CauseMediaFailed
		if ctx.Err() != nil {
			cause = CauseLocalHangup
		}
		if !c.end(s, cause, "") || ctx.Err() != nil {
			return ErrCallCanceled
		}
		logging.Warn(s.ctx, "Media acquisition failed", zap.Error(err))
		return fmt.Errorf("acquire media: %w", err)
	}

	pc, err := c.attach(s, stream)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		if !c.end(s, CauseNegotiationFailed, "") {
			return ErrCallCanceled
		}
		return fmt.Errorf("create offer: %w", err)
	}

	c.mu.Lock()
	if !c.isCurrentLocked(s) {
		c.mu.Unlock()
		return ErrCallCanceled
	}
	if err := c.emitLocked(s, types.EventOffer, types.OfferPayload{Offer: offer, CallType: kind}); err != nil {
		c.mu.Unlock()
		c.end(s, CauseNegotiationFailed, "")
		return fmt.Errorf("send offer: %w", err)
	}
	_ = c.emitLocked(s, types.EventCallStarted, types.CallStartedPayload{CallType: kind})
	c.flushLocalLocked(s)
	c.mu.Unlock()

	logging.Info(s.ctx, "Offer sent", zap.String("sdp", logging.RedactSDP(offer.SDP)))
	c.cfg.Log.AddSystemMessage(fmt.Sprintf("Started %s call", kind))
	return nil
}

// EndCall hangs up the current call from any phase.
func (c *Coordinator) EndCall() error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return ErrNotInCall
	}
	td := c.beginTeardownLocked(s, CauseLocalHangup, "")
	c.mu.Unlock()

	if td != nil {
		c.finishTeardown(td)
	}
	return nil
}

// Close ends any call as a room departure, then waits for the coordinator's
// goroutines. Later calls return ErrClosed or are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var td *teardown
	if c.sess != nil {
		td = c.beginTeardownLocked(c.sess, CauseLeftRoom, "")
	}
	c.mu.Unlock()

	if td != nil {
		c.finishTeardown(td)
	}
	c.cancel()
	c.wg.Wait()
}

// SetMuted enables or disables the local audio tracks.
func (c *Coordinator) SetMuted(muted bool) error {
	_, err := c.updateMedia(func(s *session) (bool, error) {
		return muted, c.setMutedLocked(s, muted)
	})
	return err
}

// ToggleMute flips the mute flag and returns the new value.
func (c *Coordinator) ToggleMute() (bool, error) {
	return c.updateMedia(func(s *session) (bool, error) {
		muted := !s.muted
		return muted, c.setMutedLocked(s, muted)
	})
}

// SetVideoEnabled enables or disables the local video tracks.
func (c *Coordinator) SetVideoEnabled(enabled bool) error {
	_, err := c.updateMedia(func(s *session) (bool, error) {
		return enabled, c.setVideoLocked(s, enabled)
	})
	return err
}

// ToggleVideo flips the video flag and returns whether video is now enabled.
func (c *Coordinator) ToggleVideo() (bool, error) {
	return c.updateMedia(func(s *session) (bool, error) {
		enabled := s.videoOff
		return enabled, c.setVideoLocked(s, enabled)
	})
}

// updateMedia runs fn on the live session under one lock hold, so a toggle
// reads and writes its flag atomically. Observers are notified on success.
func (c *Coordinator) updateMedia(fn func(s *session) (bool, error)) (bool, error) {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.local == nil {
		c.mu.Unlock()
		return false, ErrNotInCall
	}
	v, err := fn(s)
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	c.notify()
	return v, nil
}

func (c *Coordinator) setMutedLocked(s *session, muted bool) error {
	s.local.SetEnabled(webrtc.RTPCodecTypeAudio, !muted)
	s.muted = muted
	return nil
}

func (c *Coordinator) setVideoLocked(s *session, enabled bool) error {
	if !s.local.SetEnabled(webrtc.RTPCodecTypeVideo, enabled) {
		return ErrNoVideo
	}
	s.videoOff = !enabled
	return nil
}

func (c *Coordinator) newSessionLocked(dir Direction, kind types.CallKind) *session {
	id := uuid.NewString()
	s := &session{
		id:    id,
		ctx:   logging.WithCall(c.ctx, id),
		phase: PhaseIdle,
		kind:  kind,
		dir:   dir,
	}
	c.transitionLocked(s, PhaseAcquiringMedia)
	c.sess = s
	return s
}

func (c *Coordinator) transitionLocked(s *session, to Phase) {
	metrics.CallPhaseTransitions.WithLabelValues(s.phase.String(), to.String()).Inc()
	logging.Debug(s.ctx, "Call phase transition",
		zap.String("from", s.phase.String()),
		zap.String("to", to.String()),
		zap.String("direction", string(s.dir)),
	)
	s.phase = to
}

// isCurrentLocked reports whether s is still the live session and not ending.
func (c *Coordinator) isCurrentLocked(s *session) bool {
	return c.sess == s && s.phase != PhaseEnding
}

func (c *Coordinator) emitLocked(s *session, event types.Event, payload any) error {
	if c.cfg.Signaler == nil {
		return nil
	}
	if err := c.cfg.Signaler.Emit(event, payload); err != nil {
		logging.Warn(s.ctx, "Failed to emit call event", zap.String("event", string(event)), zap.Error(err))
		return err
	}
	return nil
}

func (c *Coordinator) peerName(id types.ClientIDType) types.DisplayNameType {
	if id == "" || c.cfg.PeerName == nil {
		return ""
	}
	return c.cfg.PeerName(id)
}
