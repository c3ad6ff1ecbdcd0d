package call

import (
	"fmt"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/media"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"go.uber.org/zap"
)

// teardown carries the resources a session owned at the moment it started ending.
type teardown struct {
	s      *session
	cause  Cause
	by     types.DisplayNameType
	pc     PeerConnection
	local  *media.Stream
	remote *media.RemoteStream
	cancel func()
	stop   chan struct{}

	wasActive bool
	elapsed   time.Duration
}

// end runs the full teardown of s. It returns false when s was no longer the
// live session, in which case someone else already ended it.
func (c *Coordinator) end(s *session, cause Cause, by types.DisplayNameType) bool {
	c.mu.Lock()
	td := c.beginTeardownLocked(s, cause, by)
	c.mu.Unlock()

	if td == nil {
		return false
	}
	c.finishTeardown(td)
	return true
}

// beginTeardownLocked moves s to Ending, tells the peer when it should know,
// and detaches every resource. It returns nil if s is not the live session
// or is already ending, which is what makes teardown idempotent.
func (c *Coordinator) beginTeardownLocked(s *session, cause Cause, by types.DisplayNameType) *teardown {
	if c.sess != s || s.phase == PhaseEnding {
		return nil
	}

	td := &teardown{
		s:         s,
		cause:     cause,
		by:        by,
		pc:        s.pc,
		local:     s.local,
		remote:    s.remote,
		cancel:    s.cancel,
		stop:      s.stopTicker,
		wasActive: s.phase == PhaseActive,
	}
	if td.wasActive {
		td.elapsed = c.clock.Since(s.activeSince)
	}

	c.transitionLocked(s, PhaseEnding)
	if reason, ok := endReasonFor(s, cause); ok {
		_ = c.emitLocked(s, types.EventEndCall, types.EndCallPayload{Reason: reason, Target: s.peerID})
	}

	s.pc, s.local, s.remote = nil, nil, nil
	s.cancel, s.stopTicker = nil, nil
	s.pendingLocal, s.pendingRemote = nil, nil
	return td
}

// finishTeardown releases the detached resources exactly once, then returns
// the coordinator to Idle and writes the system messages.
func (c *Coordinator) finishTeardown(td *teardown) {
	s := td.s
	if td.cancel != nil {
		td.cancel()
	}
	if td.stop != nil {
		close(td.stop)
	}
	if td.pc != nil {
		if err := td.pc.Close(); err != nil {
			logging.Warn(s.ctx, "Failed to close peer connection", zap.Error(err))
		}
	}
	if td.local != nil {
		td.local.Stop()
	}
	if td.remote != nil {
		td.remote.Wait()
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.transitionLocked(s, PhaseIdle)
	c.mu.Unlock()

	metrics.CallsTotal.WithLabelValues(string(s.dir), td.cause.String()).Inc()
	if td.wasActive {
		metrics.CallDuration.Observe(td.elapsed.Seconds())
	}
	logging.Info(s.ctx, "Call ended",
		zap.String("cause", td.cause.String()),
		zap.Duration("duration", td.elapsed),
	)

	for _, msg := range td.messages() {
		c.cfg.Log.AddSystemMessage(msg)
	}
	c.notify()
}

func (td *teardown) messages() []string {
	switch td.cause {
	case CauseMediaFailed:
		return []string{"Could not access media devices"}
	case CauseDeclined:
		name := td.by
		if name == "" {
			name = "User"
		}
		return []string{fmt.Sprintf("%s is busy", name)}
	case CauseRemoteHangup:
		if td.by != "" {
			return []string{"Call ended", fmt.Sprintf("Call was ended by %s", td.by)}
		}
	}
	return []string{"Call ended"}
}

// endReasonFor decides whether the peer must be told the call is over.
// A peer only knows about the call once an offer or answer has gone out, or
// when it is the one waiting for our answer.
func endReasonFor(s *session, cause Cause) (types.EndReason, bool) {
	peerKnows := s.descSent || s.dir == DirectionInbound
	switch cause {
	case CauseLocalHangup:
		return types.EndReasonHangup, peerKnows
	case CauseLeftRoom:
		return types.EndReasonLeft, peerKnows
	case CauseConnectionLost:
		return types.EndReasonConnection, peerKnows
	case CauseMediaFailed, CauseNegotiationFailed:
		if s.dir == DirectionInbound {
			return types.EndReasonUnavailable, true
		}
		return types.EndReasonHangup, s.descSent
	default:
		return "", false
	}
}
