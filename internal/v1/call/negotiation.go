package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/media"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// HandleOffer reacts to an inbound offer. While any session exists the offer
// is declined right away with an end-call carrying reason "busy"; otherwise
// media is acquired and an answer is sent from a background goroutine.
func (c *Coordinator) HandleOffer(p types.OfferPayload) {
	kind := types.ParseCallKind(string(p.CallType))
	name := p.Username
	if name == "" {
		name = c.peerName(p.From)
	}
	if name == "" {
		name = "Unknown"
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.sess != nil {
		busy := c.sess
		_ = c.emitLocked(busy, types.EventEndCall, types.EndCallPayload{Reason: types.EndReasonBusy, Target: p.From})
		c.mu.Unlock()

		logging.Info(busy.ctx, "Declined incoming call while busy", zap.String("from", string(p.From)))
		metrics.CallsTotal.WithLabelValues(string(DirectionInbound), "busy").Inc()
		c.cfg.Log.AddSystemMessage(fmt.Sprintf("Missed %s call from %s (busy)", kind, name))
		return
	}

	s := c.newSessionLocked(DirectionInbound, kind)
	s.peerID = p.From
	s.peerName = name
	acquireCtx, cancel := context.WithCancel(c.ctx)
	s.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()
	c.notify()

	logging.Info(s.ctx, "Incoming call", zap.String("from", string(p.From)), zap.String("call_type", string(kind)))
	go func() {
		defer c.wg.Done()
		c.answer(acquireCtx, s, p.Offer)
	}()
}

// answer runs the inbound side: acquire, construct, apply the offer, answer.
func (c *Coordinator) answer(ctx context.Context, s *session, offer webrtc.SessionDescription) {
	stream, err := c.cfg.Source.Acquire(ctx, media.ConstraintsFor(s.kind))
	if err != nil {
		if c.end(s, CauseMediaFailed, "") {
			logging.Warn(s.ctx, "Media acquisition failed", zap.Error(err))
		}
		return
	}

	pc, err := c.attach(s, stream)
	if err != nil {
		return
	}

	if err := c.applyRemoteDescription(s, pc, offer); err != nil {
		if !errors.Is(err, ErrCallCanceled) {
			logging.Warn(s.ctx, "Failed to apply offer", zap.Error(err))
			c.end(s, CauseNegotiationFailed, "")
		}
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		logging.Warn(s.ctx, "Failed to create answer", zap.Error(err))
		c.end(s, CauseNegotiationFailed, "")
		return
	}

	c.mu.Lock()
	if !c.isCurrentLocked(s) {
		c.mu.Unlock()
		return
	}
	if err := c.emitLocked(s, types.EventAnswer, types.AnswerPayload{Answer: answer}); err != nil {
		c.mu.Unlock()
		c.end(s, CauseNegotiationFailed, "")
		return
	}
	c.flushLocalLocked(s)
	name := s.peerName
	c.mu.Unlock()

	logging.Info(s.ctx, "Answer sent", zap.String("sdp", logging.RedactSDP(answer.SDP)))
	c.cfg.Log.AddSystemMessage(fmt.Sprintf("Incoming %s call from %s", s.kind, name))
}

// HandleAnswer applies the first answer to an outbound offer. Answers from
// other peers that arrive later are told to hang up.
func (c *Coordinator) HandleAnswer(p types.AnswerPayload) {
	name := c.peerName(p.From)

	c.mu.Lock()
	s := c.sess
	if s == nil || s.phase != PhaseNegotiating || s.dir != DirectionOutbound || !s.descSent {
		c.mu.Unlock()
		logging.Debug(context.Background(), "Ignoring answer without pending offer", zap.String("from", string(p.From)))
		return
	}
	if s.answered {
		if p.From != "" && p.From != s.peerID {
			_ = c.emitLocked(s, types.EventEndCall, types.EndCallPayload{Reason: types.EndReasonHangup, Target: p.From})
		}
		c.mu.Unlock()
		return
	}
	s.answered = true
	if p.From != "" {
		s.peerID = p.From
		s.peerName = name
	}
	pc := s.pc
	c.mu.Unlock()
	c.notify()

	if err := c.applyRemoteDescription(s, pc, p.Answer); err != nil && !errors.Is(err, ErrCallCanceled) {
		logging.Warn(s.ctx, "Failed to apply answer", zap.Error(err))
		c.end(s, CauseNegotiationFailed, "")
	}
}

// HandleRemoteCandidate applies a trickled candidate, buffering it until the
// remote description is set. Candidates with no live session are dropped.
// An inbound session still acquiring media has no peer connection yet, but
// its candidates are buffered as well: the caller starts trickling as soon as
// its offer is out, and they are applied right after the offer.
func (c *Coordinator) HandleRemoteCandidate(p types.ICECandidatePayload) {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.phase == PhaseEnding {
		c.mu.Unlock()
		metrics.ICECandidates.WithLabelValues("remote", "dropped").Inc()
		return
	}
	if !samePeer(s, p.From) {
		c.mu.Unlock()
		metrics.ICECandidates.WithLabelValues("remote", "ignored").Inc()
		return
	}
	if s.pc == nil || !s.remoteSet {
		if len(s.pendingRemote) >= maxPendingCandidates {
			c.mu.Unlock()
			logging.Warn(s.ctx, "Remote candidate buffer full, dropping candidate")
			metrics.ICECandidates.WithLabelValues("remote", "dropped").Inc()
			return
		}
		s.pendingRemote = append(s.pendingRemote, remoteCandidate{from: p.From, init: p.Candidate})
		c.mu.Unlock()
		metrics.ICECandidates.WithLabelValues("remote", "buffered").Inc()
		return
	}
	pc := s.pc
	c.mu.Unlock()

	c.applyRemoteCandidate(s, pc, p.Candidate)
}

// HandleRemoteEnd reacts to call-ended. A busy decline only ends an outbound
// call nobody has answered yet.
func (c *Coordinator) HandleRemoteEnd(p types.CallEndedPayload) {
	fallback := c.peerName(p.From)

	c.mu.Lock()
	s := c.sess
	if s == nil || s.phase == PhaseEnding {
		c.mu.Unlock()
		return
	}
	if !samePeer(s, p.From) {
		c.mu.Unlock()
		logging.Debug(s.ctx, "Ignoring call-ended from another peer", zap.String("from", string(p.From)))
		return
	}

	cause := CauseRemoteHangup
	name := p.Username
	if p.Reason == types.EndReasonBusy {
		if s.dir != DirectionOutbound || s.answered {
			c.mu.Unlock()
			return
		}
		cause = CauseDeclined
		if name == "" {
			name = fallback
		}
	}
	td := c.beginTeardownLocked(s, cause, name)
	c.mu.Unlock()

	if td != nil {
		c.finishTeardown(td)
	}
}

// attach builds the peer connection around an acquired stream and moves the
// session to Negotiating. The stream is released on every failure path.
func (c *Coordinator) attach(s *session, stream *media.Stream) (PeerConnection, error) {
	pc, remote, err := c.buildPeer(s, stream)
	if err != nil {
		stream.Stop()
		if !c.end(s, CauseNegotiationFailed, "") {
			return nil, ErrCallCanceled
		}
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c.mu.Lock()
	if !c.isCurrentLocked(s) || s.phase != PhaseAcquiringMedia {
		c.mu.Unlock()
		if err := pc.Close(); err != nil {
			logging.Warn(s.ctx, "Failed to close stale peer connection", zap.Error(err))
		}
		stream.Stop()
		return nil, ErrCallCanceled
	}
	s.local, s.remote, s.pc = stream, remote, pc
	c.transitionLocked(s, PhaseNegotiating)
	c.mu.Unlock()
	c.notify()
	return pc, nil
}

func (c *Coordinator) buildPeer(s *session, stream *media.Stream) (PeerConnection, *media.RemoteStream, error) {
	pc, err := c.cfg.NewPeer(c.cfg.WebRTC)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range stream.Tracks() {
		if _, err := pc.AddTrack(t.Local()); err != nil {
			_ = pc.Close()
			return nil, nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	remote := media.NewRemoteStream()
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.onLocalCandidate(s, cand)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.onConnectionState(s, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.AddTrack(track) {
			logging.Info(s.ctx, "Remote stream delivered", zap.String("stream_id", track.StreamID()))
		}
		c.notify()
	})
	return pc, remote, nil
}

func (c *Coordinator) applyRemoteDescription(s *session, pc PeerConnection, desc webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.isCurrentLocked(s) {
		c.mu.Unlock()
		return ErrCallCanceled
	}
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	c.mu.Unlock()

	for _, rc := range pending {
		c.mu.Lock()
		ok := samePeer(s, rc.from)
		c.mu.Unlock()
		if !ok {
			metrics.ICECandidates.WithLabelValues("remote", "ignored").Inc()
			continue
		}
		c.applyRemoteCandidate(s, pc, rc.init)
	}
	return nil
}

func (c *Coordinator) applyRemoteCandidate(s *session, pc PeerConnection, init webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(init); err != nil {
		logging.Warn(s.ctx, "Failed to add remote candidate", zap.Error(err))
		metrics.ICECandidates.WithLabelValues("remote", "failed").Inc()
		return
	}
	metrics.ICECandidates.WithLabelValues("remote", "applied").Inc()
}

func (c *Coordinator) onLocalCandidate(s *session, cand *webrtc.ICECandidate) {
	if cand == nil {
		return
	}
	init := cand.ToJSON()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(s) {
		metrics.ICECandidates.WithLabelValues("local", "dropped").Inc()
		return
	}
	if !s.descSent {
		s.pendingLocal = append(s.pendingLocal, init)
		metrics.ICECandidates.WithLabelValues("local", "buffered").Inc()
		return
	}
	c.sendCandidateLocked(s, init)
}

// flushLocalLocked marks the local description as sent and releases the
// candidates gathered before it.
func (c *Coordinator) flushLocalLocked(s *session) {
	s.descSent = true
	for _, init := range s.pendingLocal {
		c.sendCandidateLocked(s, init)
	}
	s.pendingLocal = nil
}

func (c *Coordinator) sendCandidateLocked(s *session, init webrtc.ICECandidateInit) {
	if err := c.emitLocked(s, types.EventICECandidate, types.ICECandidatePayload{Candidate: init}); err != nil {
		metrics.ICECandidates.WithLabelValues("local", "failed").Inc()
		return
	}
	metrics.ICECandidates.WithLabelValues("local", "sent").Inc()
}

func (c *Coordinator) onConnectionState(s *session, state webrtc.PeerConnectionState) {
	logging.Debug(s.ctx, "Peer connection state", zap.String("state", state.String()))

	c.mu.Lock()
	if !c.isCurrentLocked(s) {
		c.mu.Unlock()
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.phase != PhaseNegotiating {
			c.mu.Unlock()
			return
		}
		c.transitionLocked(s, PhaseActive)
		s.activeSince = c.clock.Now()
		s.stopTicker = make(chan struct{})
		ticker := c.clock.NewTicker(time.Second)
		stop := s.stopTicker
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			c.tick(ticker.C(), ticker.Stop, stop)
		}()
		logging.Info(s.ctx, "Call connected")
		c.notify()

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		td := c.beginTeardownLocked(s, CauseConnectionLost, "")
		if td != nil {
			// pion must not be closed from inside its own callback.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.finishTeardown(td)
			}()
		}
		c.mu.Unlock()

	default:
		c.mu.Unlock()
	}
}

// tick refreshes observers once a second so the call timer can be redrawn.
func (c *Coordinator) tick(ticks <-chan time.Time, stopTicker func(), stop <-chan struct{}) {
	defer stopTicker()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticks:
			c.notify()
		}
	}
}

// samePeer is true unless both ids are known and differ.
func samePeer(s *session, from types.ClientIDType) bool {
	return s.peerID == "" || from == "" || from == s.peerID
}
