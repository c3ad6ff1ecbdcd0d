package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/media"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

// relay plays the signaling server between two coordinators: it stamps the
// sender onto each event and delivers it to the other side on its own
// goroutine, in emission order.
type relay struct {
	fromID   types.ClientIDType
	fromName types.DisplayNameType
	to       *Coordinator

	mu     sync.Mutex
	closed bool
	queue  chan emitted
	done   chan struct{}
}

func newRelay(fromID types.ClientIDType, fromName types.DisplayNameType) *relay {
	return &relay{
		fromID:   fromID,
		fromName: fromName,
		queue:    make(chan emitted, 256),
		done:     make(chan struct{}),
	}
}

func (r *relay) Emit(event types.Event, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.queue <- emitted{Event: event, Payload: payload}
	return nil
}

func (r *relay) run() {
	defer close(r.done)
	for ev := range r.queue {
		switch p := ev.Payload.(type) {
		case types.OfferPayload:
			p.From, p.Username = r.fromID, r.fromName
			r.to.HandleOffer(p)
		case types.AnswerPayload:
			p.From = r.fromID
			r.to.HandleAnswer(p)
		case types.ICECandidatePayload:
			p.From = r.fromID
			r.to.HandleRemoteCandidate(p)
		case types.EndCallPayload:
			r.to.HandleRemoteEnd(types.CallEndedPayload{Username: r.fromName, From: r.fromID, Reason: p.Reason})
		}
	}
}

func (r *relay) stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

type loopbackPeer struct {
	c   *Coordinator
	log *RecordingLog
	out *relay
}

func newLoopbackPeer(id types.ClientIDType, name types.DisplayNameType) *loopbackPeer {
	p := &loopbackPeer{log: &RecordingLog{}, out: newRelay(id, name)}
	p.c = NewCoordinator(Config{
		Signaler: p.out,
		Source:   media.FileSource{},
		NewPeer:  PionFactory(nil),
		WebRTC:   webrtc.Configuration{},
		Log:      p.log,
		Clock:    clock.RealClock{},
	})
	return p
}

func TestLoopback_AudioCallReachesActiveOnBothSides(t *testing.T) {
	alice := newLoopbackPeer("alice-id", "alice")
	bob := newLoopbackPeer("bob-id", "bob")
	alice.out.to, bob.out.to = bob.c, alice.c
	go alice.out.run()
	go bob.out.run()
	t.Cleanup(func() {
		alice.c.Close()
		bob.c.Close()
		alice.out.stop()
		bob.out.stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, alice.c.StartCall(ctx, types.CallKindAudio))

	connected := func() bool {
		return alice.c.State().Phase == PhaseActive && bob.c.State().Phase == PhaseActive
	}
	require.Eventually(t, connected, 10*time.Second, 20*time.Millisecond)

	bobSide := bob.c.State()
	assert.Equal(t, DirectionInbound, bobSide.Direction)
	assert.Equal(t, types.ClientIDType("alice-id"), bobSide.PeerID)
	assert.Equal(t, types.CallKindAudio, bobSide.Kind)
	assert.Eventually(t, func() bool {
		r := bob.c.State().Remote
		return r != nil && r.HasKind(webrtc.RTPCodecTypeAudio)
	}, 10*time.Second, 20*time.Millisecond, "alice's silence track reaches bob")

	require.NoError(t, alice.c.EndCall())
	assert.Equal(t, PhaseIdle, alice.c.State().Phase)
	require.Eventually(t, func() bool { return bob.c.State().Phase == PhaseIdle }, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"Started audio call", "Call ended"}, alice.log.messages())
	require.Eventually(t, func() bool { return len(bob.log.messages()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"Incoming audio call from alice", "Call ended", "Call was ended by alice"}, bob.log.messages())
}
