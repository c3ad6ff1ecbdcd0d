package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// RemoteTrack is the part of *webrtc.TrackRemote the remote stream needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Read(b []byte) (int, interceptor.Attributes, error)
}

// RemoteTrackInfo describes one track delivered by the peer.
type RemoteTrackInfo struct {
	ID   string
	Kind webrtc.RTPCodecType
}

// RemoteStream collects the tracks a peer connection delivers. It is keyed by
// the first stream id seen; its readers end when the tracks stop producing.
type RemoteStream struct {
	mu      sync.RWMutex
	id      string
	tracks  []RemoteTrackInfo
	packets atomic.Uint64
	bytes   atomic.Uint64
	wg      sync.WaitGroup
	closed  bool
}

// NewRemoteStream returns an empty handle.
func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// AddTrack records track and drains its RTP until the track ends.
// It reports whether this was the first track delivered. Tracks arriving
// after Wait has been called are ignored.
func (r *RemoteStream) AddTrack(track RemoteTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	first := len(r.tracks) == 0
	if r.id == "" {
		r.id = track.StreamID()
	}
	r.tracks = append(r.tracks, RemoteTrackInfo{ID: track.ID(), Kind: track.Kind()})

	r.wg.Add(1)
	go r.drain(track)
	return first
}

func (r *RemoteStream) drain(track RemoteTrack) {
	defer r.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			logging.Debug(context.Background(), "Remote track ended", zap.String("track_id", track.ID()), zap.Error(err))
			return
		}
		r.packets.Add(1)
		r.bytes.Add(uint64(n))
	}
}

// Wait closes the stream to new tracks and blocks until every reader has
// returned.
func (r *RemoteStream) Wait() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *RemoteStream) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// Tracks returns a copy of the delivered tracks.
func (r *RemoteStream) Tracks() []RemoteTrackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemoteTrackInfo, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// HasKind reports whether a track of kind was delivered.
func (r *RemoteStream) HasKind(kind webrtc.RTPCodecType) bool {
	for _, t := range r.Tracks() {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// Stats returns the packet and byte counts received so far.
func (r *RemoteStream) Stats() (packets, bytes uint64) {
	return r.packets.Load(), r.bytes.Load()
}
