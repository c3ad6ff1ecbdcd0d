// Package media holds the local capture handle of a call: the constraints a
// call asks for, the tracks a Source produces for them and the pumps that feed
// samples into pion tracks.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

var (
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrPermissionDenied  = errors.New("media permission denied")
)

// VideoConstraints mirrors the browser's video track constraints.
type VideoConstraints struct {
	IdealWidth  int
	IdealHeight int
}

// AudioConstraints mirrors the browser's audio track constraints.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Constraints mirrors getUserMedia's argument. A nil member means "not requested".
type Constraints struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// ConstraintsFor returns what a call of the given kind asks the device for.
func ConstraintsFor(kind types.CallKind) Constraints {
	c := Constraints{
		Audio: &AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
	if kind == types.CallKindVideo {
		c.Video = &VideoConstraints{IdealWidth: 1280, IdealHeight: 720}
	}
	return c
}

// Source acquires local media. Acquire may block (a real device prompts for
// permission) and must honor ctx cancellation.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// SampleReader yields encoded media samples for one track.
type SampleReader interface {
	NextSample() (pionmedia.Sample, error)
	Close() error
}

// Track is one local capture track backed by a pion sample track.
type Track struct {
	local  *webrtc.TrackLocalStaticSample
	kind   webrtc.RTPCodecType
	reader SampleReader

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTrack creates a track for the codec and starts pumping samples from reader.
func NewTrack(capability webrtc.RTPCodecCapability, streamID string, reader SampleReader) (*Track, error) {
	kind := webrtc.RTPCodecTypeAudio
	if capability.MimeType == webrtc.MimeTypeVP8 || capability.MimeType == webrtc.MimeTypeVP9 || capability.MimeType == webrtc.MimeTypeH264 {
		kind = webrtc.RTPCodecTypeVideo
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Track{
		local:  local,
		kind:   kind,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump(ctx)
	return t, nil
}

func (t *Track) ID() string { return t.local.ID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }
func (t *Track) Enabled() bool { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stop ends the pump and releases the reader. Safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.cancel()
		<-t.done
		if err := t.reader.Close(); err != nil {
			logging.Warn(context.Background(), "Failed to close sample reader", zap.String("track_id", t.ID()), zap.Error(err))
		}
	})
}

// pump writes one sample per sample duration. Disabled tracks keep reading so
// they stay in sync, but nothing is written.
func (t *Track) pump(ctx context.Context) {
	defer close(t.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sample, err := t.reader.NextSample()
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn(ctx, "Sample reader stopped", zap.String("track_id", t.ID()), zap.Error(err))
			}
			return
		}

		if t.enabled.Load() {
			if err := t.local.WriteSample(sample); err != nil && ctx.Err() == nil {
				logging.Debug(ctx, "Dropped sample", zap.String("track_id", t.ID()), zap.Error(err))
			}
		}

		wait := sample.Duration
		if wait <= 0 {
			wait = 20 * time.Millisecond
		}
		timer.Reset(wait)
	}
}

// Stream is the local media handle of a call.
type Stream struct {
	id       string
	tracks   []*Track
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewStream groups tracks under one stream id.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns every track of the stream.
func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TracksOf returns the tracks of one kind.
func (s *Stream) TracksOf(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetEnabled toggles every track of one kind and reports whether any exists.
func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	tracks := s.TracksOf(kind)
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return len(tracks) > 0
}

// Stop stops every track. Only the first call does any work; it reports
// whether this call was the one that released the tracks.
func (s *Stream) Stop() bool {
	released := false
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		s.stopped.Store(true)
		released = true
	})
	return released
}

func (s *Stream) Stopped() bool { return s.stopped.Load() }
