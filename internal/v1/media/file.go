package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusSampleRate    = 48000
)

var (
	OpusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2}
	VP8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// opusSilence is a single 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FileSource stands in for a camera and microphone by looping media files.
// VideoPath must point at a VP8 IVF file, AudioPath at an Ogg Opus file.
// Without an AudioPath the microphone sends silence; without a VideoPath
// there is no camera and video requests fail with ErrDeviceUnavailable.
type FileSource struct {
	AudioPath string
	VideoPath string
}

// Acquire opens a reader per requested track and starts its pump.
func (s FileSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if c.Audio == nil && c.Video == nil {
		return nil, fmt.Errorf("%w: no tracks requested", ErrDeviceUnavailable)
	}
	if c.Video != nil && s.VideoPath == "" {
		return nil, fmt.Errorf("%w: no video source configured", ErrDeviceUnavailable)
	}

	streamID := uuid.NewString()
	var tracks []*Track
	fail := func(err error) (*Stream, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	if c.Audio != nil {
		var reader SampleReader = &silenceReader{}
		if s.AudioPath != "" {
			r, err := OpenOgg(s.AudioPath)
			if err != nil {
				return fail(err)
			}
			reader = r
		}
		t, err := NewTrack(OpusCapability, streamID, reader)
		if err != nil {
			_ = reader.Close()
			return fail(err)
		}
		tracks = append(tracks, t)
	}

	if c.Video != nil {
		r, err := OpenIVF(s.VideoPath)
		if err != nil {
			return fail(err)
		}
		t, err := NewTrack(VP8Capability, streamID, r)
		if err != nil {
			_ = r.Close()
			return fail(err)
		}
		tracks = append(tracks, t)
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	return NewStream(streamID, tracks...), nil
}

// silenceReader produces Opus silence forever.
type silenceReader struct{}

func (silenceReader) NextSample() (pionmedia.Sample, error) {
	return pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}, nil
}

func (silenceReader) Close() error { return nil }

// oggReader loops the Opus pages of an Ogg file.
type oggReader struct {
	file        io.ReadSeekCloser
	ogg         *oggreader.OggReader
	lastGranule uint64
}

// OpenOgg opens an Ogg Opus file as a looping sample reader.
func OpenOgg(path string) (SampleReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	r, err := newOggReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newOggReader(f io.ReadSeekCloser) (*oggReader, error) {
	r := &oggReader{file: f}
	if err := r.rewind(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *oggReader) rewind() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind ogg: %w", err)
	}
	ogg, _, err := oggreader.NewWith(r.file)
	if err != nil {
		return fmt.Errorf("%w: not an ogg opus file: %v", ErrDeviceUnavailable, err)
	}
	r.ogg = ogg
	r.lastGranule = 0
	return nil
}

func (r *oggReader) NextSample() (pionmedia.Sample, error) {
	for attempt := 0; attempt < 2; attempt++ {
		for {
			page, header, err := r.ogg.ParseNextPage()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return pionmedia.Sample{}, fmt.Errorf("read ogg page: %w", err)
			}
			// The comment header is not audio.
			if bytes.HasPrefix(page, []byte("OpusTags")) {
				continue
			}

			samples := header.GranulePosition - r.lastGranule
			r.lastGranule = header.GranulePosition
			d := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
			if d <= 0 {
				d = opusFrameDuration
			}
			return pionmedia.Sample{Data: page, Duration: d}, nil
		}
		if err := r.rewind(); err != nil {
			return pionmedia.Sample{}, err
		}
	}
	return pionmedia.Sample{}, fmt.Errorf("%w: ogg file has no audio pages", ErrDeviceUnavailable)
}

func (r *oggReader) Close() error { return r.file.Close() }

// ivfReader loops the VP8 frames of an IVF file.
type ivfReader struct {
	file     io.ReadSeekCloser
	ivf      *ivfreader.IVFReader
	interval time.Duration
}

// OpenIVF opens a VP8 IVF file as a looping sample reader.
func OpenIVF(path string) (SampleReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	r, err := newIVFReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newIVFReader(f io.ReadSeekCloser) (*ivfReader, error) {
	r := &ivfReader{file: f}
	if err := r.rewind(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ivfReader) rewind() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind ivf: %w", err)
	}
	ivf, header, err := ivfreader.NewWith(r.file)
	if err != nil {
		return fmt.Errorf("%w: not an ivf file: %v", ErrDeviceUnavailable, err)
	}
	if header.FourCC != "VP80" {
		return fmt.Errorf("%w: unsupported ivf codec %q", ErrDeviceUnavailable, header.FourCC)
	}
	r.ivf = ivf
	r.interval = 33 * time.Millisecond
	if header.TimebaseDenominator > 0 {
		r.interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return nil
}

func (r *ivfReader) NextSample() (pionmedia.Sample, error) {
	for attempt := 0; attempt < 2; attempt++ {
		frame, _, err := r.ivf.ParseNextFrame()
		if err == nil {
			return pionmedia.Sample{Data: frame, Duration: r.interval}, nil
		}
		if !errors.Is(err, io.EOF) {
			return pionmedia.Sample{}, fmt.Errorf("read ivf frame: %w", err)
		}
		if err := r.rewind(); err != nil {
			return pionmedia.Sample{}, err
		}
	}
	return pionmedia.Sample{}, fmt.Errorf("%w: ivf file has no frames", ErrDeviceUnavailable)
}

func (r *ivfReader) Close() error { return r.file.Close() }
