// Package audio captures the local microphone onto a WebRTC track.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/sjawhar/ghost-voice/internal/rtc"
)

const (
	// TrackRate is the G.711 clock rate the outbound track runs at.
	TrackRate     = 8000
	frameDuration = 20 * time.Millisecond
	trackFrames   = TrackRate / 50
)

// DefaultSampleRates are tried in order when opening the device. Each is a
// multiple of TrackRate so frames can be decimated.
var DefaultSampleRates = []int{8000, 16000, 48000, 24000, 32000}

// source is one open capture device.
type source interface {
	Start() error
	Read() ([]int16, error)
	Stop() error
	Close() error
}

// Capture opens the microphone for each session and streams it as PCMU.
type Capture struct {
	rates []int
	open  func(sampleRate, framesPerBuffer int) (source, error)
}

func NewCapture(rates []int) *Capture {
	if len(rates) == 0 {
		rates = DefaultSampleRates
	}
	return &Capture{
		rates: rates,
		open: func(sampleRate, framesPerBuffer int) (source, error) {
			return NewMic(sampleRate, framesPerBuffer)
		},
	}
}

func (c *Capture) Capture(ctx context.Context) (rtc.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: TrackRate, Channels: 1},
		"audio", "ghost-voice-mic",
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	var errs []error
	for _, rate := range c.rates {
		if rate <= 0 || rate%TrackRate != 0 {
			continue
		}
		factor := rate / TrackRate
		src, err := c.open(rate, trackFrames*factor)
		if err != nil {
			errs = append(errs, fmt.Errorf("%d Hz: %w", rate, err))
			continue
		}
		if err := src.Start(); err != nil {
			_ = src.Close()
			errs = append(errs, fmt.Errorf("start at %d Hz: %w", rate, err))
			continue
		}

		slog.Info("microphone started", "sample_rate", rate)
		s := &micStream{track: track, src: src, factor: factor, done: make(chan struct{})}
		go s.pump()
		return s, nil
	}

	if len(errs) == 0 {
		return nil, errors.New("no usable sample rate configured")
	}
	return nil, errors.Join(errs...)
}

type micStream struct {
	track  *webrtc.TrackLocalStaticSample
	src    source
	factor int

	stopped  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func (s *micStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *micStream) pump() {
	defer close(s.done)

	frame := make([]int16, 0, trackFrames)
	payload := make([]byte, 0, trackFrames)
	for !s.stopped.Load() {
		pcm, err := s.src.Read()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				slog.Warn("mic input overflow, dropping frame")
				continue
			}
			if !s.stopped.Load() {
				slog.Error("mic read failed", "error", err)
			}
			return
		}

		frame = decimate(frame, pcm, s.factor)
		payload = EncodeMuLaw(payload[:0], frame)
		if err := s.track.WriteSample(media.Sample{Data: payload, Duration: frameDuration}); err != nil {
			slog.Debug("write sample", "error", err)
		}
	}
}

// Stop ends capture and releases the device. The pump finishes its current
// frame first, which takes at most one frame duration.
func (s *micStream) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		<-s.done
		s.stopErr = errors.Join(s.src.Stop(), s.src.Close())
	})
	return s.stopErr
}
