package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/sjawhar/ghost-voice/internal/rtc"
)

// sink is one open playback device.
type sink interface {
	Start() error
	Write(pcm []int16) error
	Stop() error
	Close() error
}

// Player plays the assistant's PCMU track on the default output device.
// Tracks in any other codec are drained without playback.
type Player struct {
	rates []int
	open  func(sampleRate, framesPerBuffer int) (sink, error)

	wg sync.WaitGroup
}

func NewPlayer(rates []int) *Player {
	if len(rates) == 0 {
		rates = DefaultSampleRates
	}
	return &Player{
		rates: rates,
		open: func(sampleRate, framesPerBuffer int) (sink, error) {
			return NewSpeaker(sampleRate, framesPerBuffer)
		},
	}
}

var _ rtc.TrackSink = (*Player)(nil)

// HandleTrack plays track until it ends. It returns immediately.
func (p *Player) HandleTrack(track rtc.RemoteTrack) {
	slog.Info("remote track received", "id", track.ID(), "codec", track.MimeType())
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if !strings.EqualFold(track.MimeType(), webrtc.MimeTypePCMU) {
			slog.Warn("remote track codec not playable, discarding", "id", track.ID(), "codec", track.MimeType())
			_, _ = io.Copy(io.Discard, track)
			return
		}

		out, factor, err := p.openSink()
		if err != nil {
			slog.Error("speaker unavailable, discarding remote audio", "error", err)
			_, _ = io.Copy(io.Discard, track)
			return
		}
		defer func() {
			if err := errors.Join(out.Stop(), out.Close()); err != nil {
				slog.Debug("close speaker", "error", err)
			}
		}()

		err = play(track, out, factor)
		slog.Debug("remote track ended", "id", track.ID(), "error", err)
	}()
}

// Wait blocks until every track handed to the player has ended.
func (p *Player) Wait() { p.wg.Wait() }

func (p *Player) openSink() (sink, int, error) {
	var errs []error
	for _, rate := range p.rates {
		if rate <= 0 || rate%TrackRate != 0 {
			continue
		}
		factor := rate / TrackRate
		out, err := p.open(rate, trackFrames*factor)
		if err != nil {
			errs = append(errs, fmt.Errorf("%d Hz: %w", rate, err))
			continue
		}
		if err := out.Start(); err != nil {
			_ = out.Close()
			errs = append(errs, fmt.Errorf("start at %d Hz: %w", rate, err))
			continue
		}
		slog.Info("speaker started", "sample_rate", rate)
		return out, factor, nil
	}
	if len(errs) == 0 {
		return nil, 0, errors.New("no usable sample rate configured")
	}
	return nil, 0, errors.Join(errs...)
}

// play decodes payloads from track and writes them to out one device buffer
// at a time. A trailing partial buffer is padded with silence.
func play(track io.Reader, out sink, factor int) error {
	size := trackFrames * factor
	packet := make([]byte, 1500)
	var decoded, pending []int16
	for {
		n, err := track.Read(packet)
		if n > 0 {
			decoded = DecodeMuLaw(decoded[:0], packet[:n])
			pending = upsample(pending, decoded, factor)
			for len(pending) >= size {
				if werr := out.Write(pending[:size]); werr != nil {
					return fmt.Errorf("speaker write: %w", werr)
				}
				pending = append(pending[:0], pending[size:]...)
			}
		}
		if err != nil {
			if len(pending) > 0 {
				pending = append(pending, make([]int16, size-len(pending))...)
				_ = out.Write(pending)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
