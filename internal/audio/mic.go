package audio

import (
	"github.com/gordonklaus/portaudio"
)

// Mic wraps a PortAudio capture stream with a fixed buffer size.
type Mic struct {
	stream *portaudio.Stream
	buf    []int16
}

// NewMic opens a mono PortAudio capture stream with the given sample rate and
// buffer size (in frames).
func NewMic(sampleRate, framesPerBuffer int) (*Mic, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Mic{stream: stream, buf: buf}, nil
}

func (m *Mic) Start() error { return m.stream.Start() }
func (m *Mic) Stop() error  { return m.stream.Stop() }
func (m *Mic) Close() error { return m.stream.Close() }

// Read blocks for one buffer of samples. The returned slice is reused by the
// next call.
func (m *Mic) Read() ([]int16, error) {
	if err := m.stream.Read(); err != nil {
		return nil, err
	}
	return m.buf, nil
}

// Speaker wraps a PortAudio playback stream with a fixed buffer size.
type Speaker struct {
	stream *portaudio.Stream
	buf    []int16
}

// NewSpeaker opens a mono PortAudio playback stream.
func NewSpeaker(sampleRate, framesPerBuffer int) (*Speaker, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Speaker{stream: stream, buf: buf}, nil
}

func (s *Speaker) Start() error { return s.stream.Start() }
func (s *Speaker) Stop() error  { return s.stream.Stop() }
func (s *Speaker) Close() error { return s.stream.Close() }

// Write blocks until one buffer of samples is queued. pcm must hold exactly
// one buffer.
func (s *Speaker) Write(pcm []int16) error {
	copy(s.buf, pcm)
	return s.stream.Write()
}

// Initialize and Terminate bracket all PortAudio use in the process.
func Initialize() error { return portaudio.Initialize() }
func Terminate() error  { return portaudio.Terminate() }
