// Package rtc negotiates realtime voice sessions over WebRTC and feeds the
// event channel into the transcript engine.
package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sjawhar/ghost-voice/internal/classify"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

// Config wires a Negotiator to its collaborators. Credentials, Media and
// Answerer are required.
type Config struct {
	Credentials CredentialSource
	Media       MediaSource
	Answerer    Answerer
	NewPeer     func() (Peer, error)
	Tracks      TrackSink

	Observer    Observer
	Renderer    transcript.Renderer
	Diagnostics DiagnosticSink

	// Classifier is optional; without it lines are never tagged.
	Classifier transcript.Classifier
	Vocabulary classify.Vocabulary
	Debounce   time.Duration
	Throttle   transcript.ThrottleConfig
}

// Status is a point-in-time view of the current session.
type Status struct {
	SessionID string `json:"session_id,omitempty"`
	State     State  `json:"state"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Negotiator runs at most one session at a time.
type Negotiator struct {
	cfg Config

	mu      sync.Mutex
	current *Session
}

func NewNegotiator(cfg Config) (*Negotiator, error) {
	if cfg.Credentials == nil || cfg.Media == nil || cfg.Answerer == nil {
		return nil, errors.New("rtc: credentials, media and answerer are required")
	}
	if cfg.NewPeer == nil {
		cfg.NewPeer = NewPionPeer
	}
	if cfg.Tracks == nil {
		cfg.Tracks = DiscardTracks
	}
	return &Negotiator{cfg: cfg}, nil
}

// Start begins a new session and returns once it is connected or has failed.
// A session that ended in error is released first; a live one makes Start
// fail with ErrSessionActive.
func (n *Negotiator) Start(ctx context.Context) (*Session, error) {
	n.mu.Lock()
	if prev := n.current; prev != nil {
		if prev.State().Active() {
			n.mu.Unlock()
			return nil, ErrSessionActive
		}
		n.current = nil
		// Release the failed session before a new one acquires anything.
		prev.Close()
	}
	s := newSession(n.cfg)
	n.current = s
	n.mu.Unlock()

	if err := s.open(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Stop ends the current session, if any. Calling it again is a no-op.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	s := n.current
	n.current = nil
	n.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

func (n *Negotiator) Current() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *Negotiator) Status() Status {
	s := n.Current()
	if s == nil {
		return Status{State: StateIdle}
	}
	st := Status{SessionID: s.ID(), State: s.State(), Model: s.Model()}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}
