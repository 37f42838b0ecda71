package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/ghost-voice/internal/credential"
	"github.com/sjawhar/ghost-voice/internal/events"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

// Session is one attempt at a connected conversation. It owns the media
// stream, the peer, the event channel and the transcript state, and releases
// all of them when it ends.
type Session struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	agg      *transcript.Aggregator
	throttle *transcript.Throttler
	queue    *eventQueue

	mu       sync.Mutex
	state    State
	stopping bool
	err      error
	cred     credential.Credential
	media    MediaStream
	peer     Peer
	channel  Channel
	cancel   context.CancelFunc
	loopDone chan struct{}

	handshakeDone chan struct{}
	policyOnce    sync.Once
	releaseOnce   sync.Once
	teardownOnce  sync.Once
	closeOnce     sync.Once
}

func newSession(cfg Config) *Session {
	agg := transcript.NewAggregator(cfg.Debounce, cfg.Renderer)
	s := &Session{
		id:            uuid.NewString(),
		cfg:           cfg,
		logger:        slog.Default(),
		agg:           agg,
		queue:         newEventQueue(),
		state:         StateIdle,
		handshakeDone: make(chan struct{}),
	}
	s.logger = s.logger.With("session", s.id)
	if cfg.Classifier != nil {
		s.throttle = transcript.NewThrottler(cfg.Classifier, agg, cfg.Vocabulary, cfg.Throttle)
		agg.SetTagger(s.throttle)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to StateError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.Model
}

// Lines returns the session's transcript so far.
func (s *Session) Lines() []transcript.Line {
	return s.agg.Lines()
}

// open runs the handshake. It returns once the answer is applied, or with the
// error that ended the attempt.
func (s *Session) open(ctx context.Context) error {
	defer close(s.handshakeDone)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.transition(StateRequestingCredential); err != nil {
		return err
	}
	cred, err := s.cfg.Credentials.Issue(ctx)
	if err == nil && cred.Token == "" {
		err = credential.ErrNoToken
	}
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrCredential, err))
	}
	if cred.Model == "" {
		cred.Model = credential.DefaultModel
	}
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()

	if err := s.transition(StateCapturingMedia); err != nil {
		return err
	}
	media, err := s.cfg.Media.Capture(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrMediaAccess, err))
	}
	s.mu.Lock()
	s.media = media
	s.mu.Unlock()

	if err := s.transition(StateNegotiating); err != nil {
		return err
	}
	if err := s.negotiate(ctx, cred, media); err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
	}

	return s.transition(StateConnected)
}

func (s *Session) negotiate(ctx context.Context, cred credential.Credential, media MediaStream) error {
	peer, err := s.cfg.NewPeer()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()

	peer.OnTrack(func(track RemoteTrack) {
		s.logger.Info("remote track available", "track", track.ID())
		s.cfg.Tracks.HandleTrack(track)
	})
	peer.OnFailure(s.lost)

	for _, track := range media.Tracks() {
		if err := peer.AddTrack(track); err != nil {
			return err
		}
	}

	channel, err := peer.CreateChannel(EventChannelLabel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.channel = channel
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	channel.OnOpen(s.channelOpened)
	channel.OnMessage(s.queue.push)
	channel.OnClose(func() { s.lost(ErrChannelClosed) })
	go s.loop()

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return err
	}
	answer, err := s.cfg.Answerer.Answer(ctx, cred, offer)
	if err != nil {
		return err
	}
	return peer.SetAnswer(answer)
}

func (s *Session) channelOpened() {
	s.logger.Info("event channel open")
	s.policyOnce.Do(func() {
		if err := s.Send(sessionPolicy()); err != nil {
			s.logger.Warn("failed to send session policy", "error", err)
		}
	})
}

// Send writes one client event to the event channel.
func (s *Session) Send(event any) error {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel == nil {
		return ErrChannelClosed
	}

	text, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return channel.SendText(text)
}

// loop consumes channel events strictly in arrival order until the queue is
// closed and drained.
func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		raw, ok := s.queue.pop()
		if !ok {
			return
		}
		s.handle(raw)
	}
}

func (s *Session) handle(raw []byte) {
	frame, err := events.Classify(raw)
	if err != nil {
		s.logger.Warn("dropping event", "error", err)
		return
	}

	switch frame.Category {
	case events.UserDelta:
		s.agg.Append(transcript.RoleUser, frame.Text)
	case events.UserFinal:
		s.agg.Finalize(transcript.RoleUser, frame.Text)
	case events.AssistantDelta:
		s.agg.Append(transcript.RoleAssistant, frame.Text)
	case events.AssistantFinal:
		s.agg.Finalize(transcript.RoleAssistant, frame.Text)
	case events.Error:
		remote := &RemoteError{SessionID: s.id, Type: frame.Type, Message: frame.Text}
		s.logger.Warn("remote reported error", "message", frame.Text)
		if s.cfg.Observer != nil {
			s.cfg.Observer.RemoteErrorReported(remote)
		}
	default:
		if frame.Diagnostic && s.cfg.Diagnostics != nil {
			s.cfg.Diagnostics.RecordUnrecognized(s.id, frame.Type, raw)
		}
	}
}

// lost handles the far end going away. Transport callbacks must not block
// on closing the transport, so the work happens on its own goroutine.
func (s *Session) lost(cause error) {
	go func() {
		s.mu.Lock()
		if s.stopping || (s.state != StateConnected && s.state != StateNegotiating) {
			s.mu.Unlock()
			return
		}
		err := cause
		if !errors.Is(err, ErrChannelClosed) {
			err = fmt.Errorf("%w: %w", ErrChannelClosed, cause)
		}
		s.setErrorLocked(err)
		s.mu.Unlock()

		s.logger.Warn("session lost", "error", err)
		s.teardown()
	}()
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if !s.state.CanTransition(to) {
		return fmt.Errorf("invalid transition %s -> %s", s.state, to)
	}
	s.setStateLocked(to, "")
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.state == StateError {
		// The transport already failed underneath the handshake.
		err = s.err
		s.mu.Unlock()
		return err
	}
	s.setErrorLocked(err)
	s.mu.Unlock()

	s.logger.Error("session failed", "error", err)
	s.teardown()
	return err
}

func (s *Session) setErrorLocked(err error) {
	s.err = err
	s.setStateLocked(StateError, err.Error())
}

func (s *Session) setStateLocked(to State, errMsg string) {
	from := s.state
	s.state = to
	s.logger.Info("session state", "from", from, "to", to)
	if s.cfg.Observer != nil {
		s.cfg.Observer.SessionStateChanged(StateChange{
			SessionID: s.id,
			From:      from,
			To:        to,
			Model:     s.cred.Model,
			Error:     errMsg,
			At:        time.Now(),
		})
	}
}

// release closes the event channel, the peer and the local media, in that
// order. Safe to call more than once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		channel, peer, media := s.channel, s.peer, s.media
		s.mu.Unlock()

		if channel != nil {
			if err := channel.Close(); err != nil {
				s.logger.Debug("close event channel", "error", err)
			}
		}
		if peer != nil {
			if err := peer.Close(); err != nil {
				s.logger.Debug("close peer", "error", err)
			}
		}
		if media != nil {
			if err := media.Stop(); err != nil {
				s.logger.Warn("stop local media", "error", err)
			}
		}
	})
}

// teardown releases the transport, drains the events already queued and
// flushes both transcripts. Queued frames are handled before the flush so the
// last words still reach their lines. Safe to call more than once.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.release()
		s.queue.close()

		s.mu.Lock()
		loopDone := s.loopDone
		s.mu.Unlock()
		if loopDone != nil {
			<-loopDone
		}

		s.agg.Flush()
		s.agg.Close()
		if s.throttle != nil {
			s.throttle.Reset()
		}
	})
}

// Close stops the session: it aborts a running handshake, releases the
// transport and media, drains queued events and flushes both transcripts.
// Close is idempotent and returns once everything is released.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-s.handshakeDone

		s.mu.Lock()
		if s.state != StateIdle {
			s.setStateLocked(StateClosing, "")
		}
		s.mu.Unlock()

		s.teardown()

		s.mu.Lock()
		if s.state == StateClosing {
			s.setStateLocked(StateIdle, "")
		}
		s.mu.Unlock()
	})
}
