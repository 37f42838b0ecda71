package rtc

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/tidwall/gjson"

	"github.com/sjawhar/ghost-voice/internal/credential"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeChannel struct {
	log *callLog

	mu        sync.Mutex
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	sent      []string
	closed    bool
}

func (c *fakeChannel) OnOpen(fn func())          { c.mu.Lock(); c.onOpen = fn; c.mu.Unlock() }
func (c *fakeChannel) OnMessage(fn func([]byte)) { c.mu.Lock(); c.onMessage = fn; c.mu.Unlock() }
func (c *fakeChannel) OnClose(fn func())         { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.log.add("channel.close")
	return nil
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	fn()
}

func (c *fakeChannel) deliver(raw string) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn([]byte(raw))
}

func (c *fakeChannel) remoteClose() {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	fn()
}

func (c *fakeChannel) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakePeer struct {
	log     *callLog
	channel *fakeChannel

	mu        sync.Mutex
	tracks    []webrtc.TrackLocal
	answer    string
	onTrack   func(RemoteTrack)
	onFailure func(error)
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) CreateChannel(label string) (Channel, error) {
	if label != EventChannelLabel {
		return nil, errors.New("unexpected label " + label)
	}
	return p.channel, nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (string, error) {
	return "v=0\r\no=- offer\r\n", nil
}

func (p *fakePeer) SetAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answer = sdp
	return nil
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) { p.mu.Lock(); p.onTrack = fn; p.mu.Unlock() }
func (p *fakePeer) OnFailure(fn func(error))     { p.mu.Lock(); p.onFailure = fn; p.mu.Unlock() }

func (p *fakePeer) Close() error {
	p.log.add("peer.close")
	return nil
}

type fakeMedia struct {
	log    *callLog
	tracks []webrtc.TrackLocal
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *fakeMedia) Stop() error {
	m.log.add("media.stop")
	return nil
}

type fakeAnswerer struct {
	mu    sync.Mutex
	cred  credential.Credential
	offer string
	err   error
	block bool
}

func (a *fakeAnswerer) Answer(ctx context.Context, cred credential.Credential, offer string) (string, error) {
	a.mu.Lock()
	a.cred, a.offer = cred, offer
	a.mu.Unlock()
	if a.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if a.err != nil {
		return "", a.err
	}
	return "v=0\r\no=- answer\r\n", nil
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []StateChange
	remote  []*RemoteError
}

func (o *recordingObserver) SessionStateChanged(change StateChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, change)
}

func (o *recordingObserver) RemoteErrorReported(err *RemoteError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remote = append(o.remote, err)
}

func (o *recordingObserver) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, 0, len(o.changes))
	for _, c := range o.changes {
		out = append(out, c.To)
	}
	return out
}

func (o *recordingObserver) remoteErrors() []*RemoteError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*RemoteError(nil), o.remote...)
}

type recordingDiagnostics struct {
	mu    sync.Mutex
	types []string
}

func (d *recordingDiagnostics) RecordUnrecognized(_, eventType string, _ []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types = append(d.types, eventType)
}

func (d *recordingDiagnostics) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.types...)
}

type harness struct {
	log         *callLog
	peer        *fakePeer
	channel     *fakeChannel
	media       *fakeMedia
	answerer    *fakeAnswerer
	observer    *recordingObserver
	diagnostics *recordingDiagnostics
	credErr     error
	mediaErr    error
	negotiator  *Negotiator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := &callLog{}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}, "audio", "test")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}

	h := &harness{
		log:         log,
		channel:     &fakeChannel{log: log},
		media:       &fakeMedia{log: log, tracks: []webrtc.TrackLocal{track}},
		answerer:    &fakeAnswerer{},
		observer:    &recordingObserver{},
		diagnostics: &recordingDiagnostics{},
	}
	h.peer = &fakePeer{log: log, channel: h.channel}

	n, err := NewNegotiator(Config{
		Credentials: credentialFunc(func(context.Context) (credential.Credential, error) {
			if h.credErr != nil {
				return credential.Credential{}, h.credErr
			}
			return credential.Credential{Token: "ek_test"}, nil
		}),
		Media: MediaSourceFunc(func(context.Context) (MediaStream, error) {
			if h.mediaErr != nil {
				return nil, h.mediaErr
			}
			return h.media, nil
		}),
		Answerer:    h.answerer,
		NewPeer:     func() (Peer, error) { return h.peer, nil },
		Observer:    h.observer,
		Diagnostics: h.diagnostics,
		Debounce:    time.Hour,
	})
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}
	h.negotiator = n
	return h
}

type credentialFunc func(ctx context.Context) (credential.Credential, error)

func (f credentialFunc) Issue(ctx context.Context) (credential.Credential, error) { return f(ctx) }

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNegotiatorConnectsAndSendsPolicyOnce(t *testing.T) {
	h := newHarness(t)
	s, err := h.negotiator.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.negotiator.Stop()

	if s.State() != StateConnected {
		t.Fatalf("expected connected, got %s", s.State())
	}
	want := []State{StateRequestingCredential, StateCapturingMedia, StateNegotiating, StateConnected}
	if got := h.observer.states(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	if h.answerer.cred.Token != "ek_test" || h.answerer.cred.Model != credential.DefaultModel {
		t.Fatalf("unexpected credential passed to answerer %+v", h.answerer.cred)
	}
	if h.peer.answer == "" || len(h.peer.tracks) != 1 {
		t.Fatalf("expected answer applied and local track added, got %+v", h.peer)
	}

	h.channel.open()
	h.channel.open()
	sent := h.channel.sentEvents()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one configuration event, got %d", len(sent))
	}
	event := gjson.Parse(sent[0])
	checks := map[string]any{
		"type":                             "session.update",
		"session.turn_detection.type":      "server_vad",
		"session.turn_detection.threshold": 0.5,
		"session.turn_detection.silence_duration_ms": 600.0,
		"session.input_audio_transcription.model":    "whisper-1",
	}
	for path, want := range checks {
		if got := event.Get(path).Value(); got != want {
			t.Errorf("%s: expected %v, got %v", path, want, got)
		}
	}
	if got := event.Get("session.modalities").String(); got != `["text","audio"]` {
		t.Errorf("unexpected modalities %s", got)
	}
	if !event.Get("event_id").Exists() {
		t.Error("expected event_id to be stamped")
	}
}

func TestSessionReconstructsTranscript(t *testing.T) {
	h := newHarness(t)
	s, err := h.negotiator.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.channel.deliver(`{"type":"conversation.item.input_audio_transcription.delta","delta":"Best time "}`)
	h.channel.deliver(`{"type":"conversation.item.input_audio_transcription.delta","delta":"for Goa?"}`)
	h.channel.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"Best time to visit Goa?"}`)
	h.channel.deliver(`{"type":"response.audio_transcript.delta","delta":"November "}`)
	h.channel.deliver(`not json`)
	h.channel.deliver(`{"type":"response.done","response":{"output":[{"content":[{"type":"audio","transcript":"November to February."}]}]}}`)

	waitUntil(t, func() bool {
		lines := s.Lines()
		return len(lines) == 2 && !lines[1].Live
	})

	lines := s.Lines()
	if lines[0].Role != transcript.RoleUser || lines[0].Text != "Best time to visit Goa?" || lines[0].Live {
		t.Fatalf("unexpected user line %+v", lines[0])
	}
	if lines[1].Role != transcript.RoleAssistant || lines[1].Text != "November to February." {
		t.Fatalf("unexpected assistant line %+v", lines[1])
	}
	h.negotiator.Stop()
}

func TestSessionStopFlushesPendingAndReleasesInOrder(t *testing.T) {
	h := newHarness(t)
	s, err := h.negotiator.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.channel.deliver(`{"type":"transcript.delta","delta":"Par"}`)
	waitUntil(t, func() bool { return len(s.Lines()) == 1 })

	h.negotiator.Stop()
	h.negotiator.Stop()

	lines := s.Lines()
	if len(lines) != 1 || lines[0].Text != "Par" || lines[0].Live {
		t.Fatalf("expected flushed line, got %+v", lines)
	}
	if s.agg.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers, got %d", s.agg.PendingTimers())
	}
	if got, want := h.log.all(), []string{"channel.close", "peer.close", "media.stop"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected release order %v, got %v", want, got)
	}
	states := h.observer.states()
	if states[len(states)-2] != StateClosing || states[len(states)-1] != StateIdle {
		t.Fatalf("expected closing then idle, got %v", states)
	}
	if h.negotiator.Status().State != StateIdle {
		t.Fatal("expected negotiator to be idle after stop")
	}
}

func TestNegotiatorFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
		release []string
	}{
		{
			name:    "credential",
			setup:   func(h *harness) { h.credErr = errors.New("gateway down") },
			wantErr: ErrCredential,
		},
		{
			name:    "media",
			setup:   func(h *harness) { h.mediaErr = errors.New("permission denied") },
			wantErr: ErrMediaAccess,
		},
		{
			name:    "negotiation",
			setup:   func(h *harness) { h.answerer.err = errors.New("status 401") },
			wantErr: ErrNegotiation,
			release: []string{"channel.close", "peer.close", "media.stop"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			s, err := h.negotiator.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if s.State() != StateError {
				t.Fatalf("expected error state, got %s", s.State())
			}
			if got := h.log.all(); !reflect.DeepEqual(got, tt.release) {
				t.Fatalf("expected released %v, got %v", tt.release, got)
			}
			status := h.negotiator.Status()
			if status.State != StateError || status.Error == "" {
				t.Fatalf("unexpected status %+v", status)
			}

			// A failed session does not block a fresh start.
			h.credErr, h.mediaErr, h.answerer.err = nil, nil, nil
			h.channel.closed = false
			if _, err := h.negotiator.Start(context.Background()); err != nil {
				t.Fatalf("restart failed: %v", err)
			}
			h.negotiator.Stop()
		})
	}
}

func TestNegotiatorRejectsConcurrentSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.negotiator.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.negotiator.Stop()

	if _, err := h.negotiator.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestSessionRemoteErrorKeepsSessionConnected(t *testing.T) {
	h := newHarness(t)
	s, err := h.negotiator.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.negotiator.Stop()

	h.channel.deliver(`{"type":"error","error":{"message":"Invalid session.update"}}`)
	waitUntil(t, func() bool { return len(h.observer.remoteErrors()) == 1 })

	remote := h.observer.remoteErrors()[0]
	if remote.Message != "Invalid session.update" || remote.SessionID != s.ID() {
		t.Fatalf("unexpected remote error %+v", remote)
	}
	if s.State() != StateConnected {
		t.Fatalf("expected session to stay connected, got %s", s.State())
	}
}

func TestSessionRecordsContentLikeUnknownEvents(t *testing.T) {
	h := newHarness(t)
	if _, err := h.negotiator.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.negotiator.Stop()

	h.channel.deliver(`{"type":"rate_limits.updated"}`)
	h.channel.deliver(`{"type":"response.audio_transcript.partial","delta":"x"}`)
	waitUntil(t, func() bool { return len(h.diagnostics.all()) == 1 })

	if got := h.diagnostics.all()[0]; got != "response.audio_transcript.partial" {
		t.Fatalf("unexpected diagnostic %q", got)
	}
}

func TestSessionChannelClosedByRemote(t *testing.T) {
	h := newHarness(t)
	s, err := h.negotiator.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.channel.deliver(`{"type":"response.audio_transcript.delta","delta":"Namas"}`)
	h.channel.remoteClose()
	waitUntil(t, func() bool { return s.State() == StateError })

	if !errors.Is(s.Err(), ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", s.Err())
	}

	// The lost session is torn down without waiting for Stop.
	waitUntil(t, func() bool {
		lines := s.Lines()
		return len(lines) == 1 && !lines[0].Live
	})
	if got := s.Lines()[0].Text; got != "Namas" {
		t.Fatalf("expected pending text flushed, got %q", got)
	}
	waitUntil(t, func() bool { return len(h.log.all()) == 3 })
	if got, want := h.log.all(), []string{"channel.close", "peer.close", "media.stop"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected release order %v, got %v", want, got)
	}
	select {
	case <-s.loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop still running after the session was lost")
	}
	if s.agg.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers, got %d", s.agg.PendingTimers())
	}

	// Late frames after the loss are ignored.
	h.channel.deliver(`{"type":"response.audio_transcript.delta","delta":"te"}`)
	if got := len(s.Lines()); got != 1 {
		t.Fatalf("expected no new lines after loss, got %d", got)
	}

	h.negotiator.Stop()
	h.negotiator.Stop()
	if h.negotiator.Status().State != StateIdle {
		t.Fatal("expected idle after stop")
	}
	if got := len(h.log.all()); got != 3 {
		t.Fatalf("expected resources released once, got %v", h.log.all())
	}
}

func TestSessionNegotiationFailureStopsEventLoop(t *testing.T) {
	h := newHarness(t)
	h.answerer.err = errors.New("status 500")

	s, err := h.negotiator.Start(context.Background())
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected ErrNegotiation, got %v", err)
	}
	select {
	case <-s.loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop still running after negotiation failed")
	}
}

func TestStopDuringHandshake(t *testing.T) {
	h := newHarness(t)
	h.answerer.block = true

	done := make(chan error, 1)
	go func() {
		_, err := h.negotiator.Start(context.Background())
		done <- err
	}()

	waitUntil(t, func() bool {
		s := h.negotiator.Current()
		return s != nil && s.State() == StateNegotiating
	})
	h.negotiator.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	states := h.observer.states()
	if states[len(states)-1] != StateIdle {
		t.Fatalf("expected idle after stop, got %v", states)
	}
	if got := h.log.all(); !reflect.DeepEqual(got, []string{"channel.close", "peer.close", "media.stop"}) {
		t.Fatalf("expected resources released, got %v", got)
	}
}
