package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sjawhar/ghost-voice/internal/classify"
)

// Classifier returns topic labels for a span of text.
type Classifier interface {
	Classify(ctx context.Context, role, text string) ([]string, error)
}

// TopicApplier attaches topics to a line. It reports false if the line is gone.
type TopicApplier interface {
	ApplyTopics(lineID string, topics []string) bool
}

type ThrottleConfig struct {
	MinInterval time.Duration
	MinChars    int
	Timeout     time.Duration
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		MinInterval: 1500 * time.Millisecond,
		MinChars:    24,
		Timeout:     10 * time.Second,
	}
}

type classifyState struct {
	lastAt   time.Time
	inFlight bool
	// deferred holds finals that arrived during a call, one per line id,
	// issued in arrival order.
	deferred []Line
}

func (st *classifyState) deferLocked(line Line) {
	for i := range st.deferred {
		if st.deferred[i].ID == line.ID {
			st.deferred[i] = line
			return
		}
	}
	st.deferred = append(st.deferred, line)
}

// Throttler issues background classification calls for live and finalized
// lines. At most one call per role is in flight; live lines are additionally
// rate limited and must carry enough text to be worth classifying.
type Throttler struct {
	classifier Classifier
	applier    TopicApplier
	vocab      classify.Vocabulary
	cfg        ThrottleConfig
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	epoch  uint64
	states map[Role]*classifyState
	wg     sync.WaitGroup
}

func NewThrottler(classifier Classifier, applier TopicApplier, vocab classify.Vocabulary, cfg ThrottleConfig) *Throttler {
	defaults := DefaultThrottleConfig()
	if cfg.MinInterval < 0 {
		cfg.MinInterval = defaults.MinInterval
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = defaults.MinChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if len(vocab) == 0 {
		vocab = classify.DefaultVocabulary
	}
	return &Throttler{
		classifier: classifier,
		applier:    applier,
		vocab:      vocab,
		cfg:        cfg,
		now:        time.Now,
		logger:     slog.Default(),
		states:     newClassifyStates(),
	}
}

func newClassifyStates() map[Role]*classifyState {
	states := make(map[Role]*classifyState, len(Roles))
	for _, role := range Roles {
		states[role] = &classifyState{}
	}
	return states
}

// Observe considers a provisional classification of a live line.
func (t *Throttler) Observe(line Line) {
	if !line.Live || t.classifier == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[line.Role]
	if !ok || st.inFlight {
		return
	}
	if !st.lastAt.IsZero() && t.now().Sub(st.lastAt) < t.cfg.MinInterval {
		return
	}
	if utf8.RuneCountInString(strings.TrimSpace(line.Text)) < t.cfg.MinChars {
		return
	}
	t.startLocked(st, line)
}

// Finalized issues the authoritative classification for a finalized line,
// ignoring the interval. If a call for the role is in flight, the request is
// held and issued after the calls already held for the role.
func (t *Throttler) Finalized(line Line) {
	if t.classifier == nil || strings.TrimSpace(line.Text) == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[line.Role]
	if !ok {
		return
	}
	if st.inFlight {
		st.deferLocked(line)
		return
	}
	t.startLocked(st, line)
}

// Reset forgets all per-role state. Calls still in flight finish but their
// results no longer reach the applier.
func (t *Throttler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.epoch++
	t.states = newClassifyStates()
}

// Wait blocks until every issued call has completed.
func (t *Throttler) Wait() {
	t.wg.Wait()
}

func (t *Throttler) startLocked(st *classifyState, line Line) {
	st.inFlight = true
	st.lastAt = t.now()
	epoch := t.epoch

	t.wg.Add(1)
	go t.run(st, line, epoch)
}

func (t *Throttler) run(st *classifyState, line Line, epoch uint64) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	labels, err := t.classifier.Classify(ctx, string(line.Role), line.Text)
	cancel()

	switch {
	case err != nil:
		t.logger.Debug("classification skipped", "role", line.Role, "line", line.ID, "error", err)
	case t.current(epoch):
		if topics := t.vocab.Filter(labels); len(topics) > 0 {
			t.applier.ApplyTopics(line.ID, topics)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch {
		return
	}
	st.inFlight = false
	if len(st.deferred) > 0 {
		next := st.deferred[0]
		st.deferred = st.deferred[1:]
		t.startLocked(st, next)
	}
}

func (t *Throttler) current(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch == epoch
}
