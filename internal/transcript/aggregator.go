package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDebounce is how long a role must stay quiet before its live line is
// settled.
const DefaultDebounce = time.Second

type buffer struct {
	pending string
	line    *Line
	timer   *time.Timer
	gen     uint64
}

func (b *buffer) cancel() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	// A timer that already fired but is waiting on the lock sees a new
	// generation and does nothing.
	b.gen++
}

// Aggregator keeps one buffer per role and turns fragments into lines. All
// methods are safe for concurrent use; renders happen in mutation order.
type Aggregator struct {
	delay    time.Duration
	renderer Renderer
	tagger   Tagger
	newID    func() string
	now      func() time.Time

	mu        sync.Mutex
	buffers   map[Role]*buffer
	lines     map[string]*Line
	order     []string
	lastFinal map[Role]string
	closed    bool
}

func NewAggregator(delay time.Duration, renderer Renderer) *Aggregator {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	a := &Aggregator{
		delay:     delay,
		renderer:  renderer,
		newID:     uuid.NewString,
		now:       time.Now,
		buffers:   make(map[Role]*buffer, len(Roles)),
		lines:     make(map[string]*Line),
		lastFinal: make(map[Role]string, len(Roles)),
	}
	for _, role := range Roles {
		a.buffers[role] = &buffer{}
	}
	return a
}

// SetTagger installs the tagger notified after renders. Call before the first
// Append.
func (a *Aggregator) SetTagger(t Tagger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tagger = t
}

// Append adds a fragment to the role's live line, creating one if needed, and
// restarts the role's debounce timer.
func (a *Aggregator) Append(role Role, fragment string) {
	if fragment == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buffers[role]
	if !ok || a.closed {
		return
	}

	if b.line == nil {
		b.line = a.newLineLocked(role)
	}
	b.pending += fragment
	b.line.Text = b.pending
	a.renderLocked(b.line, true)

	b.cancel()
	gen := b.gen
	b.timer = time.AfterFunc(a.delay, func() { a.settle(role, gen) })
}

func (a *Aggregator) settle(role Role, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.buffers[role]
	if a.closed || b.gen != gen || b.line == nil {
		return
	}
	b.timer = nil
	b.line.Text = b.pending
	a.renderLocked(b.line, true)
}

// Finalize closes the role's live line. A non-empty finalText replaces
// whatever the deltas accumulated. With no live line, a non-empty finalText
// becomes a line of its own unless it repeats the role's previous final
// within the same turn. Any new line, or a final from the other role, ends
// the turn.
func (a *Aggregator) Finalize(role Role, finalText string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.buffers[role]; !ok || a.closed {
		return
	}
	a.finalizeLocked(role, finalText)
}

func (a *Aggregator) finalizeLocked(role Role, finalText string) {
	b := a.buffers[role]
	b.cancel()

	text := finalText
	if text == "" {
		text = b.pending
	}

	if b.line == nil {
		if text == "" || text == a.lastFinal[role] {
			return
		}
		b.line = a.newLineLocked(role)
	}

	line := b.line
	line.Text = text
	line.Live = false
	line.FinalizedAt = a.now()

	b.line = nil
	b.pending = ""
	clear(a.lastFinal)
	a.lastFinal[role] = text

	snapshot := line.clone()
	if a.renderer != nil {
		a.renderer.RenderLine(snapshot)
	}
	if a.tagger != nil {
		a.tagger.Finalized(snapshot)
	}
}

// Flush finalizes every live line that still holds pending text, rendering the
// pending text first. Used at session teardown.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	for _, role := range Roles {
		b := a.buffers[role]
		if b.line == nil || b.pending == "" {
			continue
		}
		b.cancel()
		b.line.Text = b.pending
		a.renderLocked(b.line, false)
		a.finalizeLocked(role, b.pending)
	}
}

// Close stops all timers and rejects further changes, including late topics.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for _, b := range a.buffers {
		b.cancel()
	}
}

// ApplyTopics replaces a line's topics. It reports false when the line is
// unknown or the aggregator is closed, so stale results are dropped.
func (a *Aggregator) ApplyTopics(lineID string, topics []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	line, ok := a.lines[lineID]
	if !ok || a.closed {
		return false
	}
	line.Topics = append([]string(nil), topics...)
	line.Provisional = line.Live
	a.renderLocked(line, false)
	return true
}

// Lines returns every line of the session in creation order.
func (a *Aggregator) Lines() []Line {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Line, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.lines[id].clone())
	}
	return out
}

// Live returns the role's live line, if any.
func (a *Aggregator) Live(role Role) (Line, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buffers[role]
	if !ok || b.line == nil {
		return Line{}, false
	}
	return b.line.clone(), true
}

// PendingTimers counts outstanding debounce timers.
func (a *Aggregator) PendingTimers() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, b := range a.buffers {
		if b.timer != nil {
			n++
		}
	}
	return n
}

func (a *Aggregator) newLineLocked(role Role) *Line {
	line := &Line{
		ID:        a.newID(),
		Role:      role,
		Live:      true,
		StartedAt: a.now(),
	}
	a.lines[line.ID] = line
	a.order = append(a.order, line.ID)
	clear(a.lastFinal)
	return line
}

func (a *Aggregator) renderLocked(line *Line, observe bool) {
	snapshot := line.clone()
	if a.renderer != nil {
		a.renderer.RenderLine(snapshot)
	}
	if observe && a.tagger != nil {
		a.tagger.Observe(snapshot)
	}
}
