package transcript

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type applied struct {
	lineID string
	topics []string
}

type recordingApplier struct {
	mu    sync.Mutex
	calls []applied
}

func (r *recordingApplier) ApplyTopics(lineID string, topics []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, applied{lineID: lineID, topics: topics})
	return true
}

func (r *recordingApplier) all() []applied {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]applied(nil), r.calls...)
}

type scriptedClassifier struct {
	mu      sync.Mutex
	results [][]string
	errs    []error
	texts   []string
	release chan struct{}
}

func (s *scriptedClassifier) Classify(ctx context.Context, role, text string) ([]string, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.texts)
	s.texts = append(s.texts, text)

	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], err
	}
	return nil, err
}

func (s *scriptedClassifier) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func liveLine(id, text string) Line {
	return Line{ID: id, Role: RoleUser, Text: text, Live: true}
}

func TestThrottlerSkipsShortLiveText(t *testing.T) {
	classifier := &scriptedClassifier{}
	th := NewThrottler(classifier, &recordingApplier{}, nil, DefaultThrottleConfig())

	th.Observe(liveLine("a", "too short"))
	th.Wait()
	if got := len(classifier.calls()); got != 0 {
		t.Fatalf("expected no call for short text, got %d", got)
	}
}

func TestThrottlerRespectsInterval(t *testing.T) {
	classifier := &scriptedClassifier{}
	th := NewThrottler(classifier, &recordingApplier{}, nil, ThrottleConfig{MinInterval: time.Second, MinChars: 1, Timeout: time.Second})
	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }

	th.Observe(liveLine("a", "first"))
	th.Wait()
	th.Observe(liveLine("a", "first second"))
	th.Wait()

	now = now.Add(1500 * time.Millisecond)
	th.Observe(liveLine("a", "first second third"))
	th.Wait()

	want := []string{"first", "first second third"}
	if got := classifier.calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
}

func TestThrottlerFinalBypassesInterval(t *testing.T) {
	classifier := &scriptedClassifier{}
	th := NewThrottler(classifier, &recordingApplier{}, nil, ThrottleConfig{MinInterval: time.Hour, MinChars: 1, Timeout: time.Second})

	th.Observe(liveLine("a", "hello"))
	th.Wait()
	th.Finalized(Line{ID: "a", Role: RoleUser, Text: "hi"})
	th.Wait()

	if got := classifier.calls(); len(got) != 2 || got[1] != "hi" {
		t.Fatalf("expected final call despite interval, got %v", got)
	}
}

func TestThrottlerDefersFinalBehindInFlightCall(t *testing.T) {
	classifier := &scriptedClassifier{release: make(chan struct{})}
	th := NewThrottler(classifier, &recordingApplier{}, nil, ThrottleConfig{MinChars: 1, Timeout: time.Second})

	th.Observe(liveLine("a", "provisional text"))
	th.Finalized(Line{ID: "a", Role: RoleUser, Text: "final text"})

	classifier.release <- struct{}{}
	classifier.release <- struct{}{}
	th.Wait()

	want := []string{"provisional text", "final text"}
	if got := classifier.calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestThrottlerKeepsEveryDeferredFinal(t *testing.T) {
	classifier := &scriptedClassifier{
		release: make(chan struct{}),
		results: [][]string{{"food"}, {"transport"}, {"weather"}},
	}
	applier := &recordingApplier{}
	th := NewThrottler(classifier, applier, nil, ThrottleConfig{MinChars: 1, Timeout: time.Second})

	th.Observe(liveLine("a", "street food in Old Delhi"))
	th.Finalized(Line{ID: "a", Role: RoleUser, Text: "street food in Old Delhi"})
	th.Finalized(Line{ID: "b", Role: RoleUser, Text: "and the metro back"})
	// A repeat for the same line replaces its held request.
	th.Finalized(Line{ID: "b", Role: RoleUser, Text: "and the metro back, if it rains"})

	for range 3 {
		classifier.release <- struct{}{}
	}
	th.Wait()

	want := []string{"street food in Old Delhi", "street food in Old Delhi", "and the metro back, if it rains"}
	if got := classifier.calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	calls := applier.all()
	if len(calls) != 3 || calls[2].lineID != "b" {
		t.Fatalf("expected line b tagged last, got %+v", calls)
	}
}

func TestThrottlerFiltersVocabularyAndKeepsTagsOnEmpty(t *testing.T) {
	classifier := &scriptedClassifier{
		results: [][]string{{"food", "spaceships"}, {}, nil, {"astrology"}},
		errs:    []error{nil, nil, errors.New("status 500"), nil},
	}
	applier := &recordingApplier{}
	th := NewThrottler(classifier, applier, nil, ThrottleConfig{MinChars: 1, Timeout: time.Second})

	for _, text := range []string{"dosa", "dosa and", "dosa and chai", "dosa and chai please"} {
		th.Finalized(Line{ID: "a", Role: RoleUser, Text: text})
		th.Wait()
	}

	calls := applier.all()
	if len(calls) != 1 {
		t.Fatalf("expected only the in-vocabulary result to apply, got %+v", calls)
	}
	if !reflect.DeepEqual(calls[0].topics, []string{"food"}) {
		t.Fatalf("expected [food], got %v", calls[0].topics)
	}
}

type overlapClassifier struct {
	active  map[string]*int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (o *overlapClassifier) Classify(_ context.Context, role, _ string) ([]string, error) {
	n := atomic.AddInt32(o.active[role], 1)
	defer atomic.AddInt32(o.active[role], -1)
	for {
		cur := o.maxSeen.Load()
		if n <= cur || o.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	o.calls.Add(1)
	time.Sleep(2 * time.Millisecond)
	return []string{"food"}, nil
}

func TestThrottlerNeverOverlapsPerRoleUnderBursts(t *testing.T) {
	var user, assistant int32
	classifier := &overlapClassifier{active: map[string]*int32{"user": &user, "assistant": &assistant}}

	agg := NewAggregator(time.Millisecond, nil)
	th := NewThrottler(classifier, agg, nil, ThrottleConfig{MinChars: 1, Timeout: time.Second})
	agg.SetTagger(th)

	var wg sync.WaitGroup
	for i := range 16 {
		role := Roles[i%len(Roles)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				agg.Append(role, "chai ")
				if j%10 == 9 {
					agg.Finalize(role, "")
				}
			}
		}()
	}
	wg.Wait()
	agg.Flush()
	th.Wait()
	agg.Close()

	if classifier.calls.Load() == 0 {
		t.Fatal("expected classification calls")
	}
	if got := classifier.maxSeen.Load(); got > 1 {
		t.Fatalf("expected at most one in-flight call per role, saw %d", got)
	}
}

func TestThrottlerResetDropsLateResults(t *testing.T) {
	classifier := &scriptedClassifier{release: make(chan struct{}), results: [][]string{{"food"}}}
	applier := &recordingApplier{}
	th := NewThrottler(classifier, applier, nil, ThrottleConfig{MinChars: 1, Timeout: time.Second})

	th.Finalized(Line{ID: "a", Role: RoleUser, Text: "dosa"})
	th.Reset()
	close(classifier.release)
	th.Wait()

	if got := applier.all(); len(got) != 0 {
		t.Fatalf("expected late result to be dropped, got %+v", got)
	}

	th.Finalized(Line{ID: "b", Role: RoleUser, Text: "thali"})
	th.Wait()
	if got := len(classifier.calls()); got != 2 {
		t.Fatalf("expected a fresh call after reset, got %d", got)
	}
}

func TestThrottlerWithAggregatorTagsFinalLine(t *testing.T) {
	classifier := &scriptedClassifier{results: [][]string{{"transport"}}}
	agg := NewAggregator(time.Hour, nil)
	th := NewThrottler(classifier, agg, nil, ThrottleConfig{MinChars: 1, Timeout: time.Second})
	agg.SetTagger(th)

	agg.Finalize(RoleAssistant, "Take the overnight train.")
	th.Wait()

	lines := agg.Lines()
	if len(lines) != 1 || !reflect.DeepEqual(lines[0].Topics, []string{"transport"}) || lines[0].Provisional {
		t.Fatalf("unexpected tagged line %+v", lines)
	}
}
