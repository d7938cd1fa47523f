package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hperssn/sprinter/internal/domain"
	"github.com/hperssn/sprinter/internal/runner"
)

const (
	feedbackDelay = time.Second
	saveDebounce  = 2 * time.Second
)

type manualTimer struct {
	s       *manualScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	live := !t.stopped && !t.fired
	t.stopped = true
	return live
}

// manualScheduler only runs callbacks when the test fires them.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) runner.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) collect(d time.Duration, includeStopped bool) []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, t := range s.timers {
		if t.d != d || t.fired {
			continue
		}
		if t.stopped && !includeStopped {
			continue
		}
		t.fired = true
		out = append(out, t)
	}
	return out
}

// fire runs every live timer with duration d.
func (s *manualScheduler) fire(d time.Duration) int {
	ts := s.collect(d, false)
	for _, t := range ts {
		t.f()
	}
	return len(ts)
}

// fireAll also runs stopped timers, as if their callbacks had already left
// the runtime queue when Stop was called.
func (s *manualScheduler) fireAll(d time.Duration) int {
	ts := s.collect(d, true)
	for _, t := range ts {
		t.f()
	}
	return len(ts)
}

func (s *manualScheduler) live(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if t.d == d && !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type recordingStore struct {
	mu        sync.Mutex
	drafts    map[string]domain.Draft
	saves     []domain.Draft
	clears    int
	loadErr   error
	saveErr   error
	clearErr  error
	panicSave bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{drafts: make(map[string]domain.Draft)}
}

func (s *recordingStore) SaveDraft(_ context.Context, key string, d domain.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicSave {
		panic("disk on fire")
	}
	s.saves = append(s.saves, d)
	if s.saveErr != nil {
		return s.saveErr
	}
	s.drafts[key] = d
	return nil
}

func (s *recordingStore) LoadDraft(_ context.Context, key string) (*domain.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	d, ok := s.drafts[key]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *recordingStore) ClearDraft(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	if s.clearErr != nil {
		return s.clearErr
	}
	delete(s.drafts, key)
	return nil
}

func (s *recordingStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *recordingStore) lastSave() domain.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

func (s *recordingStore) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

type recorder struct {
	mu            sync.Mutex
	unitScores    map[string]int
	sessionScores []int
	errs          []error
	states        []runner.State
}

func newRecorder() *recorder {
	return &recorder{unitScores: make(map[string]int)}
}

func (r *recorder) events() runner.Events {
	return runner.Events{
		OnUnitComplete: func(id string, score int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.unitScores[id] = score
		},
		OnSessionComplete: func(score int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sessionScores = append(r.sessionScores, score)
		},
		OnRecoverableError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnStateChange: func(s runner.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
	}
}

func (r *recorder) sessions() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sessionScores...)
}

func (r *recorder) unit(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.unitScores[id]
	return s, ok
}

func (r *recorder) hasError(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type harness struct {
	c     *runner.Controller
	sched *manualScheduler
	store *recordingStore
	rec   *recorder
}

func newHarness(t *testing.T, units []domain.Unit, draft *domain.Draft, opts ...runner.Option) *harness {
	t.Helper()
	h := &harness{
		sched: &manualScheduler{},
		store: newRecordingStore(),
		rec:   newRecorder(),
	}
	all := []runner.Option{
		runner.WithScheduler(h.sched),
		runner.WithStore(h.store),
		runner.WithEvents(h.rec.events()),
		runner.WithFeedbackDelay(feedbackDelay),
		runner.WithSaveDebounce(saveDebounce),
	}
	h.c = runner.NewController("learner:seq", units, draft, "fixed-seed", append(all, opts...)...)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) answer(t *testing.T, correct bool) {
	t.Helper()
	sq, ok := h.c.CurrentQuestion()
	if !ok {
		t.Fatalf("no current question in %s", h.c.State())
	}
	pick := sq.DisplayCorrectIndex
	if !correct {
		pick = (pick + 1) % len(sq.DisplayOptions)
	}
	got, err := h.c.Submit(pick)
	if err != nil {
		t.Fatalf("Submit(%d): %v", pick, err)
	}
	if got != correct {
		t.Fatalf("Submit(%d) correct = %v want %v", pick, got, correct)
	}
}

func (h *harness) next(t *testing.T) {
	t.Helper()
	if err := h.c.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
}

func (h *harness) cont(t *testing.T) {
	t.Helper()
	if err := h.c.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
}

// play answers every question of the current unit, correct as given.
func (h *harness) play(t *testing.T, answers ...bool) {
	t.Helper()
	h.cont(t)
	for _, a := range answers {
		h.answer(t, a)
		h.next(t)
	}
}

func expectState(t *testing.T, c *runner.Controller, want runner.State) {
	t.Helper()
	if got := c.State(); got != want {
		t.Fatalf("state = %s want %s", got, want)
	}
}

func quiz(n int) []domain.Question {
	qs := make([]domain.Question, n)
	for i := range qs {
		qs[i] = domain.Question{
			Text:         "question " + string(rune('A'+i)),
			Options:      []string{"alpha", "beta", "gamma", "delta"},
			CorrectIndex: (i * 3) % 4,
		}
	}
	return qs
}
