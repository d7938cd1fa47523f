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

type outcomeSink struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (s *outcomeSink) SaveOutcome(_ context.Context, o domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *outcomeSink) all() []domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Outcome(nil), s.outcomes...)
}

func newManager(t *testing.T, store runner.DraftStore, opts ...runner.ManagerOption) *runner.SessionManager {
	t.Helper()
	opts = append(opts, runner.WithControllerOptions(runner.WithScheduler(&manualScheduler{})))
	m := runner.NewSessionManager(store, opts...)
	t.Cleanup(m.Shutdown)
	return m
}

func TestSessionManager_StartAndGet(t *testing.T) {
	m := newManager(t, nil)

	req := runner.StartRequest{
		ID:     "session-1",
		UserID: "user-1",
		Units:  []domain.Unit{{ID: "a", Order: 1}},
	}

	if _, err := m.StartSession(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := m.GetSession(req.ID)
	if !ok {
		t.Fatalf("expected session to exist")
	}
	if got.SessionID() != req.ID {
		t.Fatalf("expected session ID %s, got %s", req.ID, got.SessionID())
	}
	if owner, _ := m.Owner(req.ID); owner != "user-1" {
		t.Fatalf("owner = %q want user-1", owner)
	}
}

func TestSessionManager_DuplicateStart(t *testing.T) {
	m := newManager(t, nil)

	req := runner.StartRequest{ID: "session-dup", Units: []domain.Unit{{ID: "a", Order: 1}}}
	if _, err := m.StartSession(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.StartSession(context.Background(), req); !errors.Is(err, runner.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists on duplicate start, got %v", err)
	}
}

func TestSessionManager_ResumesDraftAcrossSessions(t *testing.T) {
	store := newRecordingStore()
	m := newManager(t, store)
	units := []domain.Unit{{ID: "a", Order: 1}, {ID: "b", Order: 2}, {ID: "c", Order: 3}}

	first, err := m.StartSession(context.Background(), runner.StartRequest{
		ID: "first", UserID: "u", SequenceID: "seq", Units: units,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := first.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if err := m.StopSession("first"); err != nil {
		t.Fatalf("unexpected error stopping session: %v", err)
	}

	second, err := m.StartSession(context.Background(), runner.StartRequest{
		ID: "second", UserID: "u", SequenceID: "seq", Units: units,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectState(t, second, presenting(1))
}

func TestSessionManager_Stop(t *testing.T) {
	m := newManager(t, nil)

	req := runner.StartRequest{ID: "session-stop", Units: []domain.Unit{{ID: "a", Order: 1, Quiz: quiz(1)}}}
	if _, err := m.StartSession(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, done, ok := m.Events(req.ID)
	if !ok {
		t.Fatalf("expected event stream")
	}

	if err := m.StopSession(req.ID); err != nil {
		t.Fatalf("unexpected error stopping session: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("done channel not closed")
	}
	if _, ok := m.GetSession(req.ID); ok {
		t.Fatalf("stopped session should be gone")
	}
}

func TestSessionManager_StopMissing(t *testing.T) {
	m := newManager(t, nil)

	if err := m.StopSession("missing"); !errors.Is(err, runner.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound when stopping missing session, got %v", err)
	}
	if err := m.CompleteSession("missing"); !errors.Is(err, runner.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound when completing missing session, got %v", err)
	}
}

func TestSessionManager_EventsAndOutcome(t *testing.T) {
	sink := &outcomeSink{}
	m := newManager(t, nil, runner.WithResultSink(sink))

	ctrl, err := m.StartSession(context.Background(), runner.StartRequest{
		ID: "s", UserID: "u", SequenceID: "seq",
		Units: []domain.Unit{{ID: "a", Order: 1}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events, _, _ := m.Events("s")

	if err := ctrl.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if err := m.CompleteSession("s"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	var types []runner.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []runner.EventType{runner.EventUnitComplete, runner.EventState, runner.EventSessionComplete}
	if len(types) != len(want) {
		t.Fatalf("events = %v want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v want %v", types, want)
		}
	}

	outcomes := sink.all()
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d want 1", len(outcomes))
	}
	o := outcomes[0]
	if o.SessionID != "s" || o.UserID != "u" || o.SequenceID != "seq" || o.Score != 100 || len(o.Units) != 1 {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestSessionManager_OutcomeForSessionCompleteOnStart(t *testing.T) {
	sink := &outcomeSink{}
	m := newManager(t, nil, runner.WithResultSink(sink))

	if _, err := m.StartSession(context.Background(), runner.StartRequest{ID: "empty", UserID: "u"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := sink.all(); len(got) != 1 || got[0].Score != 100 {
		t.Fatalf("outcomes = %+v want one with score 100", got)
	}
}

func TestSessionManager_Sweep(t *testing.T) {
	m := newManager(t, nil, runner.WithRetention(time.Minute))

	ctx := context.Background()
	done, _ := m.StartSession(ctx, runner.StartRequest{ID: "done", SequenceID: "s1", Units: []domain.Unit{{ID: "a", Order: 1}}})
	if _, err := m.StartSession(ctx, runner.StartRequest{ID: "open", SequenceID: "s2", Units: []domain.Unit{{ID: "a", Order: 1}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := done.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	if n := m.Sweep(time.Now()); n != 0 {
		t.Fatalf("swept %d fresh sessions", n)
	}
	if n := m.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("swept %d want 1", n)
	}
	if _, ok := m.GetSession("done"); ok {
		t.Fatalf("completed session survived sweep")
	}
	if _, ok := m.GetSession("open"); !ok {
		t.Fatalf("open session was swept")
	}
}

func TestSessionManager_OneLiveSessionPerSequence(t *testing.T) {
	m := newManager(t, newRecordingStore())
	ctx := context.Background()
	units := []domain.Unit{{ID: "a", Order: 1}, {ID: "b", Order: 2}}

	first, err := m.StartSession(ctx, runner.StartRequest{ID: "first", UserID: "u", SequenceID: "seq", Units: units})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = m.StartSession(ctx, runner.StartRequest{ID: "second", UserID: "u", SequenceID: "seq", Units: units})
	if !errors.Is(err, runner.ErrSequenceActive) {
		t.Fatalf("expected ErrSequenceActive for a second live session, got %v", err)
	}
	if _, ok := m.GetSession("second"); ok {
		t.Fatalf("rejected session must not be registered")
	}

	if _, err := m.StartSession(ctx, runner.StartRequest{ID: "other-seq", UserID: "u", SequenceID: "seq2", Units: units}); err != nil {
		t.Fatalf("other sequence: %v", err)
	}
	if _, err := m.StartSession(ctx, runner.StartRequest{ID: "other-user", UserID: "v", SequenceID: "seq", Units: units}); err != nil {
		t.Fatalf("other user: %v", err)
	}

	// A finished session is retired by the next start on its sequence.
	for range units {
		if err := first.Continue(); err != nil {
			t.Fatalf("Continue: %v", err)
		}
	}
	if _, err := m.StartSession(ctx, runner.StartRequest{ID: "retake", UserID: "u", SequenceID: "seq", Units: units}); err != nil {
		t.Fatalf("retake after completion: %v", err)
	}
	if _, ok := m.GetSession("first"); ok {
		t.Fatalf("finished session should be retired")
	}

	// Stopping frees the sequence.
	if err := m.StopSession("retake"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if _, err := m.StartSession(ctx, runner.StartRequest{ID: "again", UserID: "u", SequenceID: "seq", Units: units}); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
}

func TestSessionManager_ResetReopensSequence(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	units := []domain.Unit{{ID: "a", Order: 1}}

	ctrl, err := m.StartSession(ctx, runner.StartRequest{ID: "s", UserID: "u", SequenceID: "seq", Units: units})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ctrl.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if err := ctrl.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, err := m.StartSession(ctx, runner.StartRequest{ID: "t", UserID: "u", SequenceID: "seq", Units: units}); !errors.Is(err, runner.ErrSequenceActive) {
		t.Fatalf("reset session is live again, got %v", err)
	}
	if n := m.Sweep(time.Now().Add(48 * time.Hour)); n != 0 {
		t.Fatalf("swept %d reopened sessions", n)
	}
}

func TestSessionManager_LateReaderSeesCompletion(t *testing.T) {
	m := newManager(t, nil)
	units := []domain.Unit{
		{ID: "a", Order: 1, Quiz: quiz(4)},
		{ID: "b", Order: 2, Quiz: quiz(4)},
		{ID: "c", Order: 3, Quiz: quiz(4)},
	}

	ctrl, err := m.StartSession(context.Background(), runner.StartRequest{ID: "s", UserID: "u", SequenceID: "seq", Units: units})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for !ctrl.Finished() {
		if ctrl.State().Phase == runner.PhasePresenting {
			if err := ctrl.Continue(); err != nil {
				t.Fatalf("Continue: %v", err)
			}
			continue
		}
		sq, ok := ctrl.CurrentQuestion()
		if !ok {
			t.Fatalf("no question in %s", ctrl.State())
		}
		if _, err := ctrl.Submit(sq.DisplayCorrectIndex); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if err := ctrl.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	events, _, ok := m.Events("s")
	if !ok {
		t.Fatalf("expected event stream")
	}
	if n := len(events); n != cap(events) {
		t.Fatalf("buffer holds %d of %d events, expected it to have overflowed", n, cap(events))
	}

	var last runner.Event
	for len(events) > 0 {
		last = <-events
	}
	if last.Type != runner.EventSessionComplete {
		t.Fatalf("last buffered event = %s want %s", last.Type, runner.EventSessionComplete)
	}
	if last.Score == nil || *last.Score != 100 {
		t.Fatalf("session score = %v want 100", last.Score)
	}
}
