package runner

import (
	"errors"
	"testing"
	"time"

	"github.com/hperssn/sprinter/internal/domain"
)

func guardedController(t *testing.T, errs *[]error) *Controller {
	t.Helper()
	quiz := []domain.Question{
		{Text: "q1", Options: []string{"a", "b", "c"}, CorrectIndex: 0},
		{Text: "q2", Options: []string{"a", "b", "c"}, CorrectIndex: 2},
	}
	c := NewController("k", []domain.Unit{{ID: "u", Order: 1, Quiz: quiz}}, nil, "seed",
		WithScheduler(&stubScheduler{}),
		WithFeedbackDelay(time.Second),
		WithEvents(Events{OnRecoverableError: func(err error) { *errs = append(*errs, err) }}),
	)
	t.Cleanup(c.Close)
	return c
}

func TestGuardClampsUnitIndex(t *testing.T) {
	var errs []error
	c := guardedController(t, &errs)

	c.mu.Lock()
	c.state.UnitIndex = 5
	c.mu.Unlock()

	if err := c.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if got := c.State(); got != (State{Phase: PhaseQuizzing, UnitIndex: 0, QuestionIndex: 0}) {
		t.Fatalf("state = %s want Quizzing(0, 0)", got)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrStateDesync) {
		t.Fatalf("errors = %v want one ErrStateDesync", errs)
	}
}

func TestGuardClampsQuestionIndex(t *testing.T) {
	var errs []error
	c := guardedController(t, &errs)

	if err := c.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	c.mu.Lock()
	c.state.QuestionIndex = 7
	c.mu.Unlock()

	if _, err := c.Submit(0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := c.State(); got.Phase != PhaseFeedback || got.QuestionIndex != 1 {
		t.Fatalf("state = %s want Feedback on question 1", got)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrStateDesync) {
		t.Fatalf("errors = %v want one ErrStateDesync", errs)
	}
}
