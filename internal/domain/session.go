package domain

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateUnit  = errors.New("duplicate unit id")
	ErrDuplicateOrder = errors.New("duplicate unit order")
	ErrInvalidResult  = errors.New("invalid stored unit result")
)

// QuizState tracks the gate of the unit currently being worked on. Answers
// maps a question index to the selected original option index.
type QuizState struct {
	QuestionIndex int
	Answers       map[int]int
}

func newQuizState() *QuizState {
	return &QuizState{Answers: make(map[int]int)}
}

// CorrectCount is recomputed from the recorded answers on every call.
func (q *QuizState) CorrectCount(quiz []Question) int {
	if q == nil {
		return 0
	}
	n := 0
	for j, opt := range q.Answers {
		if j >= 0 && j < len(quiz) && quiz[j].CorrectIndex == opt {
			n++
		}
	}
	return n
}

// NextUnanswered returns the first question index without an answer, or n
// when every question has one.
func (q *QuizState) NextUnanswered(n int) int {
	for j := 0; j < n; j++ {
		if _, ok := q.Answers[j]; !ok {
			return j
		}
	}
	return n
}

type Session struct {
	ID           string
	UserID       string
	Seed         string
	Units        []Unit
	CurrentIdx   int
	CompletedIDs map[string]bool
	Results      map[string]UnitResult
	Quiz         *QuizState
	StartedAt    time.Time
}

// Draft is the persisted, resumable snapshot of a Session.
type Draft struct {
	CompletedUnitIDs []string              `json:"completedUnitIds"`
	Results          map[string]UnitResult `json:"results,omitempty"`
	CurrentUnitIndex int                   `json:"currentUnitIndex"`
	CurrentUnitID    string                `json:"currentUnitId,omitempty"`
	Answers          map[int]int           `json:"answers,omitempty"`
	SavedAt          time.Time             `json:"savedAt"`
}

// PrepareUnits orders units for traversal and strips what cannot be
// traversed. Units with a repeated id are dropped; a quiz containing a
// malformed question is removed so the unit acts as ungated. Every such
// correction is returned as an error.
func PrepareUnits(units []Unit) ([]Unit, []error) {
	sorted := make([]Unit, len(units))
	copy(sorted, units)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	var problems []error
	seenID := make(map[string]bool, len(sorted))
	seenOrder := make(map[int]string, len(sorted))
	out := make([]Unit, 0, len(sorted))

	for _, u := range sorted {
		if seenID[u.ID] {
			problems = append(problems, fmt.Errorf("%w: %q", ErrDuplicateUnit, u.ID))
			continue
		}
		seenID[u.ID] = true

		if prev, ok := seenOrder[u.Order]; ok {
			problems = append(problems, fmt.Errorf("%w: %q and %q share order %d", ErrDuplicateOrder, prev, u.ID, u.Order))
		} else {
			seenOrder[u.Order] = u.ID
		}

		for j, q := range u.Quiz {
			if err := q.Validate(); err != nil {
				problems = append(problems, fmt.Errorf("unit %q question %d: %w", u.ID, j, err))
				u.Quiz = nil
				break
			}
		}

		out = append(out, u)
	}

	return out, problems
}

func NewSession(id, userID, seed string, units []Unit) (*Session, []error) {
	if id == "" {
		id = uuid.New().String()
	}
	if seed == "" {
		seed = NewSeed()
	}

	prepared, problems := PrepareUnits(units)

	return &Session{
		ID:           id,
		UserID:       userID,
		Seed:         seed,
		Units:        prepared,
		CurrentIdx:   0,
		CompletedIDs: make(map[string]bool),
		Results:      make(map[string]UnitResult),
		StartedAt:    time.Now(),
	}, problems
}

// FirstIncomplete returns the index of the first unit not yet completed, or
// len(Units) when all are.
func (s *Session) FirstIncomplete() int {
	for i, u := range s.Units {
		if !s.CompletedIDs[u.ID] {
			return i
		}
	}
	return len(s.Units)
}

func (s *Session) Done() bool {
	return s.FirstIncomplete() == len(s.Units)
}

// MarkCompleted records the result of a unit, drops the active quiz and
// moves CurrentIdx to the next incomplete unit.
func (s *Session) MarkCompleted(unitID string, r UnitResult) {
	s.CompletedIDs[unitID] = true
	s.Results[unitID] = r
	s.Quiz = nil
	s.CurrentIdx = s.FirstIncomplete()
}

// ActiveQuiz returns the quiz state of the current unit, creating it on
// first use.
func (s *Session) ActiveQuiz() *QuizState {
	if s.Quiz == nil {
		s.Quiz = newQuizState()
	}
	return s.Quiz
}

func (s *Session) Reset() {
	s.CompletedIDs = make(map[string]bool)
	s.Results = make(map[string]UnitResult)
	s.Quiz = nil
	s.CurrentIdx = 0
}

// Restore applies a draft on top of a freshly built session. Ids the session
// does not know are ignored. An ungated unit may be completed without a
// stored result. A stored result that does not fit the unit's quiz leaves
// the unit incomplete and is returned as an error.
func (s *Session) Restore(d *Draft) []error {
	if d == nil {
		return nil
	}

	byID := make(map[string]Unit, len(s.Units))
	for _, u := range s.Units {
		byID[u.ID] = u
	}

	var problems []error
	for _, id := range d.CompletedUnitIDs {
		u, ok := byID[id]
		if !ok {
			continue
		}
		r := d.Results[id]
		if err := checkResult(u, r); err != nil {
			problems = append(problems, err)
			continue
		}
		s.CompletedIDs[id] = true
		s.Results[id] = r
	}

	s.CurrentIdx = s.FirstIncomplete()
	if s.CurrentIdx >= len(s.Units) || len(d.Answers) == 0 {
		return problems
	}

	cur := s.Units[s.CurrentIdx]
	sameUnit := d.CurrentUnitID == cur.ID || (d.CurrentUnitID == "" && d.CurrentUnitIndex == s.CurrentIdx)
	if !sameUnit || !cur.Gated() {
		return problems
	}

	q := newQuizState()
	for j, opt := range d.Answers {
		if j < 0 || j >= len(cur.Quiz) || opt < 0 || opt >= len(cur.Quiz[j].Options) {
			continue
		}
		q.Answers[j] = opt
	}
	if len(q.Answers) == 0 {
		return problems
	}
	q.QuestionIndex = q.NextUnanswered(len(cur.Quiz))
	s.Quiz = q
	return problems
}

// checkResult accepts a result only when its counts could have come from
// answering the unit's current quiz.
func checkResult(u Unit, r UnitResult) error {
	if r.Total != len(u.Quiz) {
		return fmt.Errorf("%w: unit %q has %d questions, result counts %d", ErrInvalidResult, u.ID, len(u.Quiz), r.Total)
	}
	if r.Correct < 0 || r.Correct > r.Total {
		return fmt.Errorf("%w: unit %q has %d of %d correct", ErrInvalidResult, u.ID, r.Correct, r.Total)
	}
	return nil
}

func (s *Session) Draft(now time.Time) Draft {
	d := Draft{
		CompletedUnitIDs: make([]string, 0, len(s.CompletedIDs)),
		Results:          maps.Clone(s.Results),
		CurrentUnitIndex: s.CurrentIdx,
		SavedAt:          now,
	}
	for _, u := range s.Units {
		if s.CompletedIDs[u.ID] {
			d.CompletedUnitIDs = append(d.CompletedUnitIDs, u.ID)
		}
	}
	if s.CurrentIdx < len(s.Units) {
		d.CurrentUnitID = s.Units[s.CurrentIdx].ID
	}
	if s.Quiz != nil && len(s.Quiz.Answers) > 0 {
		d.Answers = maps.Clone(s.Quiz.Answers)
	}
	return d
}

// OrderedResults lists the results of completed units in traversal order.
func (s *Session) OrderedResults() []UnitResult {
	out := make([]UnitResult, 0, len(s.Results))
	for _, u := range s.Units {
		if r, ok := s.Results[u.ID]; ok && s.CompletedIDs[u.ID] {
			out = append(out, r)
		}
	}
	return out
}

func (s *Session) Scores() []UnitScore {
	out := make([]UnitScore, 0, len(s.Results))
	for _, u := range s.Units {
		r, ok := s.Results[u.ID]
		if !ok || !s.CompletedIDs[u.ID] {
			continue
		}
		out = append(out, UnitScore{
			UnitID:  u.ID,
			Correct: r.Correct,
			Total:   r.Total,
			Score:   r.Score(),
		})
	}
	return out
}
