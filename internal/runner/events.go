package runner

import (
	"fmt"
	"strings"
)

type Phase int

const (
	PhasePresenting Phase = iota
	PhaseQuizzing
	PhaseFeedback
	PhaseCompleted
)

var phaseNames = [...]string{"presenting", "quizzing", "feedback", "completed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if strings.EqualFold(string(b), name) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// State is where the learner is in the sequence. QuestionIndex is only
// meaningful while quizzing or in feedback, WasCorrect only in feedback.
type State struct {
	Phase         Phase `json:"phase"`
	UnitIndex     int   `json:"unitIndex"`
	QuestionIndex int   `json:"questionIndex"`
	WasCorrect    bool  `json:"wasCorrect"`
}

func (s State) String() string {
	switch s.Phase {
	case PhasePresenting:
		return fmt.Sprintf("Presenting(%d)", s.UnitIndex)
	case PhaseQuizzing:
		return fmt.Sprintf("Quizzing(%d, %d)", s.UnitIndex, s.QuestionIndex)
	case PhaseFeedback:
		return fmt.Sprintf("Feedback(%d, %d, %t)", s.UnitIndex, s.QuestionIndex, s.WasCorrect)
	default:
		return "Completed"
	}
}

// Events are the outbound hooks of a Controller. Any of them may be nil.
// They run after the controller releases its lock, in transition order, so
// they may call back into the controller.
type Events struct {
	OnUnitComplete     func(unitID string, score int)
	OnSessionComplete  func(score int)
	OnRecoverableError func(err error)
	OnStateChange      func(s State)
}

type EventType string

const (
	EventState           EventType = "state"
	EventUnitComplete    EventType = "unit_complete"
	EventSessionComplete EventType = "session_complete"
	EventError           EventType = "error"
)

// Event is the streamed form of the Events hooks.
type Event struct {
	Type   EventType `json:"type"`
	State  *State    `json:"state,omitempty"`
	UnitID string    `json:"unitId,omitempty"`
	Score  *int      `json:"score,omitempty"`
	Error  string    `json:"error,omitempty"`
}
