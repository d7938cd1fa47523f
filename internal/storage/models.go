package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hperssn/sprinter/internal/domain"
)

// PassScore is the aggregate score at which a session counts as passed.
const PassScore = 70

type SessionResult struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	UserID      string       `json:"userId"`
	SequenceID  string       `json:"sequenceId"`
	Score       int          `json:"score"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt time.Time    `json:"completedAt"`
	Units       []UnitRecord `json:"units"`
}

type UnitRecord struct {
	UnitID  string `json:"unitId"`
	Correct int    `json:"correct"`
	Total   int    `json:"total"`
	Score   int    `json:"score"`
}

// FromOutcome converts a finished session into a storable result. Every
// call yields a new result id, so a session that is reset and finished again
// is recorded twice.
func FromOutcome(o domain.Outcome) *SessionResult {
	units := make([]UnitRecord, len(o.Units))
	for i, u := range o.Units {
		units[i] = UnitRecord{
			UnitID:  u.UnitID,
			Correct: u.Correct,
			Total:   u.Total,
			Score:   u.Score,
		}
	}

	completedAt := o.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	return &SessionResult{
		ID:          uuid.New().String(),
		SessionID:   o.SessionID,
		UserID:      o.UserID,
		SequenceID:  o.SequenceID,
		Score:       o.Score,
		StartedAt:   o.StartedAt,
		CompletedAt: completedAt,
		Units:       units,
	}
}

func (r SessionResult) Passed() bool {
	return r.Score >= PassScore
}

func encodeDraft(d domain.Draft) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeDraft(raw []byte) (*domain.Draft, error) {
	var d domain.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
