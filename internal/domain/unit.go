package domain

import (
	"encoding/json"
	"math"
	"time"
)

type Unit struct {
	ID           string          `json:"id"`
	Order        int             `json:"order"`
	Content      json.RawMessage `json:"content,omitempty"`
	Quiz         []Question      `json:"quiz,omitempty"`
	EstimatedSec int             `json:"estimatedSec"`
}

// Gated reports whether the unit has a quiz that must be passed through
// before it counts as done.
func (u Unit) Gated() bool {
	return len(u.Quiz) > 0
}

// UnitResult holds the answer counts of a completed unit. Total is zero for
// units without a gate.
type UnitResult struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

func (r UnitResult) Gated() bool {
	return r.Total > 0
}

func (r UnitResult) Score() int {
	if r.Total <= 0 {
		return 100
	}
	return percent(float64(r.Correct) / float64(r.Total))
}

type UnitScore struct {
	UnitID  string `json:"unitId"`
	Correct int    `json:"correct"`
	Total   int    `json:"total"`
	Score   int    `json:"score"`
}

// NoGatePolicy decides how units without a quiz enter the aggregate score.
type NoGatePolicy int

const (
	// NoGateFullCredit counts an ungated unit as a 100 score.
	NoGateFullCredit NoGatePolicy = iota
	// NoGateExclude leaves ungated units out of the mean.
	NoGateExclude
)

func ParseNoGatePolicy(s string) (NoGatePolicy, bool) {
	switch s {
	case "", "full", "full_credit":
		return NoGateFullCredit, true
	case "exclude":
		return NoGateExclude, true
	default:
		return NoGateFullCredit, false
	}
}

func (p NoGatePolicy) String() string {
	if p == NoGateExclude {
		return "exclude"
	}
	return "full_credit"
}

// AggregateScore is the rounded mean of per-unit scores. It is 100 when no
// result contributes.
func AggregateScore(results []UnitResult, policy NoGatePolicy) int {
	sum, n := 0, 0
	for _, r := range results {
		if !r.Gated() && policy == NoGateExclude {
			continue
		}
		sum += r.Score()
		n++
	}
	if n == 0 {
		return 100
	}
	return int(math.Round(float64(sum) / float64(n)))
}

// Outcome summarizes a finished session for result storage.
type Outcome struct {
	SessionID   string
	UserID      string
	SequenceID  string
	Score       int
	Units       []UnitScore
	StartedAt   time.Time
	CompletedAt time.Time
}

func percent(ratio float64) int {
	return int(math.Round(100 * ratio))
}
