package domain

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/google/uuid"
)

var ErrMalformedQuestion = errors.New("malformed question")

type Question struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
}

// Validate reports whether the question can act as part of a quiz gate.
// A question without options cannot be answered, so it is rejected too.
func (q Question) Validate() error {
	if len(q.Options) == 0 {
		return fmt.Errorf("%w: %q has no options", ErrMalformedQuestion, q.Text)
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return fmt.Errorf(
			"%w: %q correct index %d out of range [0,%d)",
			ErrMalformedQuestion, q.Text, q.CorrectIndex, len(q.Options),
		)
	}
	return nil
}

// ShuffledQuestion is the display view of a Question for one session seed.
// It is recomputed on demand and never persisted.
type ShuffledQuestion struct {
	Question            Question `json:"-"`
	DisplayOptions      []string `json:"options"`
	DisplayCorrectIndex int      `json:"-"`

	// Order[k] is the original option index shown at display position k.
	Order []int `json:"-"`
}

// OriginalIndex maps a display position back to the original option index.
func (s ShuffledQuestion) OriginalIndex(display int) (int, bool) {
	if display < 0 || display >= len(s.Order) {
		return 0, false
	}
	return s.Order[display], true
}

// Shuffle returns the options of q in a permutation that depends only on
// q.Text and seed. Questions with fewer than two options pass through.
func Shuffle(q Question, seed string) ShuffledQuestion {
	n := len(q.Options)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	if n < 2 {
		return ShuffledQuestion{
			Question:            q,
			DisplayOptions:      append([]string(nil), q.Options...),
			DisplayCorrectIndex: 0,
			Order:               order,
		}
	}

	r := seededRand(q.Text, seed)
	for i := n - 1; i > 0; i-- {
		j := r.IntN(i + 1)
		order[i], order[j] = order[j], order[i]
	}

	correct := min(max(q.CorrectIndex, 0), n-1)

	display := make([]string, n)
	displayCorrect := 0
	for k, orig := range order {
		display[k] = q.Options[orig]
		if orig == correct {
			displayCorrect = k
		}
	}

	return ShuffledQuestion{
		Question:            q,
		DisplayOptions:      display,
		DisplayCorrectIndex: displayCorrect,
		Order:               order,
	}
}

func seededRand(text, seed string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(seed))
	sum := h.Sum64()

	return rand.New(rand.NewPCG(sum, sum^0x9e3779b97f4a7c15))
}

// NewSeed returns a fresh per-viewing session seed.
func NewSeed() string {
	return uuid.NewString()
}
