package storage

import (
	"context"
	"time"

	"github.com/hperssn/sprinter/internal/domain"
)

// Repository stores completed session results and in-progress drafts.
type Repository interface {
	SaveResult(ctx context.Context, record *SessionResult) error

	GetResultsByUser(ctx context.Context, userID string) ([]SessionResult, error)

	GetRecentResults(ctx context.Context, userID string, since time.Time) ([]SessionResult, error)

	GetResultStats(ctx context.Context, userID string) (*ResultStats, error)

	// SaveOutcome records a finished session.
	SaveOutcome(ctx context.Context, o domain.Outcome) error

	SaveDraft(ctx context.Context, key string, d domain.Draft) error

	LoadDraft(ctx context.Context, key string) (*domain.Draft, error)

	ClearDraft(ctx context.Context, key string) error

	Close() error
}

type ResultStats struct {
	TotalSessions int     `json:"totalSessions"`
	PassedCount   int     `json:"passedCount"`
	AverageScore  float64 `json:"averageScore"`
	BestScore     int     `json:"bestScore"`
	PassRate      float64 `json:"passRate"`
}
