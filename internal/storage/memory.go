package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hperssn/sprinter/internal/domain"
)

// MemoryRepository keeps everything in process. Drafts are stored encoded
// so callers never share state with the store.
type MemoryRepository struct {
	mu      sync.RWMutex
	results []SessionResult
	drafts  map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{drafts: make(map[string][]byte)}
}

func (m *MemoryRepository) SaveResult(_ context.Context, record *SessionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.results {
		if r.ID == record.ID {
			return errors.Errorf("result %s already stored", record.ID)
		}
	}
	rec := *record
	rec.Units = append([]UnitRecord(nil), record.Units...)
	m.results = append(m.results, rec)
	return nil
}

func (m *MemoryRepository) SaveOutcome(ctx context.Context, o domain.Outcome) error {
	return m.SaveResult(ctx, FromOutcome(o))
}

func (m *MemoryRepository) GetResultsByUser(ctx context.Context, userID string) ([]SessionResult, error) {
	return m.GetRecentResults(ctx, userID, time.Time{})
}

func (m *MemoryRepository) GetRecentResults(_ context.Context, userID string, since time.Time) ([]SessionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SessionResult
	for _, r := range m.results {
		if r.UserID == userID && !r.CompletedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out, nil
}

func (m *MemoryRepository) GetResultStats(ctx context.Context, userID string) (*ResultStats, error) {
	results, err := m.GetResultsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var stats ResultStats
	sum := 0
	for _, r := range results {
		stats.TotalSessions++
		sum += r.Score
		if r.Passed() {
			stats.PassedCount++
		}
		stats.BestScore = max(stats.BestScore, r.Score)
	}
	if stats.TotalSessions > 0 {
		stats.AverageScore = float64(sum) / float64(stats.TotalSessions)
		stats.PassRate = float64(stats.PassedCount) / float64(stats.TotalSessions) * 100
	}
	return &stats, nil
}

func (m *MemoryRepository) SaveDraft(_ context.Context, key string, d domain.Draft) error {
	raw, err := encodeDraft(d)
	if err != nil {
		return errors.Wrap(err, "encode draft")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[key] = []byte(raw)
	return nil
}

func (m *MemoryRepository) LoadDraft(_ context.Context, key string) (*domain.Draft, error) {
	m.mu.RLock()
	raw, ok := m.drafts[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeDraft(raw)
}

func (m *MemoryRepository) ClearDraft(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, key)
	return nil
}

func (m *MemoryRepository) Close() error { return nil }
