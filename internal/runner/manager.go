package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hperssn/sprinter/internal/domain"
	"github.com/hperssn/sprinter/internal/logger"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	// ErrSequenceActive is returned when the learner already has an
	// unfinished session on the same sequence.
	ErrSequenceActive = errors.New("sequence already in progress")
)

// ResultSink receives the outcome of every completed session.
type ResultSink interface {
	SaveOutcome(ctx context.Context, o domain.Outcome) error
}

type StartRequest struct {
	ID         string
	UserID     string
	SequenceID string
	Units      []domain.Unit
	Seed       string
}

// DraftKey is the storage key of a learner's draft for one unit sequence.
func DraftKey(userID, sequenceID string) string {
	return userID + ":" + sequenceID
}

type sessionEntry struct {
	ctrl       *Controller
	userID     string
	sequenceID string

	pubMu  sync.Mutex
	events chan Event
	done   chan struct{}

	score       int
	completedAt time.Time
}

// publish never blocks. When the buffer is full the oldest event is
// discarded; readers start from the current state anyway.
func (e *sessionEntry) publish(ev Event) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	for {
		select {
		case e.events <- ev:
			return
		default:
		}
		select {
		case <-e.events:
		default:
		}
	}
}

func (e *sessionEntry) draftKey() string {
	return DraftKey(e.userID, e.sequenceID)
}

type ManagerOption func(*SessionManager)

func WithResultSink(s ResultSink) ManagerOption {
	return func(m *SessionManager) { m.results = s }
}

func WithManagerLogger(l *logger.Logger) ManagerOption {
	return func(m *SessionManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithRetention sets how long a completed session stays reachable.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *SessionManager) { m.retention = d }
}

// WithControllerOptions are applied to every controller the manager starts.
func WithControllerOptions(opts ...Option) ManagerOption {
	return func(m *SessionManager) { m.ctrlOpts = append(m.ctrlOpts, opts...) }
}

type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	// byKey maps a draft key to the session id currently using it.
	byKey map[string]string

	store     DraftStore
	results   ResultSink
	log       *logger.Logger
	ctrlOpts  []Option
	retention time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func NewSessionManager(store DraftStore, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		sessions:  make(map[string]*sessionEntry),
		byKey:     make(map[string]string),
		store:     store,
		log:       logger.Nop(),
		retention: time.Hour,
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("service", "SessionManager")

	go m.cleanupLoop()

	return m
}

func (m *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				m.log.Debug("swept completed sessions", "count", n)
			}
		case <-m.stop:
			return
		}
	}
}

// Sweep drops sessions that completed more than the retention period
// before now and returns how many were removed.
func (m *SessionManager) Sweep(now time.Time) int {
	m.mu.Lock()
	cutoff := now.Add(-m.retention)
	var stale []*sessionEntry
	for id, e := range m.sessions {
		if e.ctrl != nil && !e.completedAt.IsZero() && e.completedAt.Before(cutoff) {
			stale = append(stale, e)
			m.remove(id, e)
		}
	}
	m.mu.Unlock()

	for _, e := range stale {
		e.ctrl.Close()
		close(e.done)
	}
	return len(stale)
}

// StartSession builds a controller for the request, resuming the learner's
// stored draft for the same sequence.
func (m *SessionManager) StartSession(ctx context.Context, req StartRequest) (*Controller, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	e := &sessionEntry{
		userID:     req.UserID,
		sequenceID: req.SequenceID,
		events:     make(chan Event, len(req.Units)*4+16),
		done:       make(chan struct{}),
	}

	key := e.draftKey()

	m.mu.Lock()
	if _, exists := m.sessions[req.ID]; exists {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	// Two live controllers on one draft key would overwrite each other's
	// drafts. A finished session on the key is retired instead.
	var retired *sessionEntry
	if prevID, ok := m.byKey[key]; ok {
		prev := m.sessions[prevID]
		if prev.ctrl == nil || prev.completedAt.IsZero() {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: session %s", ErrSequenceActive, prevID)
		}
		m.remove(prevID, prev)
		retired = prev
	}
	m.sessions[req.ID] = e
	m.byKey[key] = req.ID
	m.mu.Unlock()

	if retired != nil {
		retired.ctrl.Close()
		close(retired.done)
	}

	events := Events{
		OnStateChange: func(s State) {
			if s.Phase != PhaseCompleted {
				// Reset reopens a finished session.
				m.mu.Lock()
				e.completedAt = time.Time{}
				m.mu.Unlock()
			}
			e.publish(Event{Type: EventState, State: &s})
		},
		OnUnitComplete: func(unitID string, score int) {
			e.publish(Event{Type: EventUnitComplete, UnitID: unitID, Score: &score})
		},
		OnRecoverableError: func(err error) {
			e.publish(Event{Type: EventError, Error: err.Error()})
		},
		OnSessionComplete: func(score int) {
			m.mu.Lock()
			e.score = score
			e.completedAt = time.Now()
			ready := e.ctrl != nil
			m.mu.Unlock()

			e.publish(Event{Type: EventSessionComplete, Score: &score})
			if ready {
				m.recordOutcome(e)
			}
		},
	}

	opts := append([]Option{}, m.ctrlOpts...)
	opts = append(opts,
		WithIdentity(req.ID, req.UserID),
		WithLogger(m.log),
		WithEvents(events),
	)
	ctrl := Resume(ctx, m.store, DraftKey(req.UserID, req.SequenceID), req.Units, req.Seed, opts...)

	m.mu.Lock()
	e.ctrl = ctrl
	completedEarly := !e.completedAt.IsZero()
	m.mu.Unlock()

	if completedEarly {
		m.recordOutcome(e)
	}

	m.log.Info("session started", "session_id", req.ID, "user_id", req.UserID, "units", len(req.Units))
	return ctrl, nil
}

func (m *SessionManager) recordOutcome(e *sessionEntry) {
	if m.results == nil {
		return
	}

	m.mu.Lock()
	score, completedAt := e.score, e.completedAt
	m.mu.Unlock()

	o := domain.Outcome{
		SessionID:   e.ctrl.SessionID(),
		UserID:      e.userID,
		SequenceID:  e.sequenceID,
		Score:       score,
		Units:       e.ctrl.UnitScores(),
		StartedAt:   e.ctrl.StartedAt(),
		CompletedAt: completedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.results.SaveOutcome(ctx, o); err != nil {
		m.log.Error("saving session outcome failed", "session_id", o.SessionID, "error", err)
	}
}

// remove drops a session from the registry. Callers hold m.mu.
func (m *SessionManager) remove(id string, e *sessionEntry) {
	delete(m.sessions, id)
	if m.byKey[e.draftKey()] == id {
		delete(m.byKey, e.draftKey())
	}
}

func (m *SessionManager) lookup(id string) (*sessionEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || e.ctrl == nil {
		return nil, false
	}
	return e, true
}

func (m *SessionManager) GetSession(id string) (*Controller, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Owner returns the learner a session belongs to.
func (m *SessionManager) Owner(id string) (string, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return "", false
	}
	return e.userID, true
}

// Events returns the event stream of a session and a channel closed when
// the session is stopped.
func (m *SessionManager) Events(id string) (<-chan Event, <-chan struct{}, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, nil, false
	}
	return e.events, e.done, true
}

func (m *SessionManager) CompleteSession(id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return e.ctrl.Complete()
}

// StopSession tears the session down, flushing its pending draft.
func (m *SessionManager) StopSession(id string) error {
	m.mu.Lock()
	e, exists := m.sessions[id]
	if !exists || e.ctrl == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	m.remove(id, e)
	m.mu.Unlock()

	e.ctrl.Close()
	close(e.done)
	return nil
}

// Shutdown stops the sweeper and closes every live session.
func (m *SessionManager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.ctrl != nil {
			entries = append(entries, e)
			m.remove(id, e)
		}
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.ctrl.Close()
		close(e.done)
	}
}
