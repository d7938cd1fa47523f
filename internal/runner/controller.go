package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hperssn/sprinter/internal/domain"
	"github.com/hperssn/sprinter/internal/logger"
)

var (
	ErrWrongPhase    = errors.New("operation not allowed in current phase")
	ErrInvalidOption = errors.New("invalid option index")
	ErrStateDesync   = errors.New("session state out of range")
	ErrIncomplete    = errors.New("session has incomplete units")
	ErrClosed        = errors.New("controller closed")
)

const (
	DefaultFeedbackDelay = 1200 * time.Millisecond
	DefaultSaveDebounce  = 1500 * time.Millisecond

	storeTimeout = 5 * time.Second
)

type Option func(*Controller)

func WithEvents(e Events) Option {
	return func(c *Controller) { c.events = e }
}

func WithStore(s DraftStore) Option {
	return func(c *Controller) { c.store = s }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithScheduler(s Scheduler) Option {
	return func(c *Controller) {
		if s != nil {
			c.sched = s
		}
	}
}

func WithFeedbackDelay(d time.Duration) Option {
	return func(c *Controller) { c.feedbackDelay = d }
}

func WithSaveDebounce(d time.Duration) Option {
	return func(c *Controller) { c.saveDebounce = d }
}

func WithNoGatePolicy(p domain.NoGatePolicy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithIdentity sets the session id and the learner it belongs to. Without
// it a random session id is used.
func WithIdentity(sessionID, userID string) Option {
	return func(c *Controller) {
		c.sessionID = sessionID
		c.userID = userID
	}
}

// Controller drives one learner through an ordered list of units. Each
// unit may be gated by a quiz; answers are compared against the shuffled
// view for the session seed. Progress is saved as a draft after a debounce
// window and cleared once every unit is done.
type Controller struct {
	mu sync.Mutex
	// ioMu orders draft writes against clears; taken before mu.
	ioMu sync.Mutex

	key       string
	sessionID string
	userID    string
	session   *domain.Session
	state     State

	events        Events
	store         DraftStore
	log           *logger.Logger
	sched         Scheduler
	feedbackDelay time.Duration
	saveDebounce  time.Duration
	policy        domain.NoGatePolicy
	now           func() time.Time

	feedback timerSlot
	save     timerSlot

	finished bool
	closed   bool
	outbox   []func()
}

// NewController builds a controller for units, resuming from draft when it
// is not nil. Problems with the units are reported through
// OnRecoverableError before NewController returns.
func NewController(key string, units []domain.Unit, draft *domain.Draft, seed string, opts ...Option) *Controller {
	c := newController(key, opts)
	c.init(units, draft, seed)
	return c
}

func newController(key string, opts []Option) *Controller {
	c := &Controller{
		key:           key,
		log:           logger.Nop(),
		sched:         clockScheduler{},
		feedbackDelay: DefaultFeedbackDelay,
		saveDebounce:  DefaultSaveDebounce,
		now:           time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.feedback.sched = c.sched
	c.save.sched = c.sched
	return c
}

func (c *Controller) init(units []domain.Unit, draft *domain.Draft, seed string) {
	sess, problems := domain.NewSession(c.sessionID, c.userID, seed, units)
	problems = append(problems, sess.Restore(draft)...)

	c.session = sess
	c.sessionID = sess.ID
	c.log = c.log.With("session_id", sess.ID, "draft_key", c.key)

	_ = c.run(func() error {
		for _, p := range problems {
			c.report(p)
		}
		if sess.Done() {
			c.finish()
			return nil
		}
		c.state = State{Phase: PhasePresenting, UnitIndex: sess.CurrentIdx}
		return nil
	})
}

// run executes fn under the lock and then delivers queued events.
func (c *Controller) run(fn func() error) error {
	c.mu.Lock()
	err := fn()
	out := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, f := range out {
		f()
	}
	return err
}

// Continue leaves the presented unit: into its quiz when it has one,
// otherwise straight on to the next unit.
func (c *Controller) Continue() error {
	return c.run(func() error {
		if c.closed {
			return ErrClosed
		}
		if c.state.Phase != PhasePresenting {
			return fmt.Errorf("%w: continue in %s", ErrWrongPhase, c.state.Phase)
		}

		i, ok := c.guardUnit()
		if !ok {
			return nil
		}
		u := c.session.Units[i]
		if !u.Gated() {
			c.completeUnit(i, domain.UnitResult{})
			return nil
		}

		q := c.session.ActiveQuiz()
		j := q.NextUnanswered(len(u.Quiz))
		if j >= len(u.Quiz) {
			c.completeUnit(i, domain.UnitResult{Correct: q.CorrectCount(u.Quiz), Total: len(u.Quiz)})
			return nil
		}

		q.QuestionIndex = j
		c.setState(State{Phase: PhaseQuizzing, UnitIndex: i, QuestionIndex: j})
		c.scheduleSave()
		return nil
	})
}

// Submit answers the active question with a display position. The answer
// is checked against the shuffled order, never the authored one.
func (c *Controller) Submit(display int) (bool, error) {
	var correct bool
	err := c.run(func() error {
		if c.closed {
			return ErrClosed
		}
		if c.state.Phase != PhaseQuizzing {
			return fmt.Errorf("%w: answer in %s", ErrWrongPhase, c.state.Phase)
		}

		i, ok := c.guardUnit()
		if !ok {
			return nil
		}
		u := c.session.Units[i]
		if !u.Gated() {
			c.report(fmt.Errorf("%w: unit %q has no quiz", ErrStateDesync, u.ID))
			c.completeUnit(i, domain.UnitResult{})
			return nil
		}

		j := c.guardQuestion(len(u.Quiz))
		sq := domain.Shuffle(u.Quiz[j], c.session.Seed)
		orig, ok := sq.OriginalIndex(display)
		if !ok {
			return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidOption, display, len(sq.DisplayOptions))
		}

		correct = display == sq.DisplayCorrectIndex

		q := c.session.ActiveQuiz()
		q.Answers[j] = orig
		q.QuestionIndex = j

		c.setState(State{Phase: PhaseFeedback, UnitIndex: i, QuestionIndex: j, WasCorrect: correct})
		c.feedback.schedule(c.feedbackDelay, c.onFeedbackTimer)
		c.scheduleSave()
		return nil
	})
	return correct, err
}

// Next skips the rest of the feedback delay.
func (c *Controller) Next() error {
	return c.run(func() error {
		if c.closed {
			return ErrClosed
		}
		if c.state.Phase != PhaseFeedback {
			return fmt.Errorf("%w: next in %s", ErrWrongPhase, c.state.Phase)
		}
		c.feedback.cancel()
		c.advance()
		return nil
	})
}

// Complete is the explicit completion signal. It is a no-op once the
// session has completed and fails while units remain.
func (c *Controller) Complete() error {
	return c.run(func() error {
		if c.closed {
			return ErrClosed
		}
		if !c.session.Done() {
			return fmt.Errorf("%w: %d of %d done", ErrIncomplete, len(c.session.CompletedIDs), len(c.session.Units))
		}
		c.finish()
		return nil
	})
}

// Reset discards all progress and the stored draft and starts over.
func (c *Controller) Reset() error {
	return c.run(func() error {
		if c.closed {
			return ErrClosed
		}
		c.feedback.cancel()
		c.save.cancel()
		c.session.Reset()
		c.finished = false
		c.outbox = append(c.outbox, c.clearDraft)

		if len(c.session.Units) == 0 {
			c.finish()
			return nil
		}
		c.setState(State{Phase: PhasePresenting, UnitIndex: 0})
		return nil
	})
}

// Close tears the controller down. Pending timers are invalidated and will
// not touch the session afterwards; a pending draft save is written before
// Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	flush := c.save.pending() && !c.finished
	c.feedback.cancel()
	c.save.cancel()
	c.mu.Unlock()

	if !flush {
		return
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	d := c.session.Draft(c.now())
	c.mu.Unlock()
	c.writeDraft(d)
}

func (c *Controller) onFeedbackTimer(gen uint64) {
	_ = c.run(func() error {
		if !c.feedback.claim(gen) || c.closed {
			return nil
		}
		if c.state.Phase != PhaseFeedback {
			c.report(fmt.Errorf("%w: feedback timer fired in %s", ErrStateDesync, c.state.Phase))
			return nil
		}
		c.advance()
		return nil
	})
}

func (c *Controller) onSaveTimer(gen uint64) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	if !c.save.claim(gen) || c.finished || c.closed {
		c.mu.Unlock()
		return
	}
	d := c.session.Draft(c.now())
	c.mu.Unlock()

	c.writeDraft(d)
}

// advance leaves feedback for the next unanswered question, or completes
// the unit when none is left.
func (c *Controller) advance() {
	i, ok := c.guardUnit()
	if !ok {
		return
	}
	u := c.session.Units[i]
	if !u.Gated() {
		c.report(fmt.Errorf("%w: unit %q has no quiz", ErrStateDesync, u.ID))
		c.completeUnit(i, domain.UnitResult{})
		return
	}

	c.guardQuestion(len(u.Quiz))
	q := c.session.ActiveQuiz()
	next := q.NextUnanswered(len(u.Quiz))
	if next < len(u.Quiz) {
		q.QuestionIndex = next
		c.setState(State{Phase: PhaseQuizzing, UnitIndex: i, QuestionIndex: next})
		c.scheduleSave()
		return
	}

	c.completeUnit(i, domain.UnitResult{Correct: q.CorrectCount(u.Quiz), Total: len(u.Quiz)})
}

func (c *Controller) completeUnit(i int, r domain.UnitResult) {
	u := c.session.Units[i]
	c.session.MarkCompleted(u.ID, r)

	score := r.Score()
	c.log.Debug("unit completed", "unit_id", u.ID, "score", score)
	if c.events.OnUnitComplete != nil {
		fn := c.events.OnUnitComplete
		c.outbox = append(c.outbox, func() { fn(u.ID, score) })
	}

	if c.session.Done() {
		c.finish()
		return
	}
	c.setState(State{Phase: PhasePresenting, UnitIndex: c.session.CurrentIdx})
	c.scheduleSave()
}

// finish enters Completed. The draft is cleared and OnSessionComplete runs
// only the first time.
func (c *Controller) finish() {
	c.setState(State{Phase: PhaseCompleted})
	if c.finished {
		return
	}
	c.finished = true
	c.feedback.cancel()
	c.save.cancel()

	score := domain.AggregateScore(c.session.OrderedResults(), c.policy)
	c.log.Info("session completed", "score", score, "units", len(c.session.Units))

	fn := c.events.OnSessionComplete
	c.outbox = append(c.outbox, func() {
		c.clearDraft()
		if fn != nil {
			fn(score)
		}
	})
}

// guardUnit returns the unit the learner must be on. A state pointing
// elsewhere is corrected and reported. ok is false when every unit is done,
// in which case the session has been finished.
func (c *Controller) guardUnit() (int, bool) {
	want := c.session.FirstIncomplete()
	if want >= len(c.session.Units) {
		if c.state.Phase != PhaseCompleted {
			c.report(fmt.Errorf("%w: no incomplete unit left in %s", ErrStateDesync, c.state.Phase))
		}
		c.finish()
		return 0, false
	}
	if c.state.UnitIndex != want {
		c.report(fmt.Errorf("%w: unit index %d, expected %d", ErrStateDesync, c.state.UnitIndex, want))
		c.state.UnitIndex = want
	}
	return want, true
}

func (c *Controller) guardQuestion(n int) int {
	j := c.state.QuestionIndex
	clamped := min(max(j, 0), n-1)
	if clamped != j {
		c.report(fmt.Errorf("%w: question index %d not in [0,%d)", ErrStateDesync, j, n))
		c.state.QuestionIndex = clamped
	}
	return clamped
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	c.state = s
	if fn := c.events.OnStateChange; fn != nil {
		c.outbox = append(c.outbox, func() { fn(s) })
	}
}

func (c *Controller) report(err error) {
	c.log.Warn("recoverable session error", "error", err)
	if fn := c.events.OnRecoverableError; fn != nil {
		c.outbox = append(c.outbox, func() { fn(err) })
	}
}

func (c *Controller) scheduleSave() {
	if c.store == nil || c.closed || c.finished {
		return
	}
	c.save.schedule(c.saveDebounce, c.onSaveTimer)
}

func (c *Controller) writeDraft(d domain.Draft) {
	c.withStore("save", func(ctx context.Context) error {
		return c.store.SaveDraft(ctx, c.key, d)
	})
}

func (c *Controller) clearDraft() {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	c.withStore("clear", func(ctx context.Context) error {
		return c.store.ClearDraft(ctx, c.key)
	})
}

func (c *Controller) withStore(op string, fn func(ctx context.Context) error) {
	if c.store == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("draft store panicked", "op", op, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.log.Warn("draft store failed", "op", op, "error", err)
	}
}

func (c *Controller) Key() string { return c.key }

func (c *Controller) SessionID() string { return c.sessionID }

func (c *Controller) UserID() string { return c.userID }

func (c *Controller) Seed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Seed
}

func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.StartedAt
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Score is the aggregate over the units completed so far.
func (c *Controller) Score() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.AggregateScore(c.session.OrderedResults(), c.policy)
}

func (c *Controller) UnitScores() []domain.UnitScore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Scores()
}

func (c *Controller) Snapshot() domain.Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Draft(c.now())
}

// Progress returns the number of completed units and the total.
func (c *Controller) Progress() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.session.CompletedIDs), len(c.session.Units)
}

func (c *Controller) CurrentUnit() (domain.Unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == PhaseCompleted {
		return domain.Unit{}, false
	}
	i := c.state.UnitIndex
	if i < 0 || i >= len(c.session.Units) {
		return domain.Unit{}, false
	}
	return c.session.Units[i], true
}

// CurrentQuestion returns the display view of the active question while
// quizzing or showing feedback.
func (c *Controller) CurrentQuestion() (domain.ShuffledQuestion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseQuizzing && c.state.Phase != PhaseFeedback {
		return domain.ShuffledQuestion{}, false
	}
	i, j := c.state.UnitIndex, c.state.QuestionIndex
	if i < 0 || i >= len(c.session.Units) {
		return domain.ShuffledQuestion{}, false
	}
	quiz := c.session.Units[i].Quiz
	if j < 0 || j >= len(quiz) {
		return domain.ShuffledQuestion{}, false
	}
	return domain.Shuffle(quiz[j], c.session.Seed), true
}
