package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hperssn/sprinter/internal/domain"
	"github.com/hperssn/sprinter/internal/logger"
	"github.com/hperssn/sprinter/internal/runner"
	"github.com/hperssn/sprinter/internal/storage"
)

// ResultReader is the read side of the results store.
type ResultReader interface {
	GetResultsByUser(ctx context.Context, userID string) ([]storage.SessionResult, error)
	GetRecentResults(ctx context.Context, userID string, since time.Time) ([]storage.SessionResult, error)
	GetResultStats(ctx context.Context, userID string) (*storage.ResultStats, error)
}

type API struct {
	manager *runner.SessionManager
	results ResultReader
	log     *logger.Logger
	devUser string
	rv      *requestValidator
}

type Option func(*API)

func WithLogger(l *logger.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithDevUser lets unauthenticated requests through as the given user.
func WithDevUser(id string) Option {
	return func(a *API) { a.devUser = id }
}

func New(manager *runner.SessionManager, results ResultReader, opts ...Option) *API {
	a := &API{
		manager: manager,
		results: results,
		log:     logger.Nop(),
		rv:      newRequestValidator(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("service", "httpapi")
	return a
}

// Routes registers the session and result endpoints on r.
func (a *API) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(ExtractUser(a.log, a.devUser))

		r.Post("/sessions", a.startSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(a.requireOwner)
			r.Get("/", a.getSession)
			r.Delete("/", a.stopSession)
			r.Post("/continue", a.continueSession)
			r.Post("/answer", a.answer)
			r.Post("/next", a.next)
			r.Post("/reset", a.reset)
			r.Post("/complete", a.complete)
			r.Get("/events", StreamSessionEvents(a.manager))
		})

		r.Get("/results", a.listResults)
		r.Get("/results/stats", a.resultStats)
	})
}

type questionPayload struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
}

type unitPayload struct {
	ID           string            `json:"id" validate:"required,max=128"`
	Order        int               `json:"order"`
	Content      json.RawMessage   `json:"content"`
	Quiz         []questionPayload `json:"quiz"`
	EstimatedSec int               `json:"estimatedSec" validate:"gte=0"`
}

type startSessionRequest struct {
	SequenceID string        `json:"sequenceId" validate:"required,max=128"`
	Units      []unitPayload `json:"units" validate:"dive"`
	Seed       string        `json:"seed" validate:"omitempty,max=128"`
}

func (req startSessionRequest) domainUnits() []domain.Unit {
	units := make([]domain.Unit, len(req.Units))
	for i, u := range req.Units {
		quiz := make([]domain.Question, len(u.Quiz))
		for j, q := range u.Quiz {
			quiz[j] = domain.Question{Text: q.Text, Options: q.Options, CorrectIndex: q.CorrectIndex}
		}
		units[i] = domain.Unit{
			ID:           u.ID,
			Order:        u.Order,
			Content:      u.Content,
			Quiz:         quiz,
			EstimatedSec: u.EstimatedSec,
		}
	}
	return units
}

type answerRequest struct {
	Option *int `json:"option" validate:"required,gte=0"`
}

type unitView struct {
	ID           string          `json:"id"`
	Order        int             `json:"order"`
	Content      json.RawMessage `json:"content,omitempty"`
	EstimatedSec int             `json:"estimatedSec"`
	Questions    int             `json:"questions"`
}

// questionView never exposes the correct option before it was answered.
type questionView struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex *int     `json:"correctIndex,omitempty"`
}

type sessionView struct {
	ID        string             `json:"id"`
	State     runner.State       `json:"state"`
	Finished  bool               `json:"finished"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
	Score     int                `json:"score"`
	Unit      *unitView          `json:"unit,omitempty"`
	Question  *questionView      `json:"question,omitempty"`
	Units     []domain.UnitScore `json:"units"`
}

func newSessionView(c *runner.Controller) sessionView {
	state := c.State()
	done, total := c.Progress()

	v := sessionView{
		ID:        c.SessionID(),
		State:     state,
		Finished:  c.Finished(),
		Completed: done,
		Total:     total,
		Score:     c.Score(),
		Units:     c.UnitScores(),
	}

	if u, ok := c.CurrentUnit(); ok {
		v.Unit = &unitView{
			ID:           u.ID,
			Order:        u.Order,
			Content:      u.Content,
			EstimatedSec: u.EstimatedSec,
			Questions:    len(u.Quiz),
		}
	}

	if sq, ok := c.CurrentQuestion(); ok {
		v.Question = &questionView{Text: sq.Question.Text, Options: sq.DisplayOptions}
		if state.Phase == runner.PhaseFeedback {
			idx := sq.DisplayCorrectIndex
			v.Question.CorrectIndex = &idx
		}
	}

	return v
}

func (a *API) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if a.invalid(w, req) {
		return
	}

	ctrl, err := a.manager.StartSession(r.Context(), runner.StartRequest{
		UserID:     GetUserID(r),
		SequenceID: req.SequenceID,
		Units:      req.domainUnits(),
		Seed:       req.Seed,
	})
	if err != nil {
		a.respondErr(w, err)
		return
	}

	respondJSON(w, newSessionView(ctrl), http.StatusCreated)
}

// requireOwner resolves the session in the URL and hides sessions of other
// users behind a 404.
func (a *API) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, ok := a.manager.Owner(chi.URLParam(r, "id"))
		if !ok || owner != GetUserID(r) {
			respondError(w, "session not found", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// session is only called behind requireOwner, but the session may have been
// stopped in between.
func (a *API) session(w http.ResponseWriter, r *http.Request) (*runner.Controller, bool) {
	ctrl, ok := a.manager.GetSession(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, "session not found", http.StatusNotFound)
	}
	return ctrl, ok
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := a.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, newSessionView(ctrl), http.StatusOK)
}

func (a *API) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.StopSession(chi.URLParam(r, "id")); err != nil {
		a.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transition returns a handler applying op to the session.
func (a *API) transition(op func(*runner.Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctrl, ok := a.session(w, r)
		if !ok {
			return
		}
		if err := op(ctrl); err != nil {
			a.respondErr(w, err)
			return
		}
		respondJSON(w, newSessionView(ctrl), http.StatusOK)
	}
}

func (a *API) continueSession(w http.ResponseWriter, r *http.Request) {
	a.transition((*runner.Controller).Continue)(w, r)
}

func (a *API) next(w http.ResponseWriter, r *http.Request) {
	a.transition((*runner.Controller).Next)(w, r)
}

func (a *API) reset(w http.ResponseWriter, r *http.Request) {
	a.transition((*runner.Controller).Reset)(w, r)
}

func (a *API) complete(w http.ResponseWriter, r *http.Request) {
	a.transition((*runner.Controller).Complete)(w, r)
}

func (a *API) answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if a.invalid(w, req) {
		return
	}

	ctrl, ok := a.session(w, r)
	if !ok {
		return
	}

	correct, err := ctrl.Submit(*req.Option)
	if err != nil {
		a.respondErr(w, err)
		return
	}

	resp := struct {
		Correct bool `json:"correct"`
		sessionView
	}{
		Correct:     correct,
		sessionView: newSessionView(ctrl),
	}
	respondJSON(w, resp, http.StatusOK)
}

func (a *API) listResults(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)

	var (
		results []storage.SessionResult
		err     error
	)
	if s := r.URL.Query().Get("since"); s != "" {
		since, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			respondError(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		results, err = a.results.GetRecentResults(r.Context(), userID, since)
	} else {
		results, err = a.results.GetResultsByUser(r.Context(), userID)
	}
	if err != nil {
		a.respondErr(w, err)
		return
	}

	if results == nil {
		results = []storage.SessionResult{}
	}
	respondJSON(w, results, http.StatusOK)
}

func (a *API) resultStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.results.GetResultStats(r.Context(), GetUserID(r))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, stats, http.StatusOK)
}

func (a *API) invalid(w http.ResponseWriter, req any) bool {
	fields, err := a.rv.check(req)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return true
	}
	if fields != nil {
		respondJSON(w, map[string]any{"error": "validation failed", "fields": fields}, http.StatusBadRequest)
		return true
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrSessionExists),
		errors.Is(err, runner.ErrSequenceActive),
		errors.Is(err, runner.ErrWrongPhase),
		errors.Is(err, runner.ErrIncomplete),
		errors.Is(err, runner.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, runner.ErrInvalidOption):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", "error", err)
		respondError(w, http.StatusText(status), status)
		return
	}
	respondError(w, err.Error(), status)
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
