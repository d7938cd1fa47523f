package runner

import (
	"context"

	"github.com/hperssn/sprinter/internal/domain"
)

// DraftStore persists drafts under an opaque key. LoadDraft returns nil
// without error when nothing is stored. The controller treats every call as
// best effort: failures are logged and otherwise ignored.
type DraftStore interface {
	SaveDraft(ctx context.Context, key string, d domain.Draft) error
	LoadDraft(ctx context.Context, key string) (*domain.Draft, error)
	ClearDraft(ctx context.Context, key string) error
}

// Resume loads the draft stored under key and builds a controller on top of
// it. A failing store yields a fresh session.
func Resume(ctx context.Context, store DraftStore, key string, units []domain.Unit, seed string, opts ...Option) *Controller {
	c := newController(key, append([]Option{WithStore(store)}, opts...))

	var draft *domain.Draft
	if store != nil {
		d, err := store.LoadDraft(ctx, key)
		if err != nil {
			c.log.Warn("draft load failed, starting fresh", "draft_key", key, "error", err)
		} else {
			draft = d
		}
	}

	c.init(units, draft, seed)
	return c
}
