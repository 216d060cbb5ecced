package hierarchy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/insight-engine/backend/internal/apperr"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

// Store is the read side of the hierarchy plus the score write-back.
type Store interface {
	ListDomains(ctx context.Context, userID string) ([]models.Domain, error)
	ListAreas(ctx context.Context, userID string) ([]models.Area, error)
	ListInitiatives(ctx context.Context, userID string) ([]models.Initiative, error)
	ListItems(ctx context.Context, userID string) ([]models.Item, error)
	GetPreferences(ctx context.Context, userID string) (models.Preferences, bool, error)
	WriteBack(ctx context.Context, userID string, kind models.EntityKind, entityID string, priorityScore float64, analyzedAt time.Time) error
}

type Adapter struct {
	store Store
	now   func() time.Time
}

func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store, now: time.Now}
}

// WithClock replaces the snapshot timestamp source.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// LoadContext fetches the whole hierarchy and preferences concurrently. If
// any fetch fails the snapshot is not built and the error wraps
// apperr.ErrContextUnavailable.
func (a *Adapter) LoadContext(ctx context.Context, userID string) (*Snapshot, error) {
	var (
		domains     []models.Domain
		areas       []models.Area
		initiatives []models.Initiative
		items       []models.Item
		prefs       models.Preferences
		found       bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		domains, err = a.store.ListDomains(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		areas, err = a.store.ListAreas(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		initiatives, err = a.store.ListInitiatives(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		items, err = a.store.ListItems(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		prefs, found, err = a.store.GetPreferences(gctx, userID)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("Failed to load hierarchy context", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", apperr.ErrContextUnavailable, err)
	}

	if !found {
		prefs = models.DefaultPreferences(userID)
	}

	return NewSnapshot(userID, a.now(), prefs, domains, areas, initiatives, items), nil
}

// WriteBack persists the analysis-derived score on the target entity.
func (a *Adapter) WriteBack(ctx context.Context, userID string, kind models.EntityKind, entityID string, score float64, analyzedAt time.Time) error {
	return a.store.WriteBack(ctx, userID, kind, entityID, score, analyzedAt)
}
