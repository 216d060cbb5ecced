package blackboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/apperr"
	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/internal/storage/sqlite"
	"github.com/insight-engine/backend/pkg/logger"
)

// Store is the persistence the repository needs. *sqlite.Client satisfies it.
type Store interface {
	StoreInsightVersion(ctx context.Context, ins *models.Insight) error
	GetInsight(ctx context.Context, userID, id string) (*models.Insight, error)
	QueryInsights(ctx context.Context, userID string, f models.InsightFilter) ([]*models.Insight, error)
	RecordFeedback(ctx context.Context, userID, insightID string, fb models.FeedbackType, details map[string]any, rec *models.FeedbackRecord) error
	ListFeedback(ctx context.Context, userID string, since time.Time) ([]models.FeedbackRecord, error)
	SetPinned(ctx context.Context, userID, insightID string, pinned bool) error
	DeactivateInsight(ctx context.Context, userID, insightID string) error
	ExpireStale(ctx context.Context, userID string) (int64, error)
	ExpireAll(ctx context.Context) (int64, error)
}

type Publisher interface {
	Publish(ins *models.Insight)
}

const lockStripes = 64

// Repository is the shared insight board. Writes to the same
// (user, entity, category) group are serialized in-process; the storage
// transaction and its partial unique index catch anything that slips past.
type Repository struct {
	store      Store
	publisher  Publisher
	locks      [lockStripes]sync.Mutex
	retryDelay time.Duration
}

// NewRepository accepts a nil publisher, in which case notify is ignored.
func NewRepository(store Store, publisher Publisher) *Repository {
	return &Repository{
		store:      store,
		publisher:  publisher,
		retryDelay: 20 * time.Millisecond,
	}
}

func (r *Repository) lockFor(ins *models.Insight) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ins.UserID))
	h.Write([]byte{0})
	h.Write([]byte(ins.EntityType))
	h.Write([]byte{0})
	h.Write([]byte(ins.EntityKey()))
	h.Write([]byte{0})
	h.Write([]byte(ins.Category))
	return &r.locks[h.Sum32()%lockStripes]
}

// Store persists ins as the newest active version of its group and returns
// its ID. A lost write race is retried once before surfacing
// apperr.ErrRepositoryConflict.
func (r *Repository) Store(ctx context.Context, ins *models.Insight, notify bool) (string, error) {
	if ins.UserID == "" {
		return "", fmt.Errorf("%w: insight has no owner", apperr.ErrInvalidArgument)
	}
	if ins.EntityType == models.KindGlobal {
		ins.EntityID = nil
	}
	if ins.ID == "" {
		ins.ID = uuid.NewString()
	}

	mu := r.lockFor(ins)
	mu.Lock()
	err := r.store.StoreInsightVersion(ctx, ins)
	if errors.Is(err, sqlite.ErrBusy) {
		logger.Warn("insight write conflict, retrying",
			zap.String("user_id", ins.UserID),
			zap.String("entity_type", string(ins.EntityType)),
			zap.String("category", string(ins.Category)),
			zap.Error(err))
		select {
		case <-ctx.Done():
			mu.Unlock()
			return "", ctx.Err()
		case <-time.After(r.retryDelay):
		}
		err = r.store.StoreInsightVersion(ctx, ins)
	}
	mu.Unlock()

	if err != nil {
		if errors.Is(err, sqlite.ErrBusy) {
			return "", fmt.Errorf("%w: %v", apperr.ErrRepositoryConflict, err)
		}
		return "", fmt.Errorf("failed to store insight: %w", err)
	}

	metrics.InsightsStored.WithLabelValues(string(ins.Category)).Inc()
	metrics.ConfidenceScore.WithLabelValues(string(ins.Category)).Observe(ins.Confidence)

	if notify && r.publisher != nil {
		published := *ins
		r.publisher.Publish(&published)
	}
	return ins.ID, nil
}

func (r *Repository) Query(ctx context.Context, userID string, f models.InsightFilter) ([]*models.Insight, error) {
	return r.store.QueryInsights(ctx, userID, f)
}

// Get returns apperr.ErrNotFound for both missing and foreign insights.
func (r *Repository) Get(ctx context.Context, userID, id string) (*models.Insight, error) {
	ins, err := r.store.GetInsight(ctx, userID, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return ins, nil
}

// Latest returns the newest active insight for one target, limited to
// categories when any are given, or nil when there is none.
func (r *Repository) Latest(ctx context.Context, userID string, kind models.EntityKind, entityID *string, categories ...models.InsightCategory) (*models.Insight, error) {
	found, err := r.store.QueryInsights(ctx, userID, models.InsightFilter{
		EntityType: kind,
		EntityID:   entityID,
		Categories: categories,
		ActiveOnly: true,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// RecordFeedback stores the user's reaction to an insight together with the
// rule weights that were in force, so later weight suggestions can credit
// the right rules.
func (r *Repository) RecordFeedback(ctx context.Context, userID, id string, fb models.FeedbackType, details map[string]any, weights map[string]float64) (*models.FeedbackRecord, error) {
	if _, ok := models.ParseFeedbackType(string(fb)); !ok {
		return nil, fmt.Errorf("%w: unknown feedback type %q", apperr.ErrInvalidArgument, fb)
	}

	rec := &models.FeedbackRecord{RuleSnapshot: weights}
	if comment, ok := details["comment"].(string); ok {
		rec.Comment = comment
	}
	if v, ok := details["before_value"].(float64); ok {
		rec.BeforeValue = v
	}
	if v, ok := details["after_value"].(float64); ok {
		rec.AfterValue = v
	}

	if err := r.store.RecordFeedback(ctx, userID, id, fb, details, rec); err != nil {
		return nil, notFound(err, id)
	}
	metrics.FeedbackTotal.WithLabelValues(string(fb)).Inc()
	return rec, nil
}

func (r *Repository) ListFeedback(ctx context.Context, userID string, since time.Time) ([]models.FeedbackRecord, error) {
	return r.store.ListFeedback(ctx, userID, since)
}

func (r *Repository) Pin(ctx context.Context, userID, id string, pinned bool) error {
	return notFound(r.store.SetPinned(ctx, userID, id, pinned), id)
}

func (r *Repository) Deactivate(ctx context.Context, userID, id string) error {
	return notFound(r.store.DeactivateInsight(ctx, userID, id), id)
}

// ExpireStale deactivates userID's insights whose expiry has passed.
func (r *Repository) ExpireStale(ctx context.Context, userID string) (int64, error) {
	n, err := r.store.ExpireStale(ctx, userID)
	if err != nil {
		return 0, err
	}
	metrics.InsightsExpired.Add(float64(n))
	return n, nil
}

func (r *Repository) ExpireAll(ctx context.Context) (int64, error) {
	n, err := r.store.ExpireAll(ctx)
	if err != nil {
		return 0, err
	}
	metrics.InsightsExpired.Add(float64(n))
	return n, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: insight %s", apperr.ErrNotFound, id)
	}
	return err
}
