package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
	"github.com/insight-engine/backend/pkg/utils"
)

const DefaultFreshnessWindow = 6 * time.Hour

type Board interface {
	Get(ctx context.Context, userID, id string) (*models.Insight, error)
	Latest(ctx context.Context, userID string, kind models.EntityKind, entityID *string, categories ...models.InsightCategory) (*models.Insight, error)
}

// FreshnessCache is an optional fast path in front of Board.
type FreshnessCache interface {
	LookupInsight(ctx context.Context, userID, tupleHash string) (string, bool, error)
	RememberInsight(ctx context.Context, userID, tupleHash, insightID string, ttl time.Duration) error
	Forget(ctx context.Context, userID, tupleHash string) error
}

type Config struct {
	FreshnessWindow time.Duration
	MaxPerUser      int
	Now             func() time.Time
}

// Scheduler decides whether an entity needs a new analysis, coalesces
// identical in-flight analyses and caps how many run at once per user.
type Scheduler struct {
	board  Board
	cache  FreshnessCache
	window time.Duration
	limit  int
	now    func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	slots map[string]*userSlots
}

type userSlots struct {
	sem  chan struct{}
	refs int
}

// New accepts a nil cache.
func New(board Board, cache FreshnessCache, cfg Config) *Scheduler {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.MaxPerUser < 1 {
		cfg.MaxPerUser = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		board:  board,
		cache:  cache,
		window: cfg.FreshnessWindow,
		limit:  cfg.MaxPerUser,
		now:    cfg.Now,
		slots:  make(map[string]*userSlots),
	}
}

// TupleKey identifies one analysis target. The insight category is an
// output of analysis, so it is not part of the key.
func TupleKey(userID string, kind models.EntityKind, entityID string) string {
	return utils.HashKey(userID, string(kind), entityID)
}

func (s *Scheduler) Window() time.Duration { return s.window }

// ShouldReanalyze reports whether a new analysis is needed. When it is not,
// the fresh insight that can be reused is returned.
func (s *Scheduler) ShouldReanalyze(ctx context.Context, userID string, kind models.EntityKind, entityID string) (bool, *models.Insight, error) {
	key := TupleKey(userID, kind, entityID)

	if s.cache != nil {
		id, ok, err := s.cache.LookupInsight(ctx, userID, key)
		if err != nil {
			logger.Warn("Freshness cache lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		if ok {
			ins, err := s.board.Get(ctx, userID, id)
			if err == nil && s.fresh(ins) {
				return false, ins, nil
			}
			_ = s.cache.Forget(ctx, userID, key)
		}
	}

	var idPtr *string
	if kind != models.KindGlobal {
		idPtr = &entityID
	}
	latest, err := s.board.Latest(ctx, userID, kind, idPtr, models.AnalysisCategories...)
	if err != nil {
		return true, nil, err
	}
	if latest == nil || !s.fresh(latest) {
		return true, nil, nil
	}
	s.remember(ctx, userID, key, latest)
	return false, latest, nil
}

// Remember records ins as the fresh answer for its target.
func (s *Scheduler) Remember(ctx context.Context, ins *models.Insight) {
	s.remember(ctx, ins.UserID, TupleKey(ins.UserID, ins.EntityType, ins.EntityKey()), ins)
}

// Forget drops any cached freshness entry for the target.
func (s *Scheduler) Forget(ctx context.Context, userID string, kind models.EntityKind, entityID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Forget(ctx, userID, TupleKey(userID, kind, entityID)); err != nil {
		logger.Warn("Failed to drop freshness entry", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Scheduler) remember(ctx context.Context, userID, key string, ins *models.Insight) {
	if s.cache == nil {
		return
	}
	ttl := s.window - s.now().Sub(ins.CreatedAt)
	if ins.ExpiresAt != nil {
		if untilExpiry := ins.ExpiresAt.Sub(s.now()); untilExpiry < ttl {
			ttl = untilExpiry
		}
	}
	if err := s.cache.RememberInsight(ctx, userID, key, ins.ID, ttl); err != nil {
		logger.Warn("Failed to cache freshness", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Scheduler) fresh(ins *models.Insight) bool {
	now := s.now()
	return ins.Active && ins.Category != models.CategoryPattern &&
		!ins.Expired(now) && now.Sub(ins.CreatedAt) < s.window
}

// Do runs fn once per key no matter how many callers ask concurrently, and
// holds one of the user's analysis slots while it runs. fn gets a context
// that outlives its callers, so work already paid for is kept even if every
// caller goes away; a caller whose ctx ends first gets ctx.Err().
func (s *Scheduler) Do(ctx context.Context, userID, key string, fn func(ctx context.Context) (*models.Insight, error)) (*models.Insight, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		release := s.acquire(userID)
		defer release()
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.InFlightCoalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Insight), nil
	}
}

func (s *Scheduler) acquire(userID string) func() {
	s.mu.Lock()
	slot, ok := s.slots[userID]
	if !ok {
		slot = &userSlots{sem: make(chan struct{}, s.limit)}
		s.slots[userID] = slot
	}
	slot.refs++
	s.mu.Unlock()

	slot.sem <- struct{}{}

	return func() {
		<-slot.sem
		s.mu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(s.slots, userID)
		}
		s.mu.Unlock()
	}
}
