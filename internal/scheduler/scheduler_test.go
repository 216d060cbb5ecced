package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/insight-engine/backend/internal/apperr"
	"github.com/insight-engine/backend/internal/cache/redis"
	"github.com/insight-engine/backend/internal/storage/models"
)

type fakeBoard struct {
	mu       sync.Mutex
	insights map[string]*models.Insight
	gets     int
	latests  int
}

func newFakeBoard(list ...*models.Insight) *fakeBoard {
	b := &fakeBoard{insights: map[string]*models.Insight{}}
	for _, ins := range list {
		b.insights[ins.ID] = ins
	}
	return b
}

func (b *fakeBoard) Get(_ context.Context, userID, id string) (*models.Insight, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	ins, ok := b.insights[id]
	if !ok || ins.UserID != userID {
		return nil, apperr.ErrNotFound
	}
	return ins, nil
}

func (b *fakeBoard) Latest(_ context.Context, userID string, kind models.EntityKind, entityID *string, _ ...models.InsightCategory) (*models.Insight, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latests++
	var latest *models.Insight
	for _, ins := range b.insights {
		if ins.UserID != userID || ins.EntityType != kind || !ins.Active {
			continue
		}
		if entityID != nil && ins.EntityKey() != *entityID {
			continue
		}
		if latest == nil || ins.CreatedAt.After(latest.CreatedAt) {
			latest = ins
		}
	}
	return latest, nil
}

func strPtr(s string) *string { return &s }

func insight(id, user, item string, created time.Time) *models.Insight {
	return &models.Insight{ID: id, UserID: user, EntityType: models.KindItem, EntityID: strPtr(item),
		Category: models.CategoryPriority, Active: true, CreatedAt: created}
}

func TestShouldReanalyzeHonoursFreshnessWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	board := newFakeBoard(insight("fresh", "u1", "i1", now.Add(-time.Hour)))
	s := New(board, nil, Config{Now: func() time.Time { return clock }})

	again, ins, err := s.ShouldReanalyze(context.Background(), "u1", models.KindItem, "i1")
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, "fresh", ins.ID)

	again, _, err = s.ShouldReanalyze(context.Background(), "u2", models.KindItem, "i1")
	require.NoError(t, err)
	assert.True(t, again, "other users never reuse")

	clock = now.Add(5*time.Hour + time.Minute)
	again, _, err = s.ShouldReanalyze(context.Background(), "u1", models.KindItem, "i1")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestShouldReanalyzeIgnoresExpiredInsights(t *testing.T) {
	now := time.Now()
	ins := insight("stale", "u1", "i1", now.Add(-time.Minute))
	expired := now.Add(-time.Second)
	ins.ExpiresAt = &expired
	s := New(newFakeBoard(ins), nil, Config{Now: func() time.Time { return now }})

	again, _, err := s.ShouldReanalyze(context.Background(), "u1", models.KindItem, "i1")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestShouldReanalyzeUsesCacheFastPath(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewFromRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	defer cache.Close()

	now := time.Now()
	board := newFakeBoard(insight("cached", "u1", "i1", now.Add(-time.Minute)))
	s := New(board, cache, Config{Now: func() time.Time { return now }})

	_, _, err := s.ShouldReanalyze(context.Background(), "u1", models.KindItem, "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, board.latests)
	assert.True(t, mr.Exists("fresh:u1:"+TupleKey("u1", models.KindItem, "i1")))

	again, ins, err := s.ShouldReanalyze(context.Background(), "u1", models.KindItem, "i1")
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, "cached", ins.ID)
	assert.Equal(t, 1, board.latests, "answered from the cache")
	assert.Equal(t, 1, board.gets)

	board.insights["cached"].Active = false
	again, _, err = s.ShouldReanalyze(context.Background(), "u1", models.KindItem, "i1")
	require.NoError(t, err)
	assert.True(t, again, "repository stays authoritative")
	assert.False(t, mr.Exists("fresh:u1:"+TupleKey("u1", models.KindItem, "i1")))
}

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(newFakeBoard(), nil, Config{MaxPerUser: 2})
	var calls atomic.Int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*models.Insight, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ins, err := s.Do(context.Background(), "u1", "k", func(ctx context.Context) (*models.Insight, error) {
				calls.Add(1)
				<-gate
				return &models.Insight{ID: "only"}, nil
			})
			assert.NoError(t, err)
			results[i] = ins
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, ins := range results {
		assert.Equal(t, "only", ins.ID)
	}
}

func TestDoFinishesWorkForCancelledCaller(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(newFakeBoard(), nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finished := make(chan error, 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-started
		cancel()
	}()

	_, err := s.Do(ctx, "u1", "k", func(workCtx context.Context) (*models.Insight, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished <- workCtx.Err()
		return &models.Insight{ID: "kept"}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case workErr := <-finished:
		assert.NoError(t, workErr, "work context is not cancelled with the caller")
	case <-time.After(time.Second):
		t.Fatal("work was abandoned")
	}
}

func TestDoCapsConcurrencyPerUser(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(newFakeBoard(), nil, Config{MaxPerUser: 1})
	var running, peak atomic.Int32

	work := func(ctx context.Context) (*models.Insight, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &models.Insight{}, nil
	}

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := s.Do(context.Background(), "u1", key, work)
			assert.NoError(t, err)
		}(key)
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load())
	assert.Empty(t, s.slots)
}

func TestDoPropagatesErrors(t *testing.T) {
	s := New(newFakeBoard(), nil, Config{})
	boom := errors.New("boom")
	_, err := s.Do(context.Background(), "u1", "k", func(context.Context) (*models.Insight, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}
