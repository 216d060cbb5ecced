package blackboard

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/insight-engine/backend/internal/apperr"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/internal/storage/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *sqlite.Client {
	t.Helper()
	c, err := sqlite.NewClient(filepath.Join(t.TempDir(), "board.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func strPtr(s string) *string { return &s }

func itemInsight(user, itemID string, confidence float64) *models.Insight {
	return &models.Insight{
		UserID:     user,
		EntityType: models.KindItem,
		EntityID:   strPtr(itemID),
		Category:   models.CategoryPriority,
		Title:      "Ship it",
		Summary:    "Due soon.",
		Confidence: confidence,
		Tags:       []string{"item", "priority_reasoning"},
	}
}

func TestRepositoryStoreVersionsAndPublishes(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker(4)
	defer broker.Close()
	repo := NewRepository(newTestStore(t), broker)

	sub := broker.Subscribe("u1", Filter{})
	defer sub.Close()

	firstID, err := repo.Store(ctx, itemInsight("u1", "i1", 0.6), true)
	require.NoError(t, err)
	secondID, err := repo.Store(ctx, itemInsight("u1", "i1", 0.7), true)
	require.NoError(t, err)

	latest, err := repo.Latest(ctx, "u1", models.KindItem, strPtr("i1"), models.CategoryPriority)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, secondID, latest.ID)
	assert.Equal(t, 2, latest.Version)
	require.NotNil(t, latest.PreviousVersionID)
	assert.Equal(t, firstID, *latest.PreviousVersionID)

	for _, want := range []string{firstID, secondID} {
		select {
		case got := <-sub.C():
			assert.Equal(t, want, got.ID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for insight")
		}
	}
}

func TestRepositoryConcurrentStoresKeepOneActive(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newTestStore(t), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Store(ctx, itemInsight("u1", "i1", float64(i)/10), false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	active, err := repo.Query(ctx, "u1", models.InsightFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 8, active[0].Version)
}

func TestRepositoryGetIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newTestStore(t), nil)

	id, err := repo.Store(ctx, itemInsight("u1", "i1", 0.5), false)
	require.NoError(t, err)

	_, err = repo.Get(ctx, "u2", id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = repo.Get(ctx, "u1", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, repo.Pin(ctx, "u2", id, true), apperr.ErrNotFound)
	assert.ErrorIs(t, repo.Deactivate(ctx, "u2", id), apperr.ErrNotFound)

	require.NoError(t, repo.Pin(ctx, "u1", id, true))
	pinned, err := repo.Query(ctx, "u1", models.InsightFilter{PinnedOnly: true})
	require.NoError(t, err)
	assert.Len(t, pinned, 1)

	require.NoError(t, repo.Deactivate(ctx, "u1", id))
	active, err := repo.Query(ctx, "u1", models.InsightFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRepositoryRecordFeedback(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newTestStore(t), nil)

	id, err := repo.Store(ctx, itemInsight("u1", "i1", 0.5), false)
	require.NoError(t, err)

	weights := map[string]float64{"temporal_urgency": 0.7}
	rec, err := repo.RecordFeedback(ctx, "u1", id, models.FeedbackAccepted, map[string]any{"comment": "spot on"}, weights)
	require.NoError(t, err)
	assert.Equal(t, "spot on", rec.Comment)
	assert.Equal(t, weights, rec.RuleSnapshot)

	ins, err := repo.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackAccepted, ins.Feedback)
	assert.Equal(t, 1, ins.ApplicationCount)

	_, err = repo.RecordFeedback(ctx, "u2", id, models.FeedbackRejected, nil, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = repo.RecordFeedback(ctx, "u1", id, models.FeedbackType("loved"), nil, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	log, err := repo.ListFeedback(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, 0.7, log[0].RuleSnapshot["temporal_urgency"])
}

type busyStore struct {
	Store
	failures int
	calls    int
}

func (b *busyStore) StoreInsightVersion(context.Context, *models.Insight) error {
	b.calls++
	if b.calls <= b.failures {
		return fmt.Errorf("insert insight: %w: database is locked", sqlite.ErrBusy)
	}
	return nil
}

func TestRepositoryRetriesConflictOnce(t *testing.T) {
	ctx := context.Background()

	recovering := &busyStore{failures: 1}
	_, err := NewRepository(recovering, nil).Store(ctx, itemInsight("u1", "i1", 0.5), false)
	require.NoError(t, err)
	assert.Equal(t, 2, recovering.calls)

	stuck := &busyStore{failures: 5}
	_, err = NewRepository(stuck, nil).Store(ctx, itemInsight("u1", "i1", 0.5), false)
	assert.ErrorIs(t, err, apperr.ErrRepositoryConflict)
	assert.Equal(t, 2, stuck.calls)
}

func TestRepositoryExpireStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	repo := NewRepository(store, nil)

	ins := itemInsight("u1", "i1", 0.5)
	past := now.Add(-time.Minute)
	ins.ExpiresAt = &past
	_, err := repo.Store(ctx, ins, false)
	require.NoError(t, err)

	n, err := repo.ExpireStale(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.ExpireStale(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestBrokerDeliversOnlyToOwnerAndMatchingFilter(t *testing.T) {
	broker := NewBroker(4)
	defer broker.Close()

	mine := broker.Subscribe("u1", Filter{MinConfidence: 0.5, Tags: []string{"urgent"}})
	defer mine.Close()
	theirs := broker.Subscribe("u2", Filter{})
	defer theirs.Close()
	assert.Equal(t, 2, broker.SubscriberCount())

	low := itemInsight("u1", "i1", 0.3)
	low.Tags = []string{"urgent"}
	untagged := itemInsight("u1", "i2", 0.9)
	match := itemInsight("u1", "i3", 0.9)
	match.ID = "wanted"
	match.Tags = []string{"item", "urgent"}

	broker.Publish(low)
	broker.Publish(untagged)
	broker.Publish(match)

	select {
	case got := <-mine.C():
		assert.Equal(t, "wanted", got.ID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for insight")
	}

	select {
	case got := <-theirs.C():
		t.Fatalf("foreign insight leaked: %s", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerAllUsersSubscriptionSeesEveryone(t *testing.T) {
	broker := NewBroker(4)
	defer broker.Close()

	all := broker.Subscribe(AllUsers, Filter{})
	defer all.Close()

	broker.Publish(itemInsight("u1", "i1", 0.5))
	broker.Publish(itemInsight("u2", "i2", 0.5))

	var owners []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-all.C():
			owners = append(owners, got.UserID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for insight")
		}
	}
	assert.ElementsMatch(t, []string{"u1", "u2"}, owners)
}

func TestBrokerDropsWhenBufferFull(t *testing.T) {
	broker := NewBroker(1)
	defer broker.Close()

	sub := broker.Subscribe("u1", Filter{})
	defer sub.Close()

	for i := 0; i < 5; i++ {
		broker.Publish(itemInsight("u1", "i1", 0.5))
	}

	assert.Eventually(t, func() bool { return sub.Dropped() == 4 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sub.C(), 1)
}

func TestBrokerCloseEndsSubscriptions(t *testing.T) {
	broker := NewBroker(1)
	sub := broker.Subscribe("u1", Filter{})

	broker.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)

	late := broker.Subscribe("u1", Filter{})
	_, ok = <-late.C()
	assert.False(t, ok)
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestConsumeIsolatesPanickingHandler(t *testing.T) {
	broker := NewBroker(4)
	defer broker.Close()

	sub := broker.Subscribe("u1", Filter{})
	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(context.Background(), sub, func(ins *models.Insight) {
			handled.Add(1)
			if ins.Confidence < 0.5 {
				panic("bad subscriber")
			}
		})
	}()

	broker.Publish(itemInsight("u1", "i1", 0.1))
	broker.Publish(itemInsight("u1", "i2", 0.9))

	assert.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)
	sub.Close()
	<-done
}

type countingExpirer struct {
	calls atomic.Int32
}

func (c *countingExpirer) ExpireAll(context.Context) (int64, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestSweeperRunsUntilCancelled(t *testing.T) {
	exp := &countingExpirer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewSweeper(exp, 10*time.Millisecond).Run(ctx)
	}()

	assert.Eventually(t, func() bool { return exp.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
