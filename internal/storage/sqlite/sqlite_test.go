package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-engine/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func strPtr(s string) *string { return &s }

func newInsight(user, itemID string) *models.Insight {
	return &models.Insight{
		ID:         uuid.NewString(),
		UserID:     user,
		EntityType: models.KindItem,
		EntityID:   strPtr(itemID),
		Category:   models.CategoryPriority,
		Title:      "Ship the doc",
		Summary:    "Due soon.",
		Confidence: 0.7,
		Impact:     0.4,
		ReasoningPath: []models.ReasoningNode{
			{Level: models.KindItem, EntityID: itemID, EntityName: "Write doc", Confidence: 0.95},
		},
		Tags: []string{"item"},
	}
}

func TestHierarchyRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	due := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Millisecond)
	require.NoError(t, c.UpsertDomain(ctx, &models.Domain{ID: "d1", UserID: "u1", Name: "Career", TimeAllocation: 40, AlignmentStrength: 0.8}))
	require.NoError(t, c.UpsertArea(ctx, &models.Area{ID: "a1", UserID: "u1", DomainID: "d1", Name: "Writing", Importance: 5}))
	require.NoError(t, c.UpsertInitiative(ctx, &models.Initiative{ID: "p1", UserID: "u1", AreaID: "a1", Name: "Handbook", Importance: 4}))
	require.NoError(t, c.UpsertItem(ctx, &models.Item{ID: "i1", UserID: "u1", InitiativeID: "p1", Name: "Write doc",
		DueAt: &due, DependencyIDs: []string{"i2"}, DeepFocus: true}))
	require.NoError(t, c.UpsertItem(ctx, &models.Item{ID: "i2", UserID: "u1", Name: "Outline"}))
	require.NoError(t, c.UpsertItem(ctx, &models.Item{ID: "x1", UserID: "u2", Name: "Other user"}))

	items, err := c.ListItems(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "p1", items[0].InitiativeID)
	assert.Equal(t, []string{"i2"}, items[0].DependencyIDs)
	assert.True(t, items[0].DeepFocus)
	assert.Equal(t, models.ItemTodo, items[0].Status)
	require.NotNil(t, items[0].DueAt)
	assert.True(t, due.Equal(*items[0].DueAt))
	assert.Empty(t, items[1].InitiativeID)

	domains, err := c.ListDomains(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, 40.0, domains[0].TimeAllocation)

	analyzed := time.Now()
	require.NoError(t, c.WriteBack(ctx, "u1", models.KindItem, "i1", 0.82, analyzed))
	items, err = c.ListItems(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, items[0].PriorityScore)
	assert.InDelta(t, 0.82, *items[0].PriorityScore, 1e-9)
	require.NotNil(t, items[0].LastAnalyzedAt)

	assert.Error(t, c.WriteBack(ctx, "u1", models.KindGlobal, "", 0.5, analyzed))
}

func TestStoreInsightVersionSupersedes(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	first := newInsight("u1", "i1")
	require.NoError(t, c.StoreInsightVersion(ctx, first))
	assert.Equal(t, 1, first.Version)
	assert.Nil(t, first.PreviousVersionID)

	second := newInsight("u1", "i1")
	require.NoError(t, c.StoreInsightVersion(ctx, second))
	assert.Equal(t, 2, second.Version)
	require.NotNil(t, second.PreviousVersionID)
	assert.Equal(t, first.ID, *second.PreviousVersionID)

	all, err := c.QueryInsights(ctx, "u1", models.InsightFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	active, err := c.QueryInsights(ctx, "u1", models.InsightFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
	assert.Equal(t, "Write doc", active[0].ReasoningPath[0].EntityName)
}

func TestStoreInsightVersionConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	const writers = 6
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.StoreInsightVersion(ctx, newInsight("u1", "i1"))
		}(i)
	}
	wg.Wait()

	stored := 0
	for _, err := range errs {
		if err == nil {
			stored++
		}
	}

	all, err := c.QueryInsights(ctx, "u1", models.InsightFilter{})
	require.NoError(t, err)
	assert.Len(t, all, stored)

	active, err := c.QueryInsights(ctx, "u1", models.InsightFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestGetInsightScopedToOwner(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	ins := newInsight("u1", "i1")
	require.NoError(t, c.StoreInsightVersion(ctx, ins))

	got, err := c.GetInsight(ctx, "u1", ins.ID)
	require.NoError(t, err)
	assert.Equal(t, ins.Title, got.Title)

	_, err = c.GetInsight(ctx, "u2", ins.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.ErrorIs(t, c.SetPinned(ctx, "u2", ins.ID, true), sql.ErrNoRows)
	assert.ErrorIs(t, c.DeactivateInsight(ctx, "u2", ins.ID), sql.ErrNoRows)
}

func TestRecordFeedbackAppendsLog(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	ins := newInsight("u1", "i1")
	require.NoError(t, c.StoreInsightVersion(ctx, ins))

	rec := &models.FeedbackRecord{RuleSnapshot: map[string]float64{"temporal_urgency": 0.7}, Comment: "nope"}
	require.NoError(t, c.RecordFeedback(ctx, "u1", ins.ID, models.FeedbackAccepted, map[string]any{"note": "ok"}, rec))
	assert.NotZero(t, rec.ID)

	got, err := c.GetInsight(ctx, "u1", ins.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackAccepted, got.Feedback)
	assert.Equal(t, 1, got.ApplicationCount)
	assert.Equal(t, "ok", got.FeedbackDetails["note"])

	records, err := c.ListFeedback(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0.7, records[0].RuleSnapshot["temporal_urgency"])

	other, err := c.ListFeedback(ctx, "u2", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, other)

	err = c.RecordFeedback(ctx, "u2", ins.ID, models.FeedbackRejected, nil, &models.FeedbackRecord{})
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestExpireStaleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	now := time.Now()
	c.SetClock(func() time.Time { return now })

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	stale := newInsight("u1", "i1")
	stale.ExpiresAt = &past
	fresh := newInsight("u1", "i2")
	fresh.ExpiresAt = &future
	otherUser := newInsight("u2", "i1")
	otherUser.ExpiresAt = &past

	for _, ins := range []*models.Insight{stale, fresh, otherUser} {
		require.NoError(t, c.StoreInsightVersion(ctx, ins))
	}

	n, err := c.ExpireStale(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.ExpireStale(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = c.ExpireAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPreferencesUpsert(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, ok, err := c.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	p := models.DefaultPreferences("u1")
	p.RuleWeightOverrides["energy_match"] = 0.2
	require.NoError(t, c.UpsertPreferences(ctx, &p))

	got, ok, err := c.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.2, got.RuleWeightOverrides["energy_match"])
	assert.Equal(t, models.EnergySteady, got.EnergyPattern)
	assert.True(t, got.EnableLearning)
}

func TestSeedRulesKeepsExisting(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	rule := models.Rule{ID: "temporal_urgency", Name: "Temporal urgency", Levels: []models.EntityKind{models.KindItem},
		Category: models.RuleTemporal, BaseWeight: 0.7, Active: true}
	require.NoError(t, c.SeedRules(ctx, []models.Rule{rule}))
	require.NoError(t, c.SetRuleActive(ctx, rule.ID, false))

	rule.BaseWeight = 0.1
	require.NoError(t, c.SeedRules(ctx, []models.Rule{rule}))

	rules, err := c.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Active)
	assert.Equal(t, 0.7, rules[0].BaseWeight)
	assert.Equal(t, []models.EntityKind{models.KindItem}, rules[0].Levels)
}
