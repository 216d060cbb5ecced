package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/storage/models"
)

var testNow = time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

type staticSource struct {
	rules []models.Rule
	err   error
	calls int
}

func (s *staticSource) ListRules(context.Context) ([]models.Rule, error) {
	s.calls++
	return s.rules, s.err
}

func newEngine(rules ...models.Rule) *Engine {
	if len(rules) == 0 {
		rules = Baseline()
	}
	return NewEngine(&staticSource{rules: rules}, Config{Now: func() time.Time { return testNow }})
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

func snapshot(prefs models.Preferences, items ...models.Item) *hierarchy.Snapshot {
	return hierarchy.NewSnapshot("u1", testNow, prefs,
		[]models.Domain{{ID: "d1", Name: "Career", TimeAllocation: 40, AlignmentStrength: 0.8}},
		[]models.Area{{ID: "a1", DomainID: "d1", Name: "Writing", Importance: 5}},
		[]models.Initiative{{ID: "p1", AreaID: "a1", Name: "Handbook", Importance: 3}},
		items)
}

func TestTemporalUrgencyThresholds(t *testing.T) {
	cases := []struct {
		name  string
		due   *time.Time
		score float64
		conf  float64
	}{
		{"overdue", at(-time.Hour), 1.0, 0.95},
		{"within a day", at(2 * time.Hour), 0.9, 0.95},
		{"exactly a day", at(24 * time.Hour), 0.9, 0.95},
		{"within three days", at(48 * time.Hour), 0.7, 0.95},
		{"within a week", at(100 * time.Hour), 0.5, 0.95},
		{"later", at(200 * time.Hour), 0.2, 0.95},
		{"no due date", nil, 0, 1.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := snapshot(models.DefaultPreferences("u1"), models.Item{ID: "i1", Name: "Task", DueAt: tc.due})
			o, err := evalTemporalUrgency(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "i1", Now: testNow})
			require.NoError(t, err)
			assert.Equal(t, tc.score, o.Score)
			assert.Equal(t, tc.conf, o.Confidence)
		})
	}
}

func TestDomainAlignment(t *testing.T) {
	snap := snapshot(models.DefaultPreferences("u1"),
		models.Item{ID: "aligned", Name: "Draft", InitiativeID: "p1"},
		models.Item{ID: "orphan", Name: "Loose end"},
	)

	o, err := evalDomainAlignment(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "aligned", Now: testNow})
	require.NoError(t, err)
	// 0.4*0.4 + 0.3*0.8 + 0.2*1 + 0.1*0.6
	assert.InDelta(t, 0.66, o.Score, 1e-9)
	assert.Contains(t, o.Justification, "Career")

	o, err = evalDomainAlignment(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "orphan", Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, unalignedScore, o.Score)
	assert.Equal(t, true, o.Factors["unaligned"])

	o, err = evalDomainAlignment(Input{Snapshot: snap, Kind: models.KindArea, EntityID: "a1", Now: testNow})
	require.NoError(t, err)
	assert.InDelta(t, 0.6/0.9, o.Score, 1e-9)
}

func TestEnergyMatch(t *testing.T) {
	prefs := models.DefaultPreferences("u1")
	prefs.EnergyPattern = models.EnergyAfternoonPeak

	snap := snapshot(prefs,
		models.Item{ID: "deep", Name: "Design", DeepFocus: true},
		models.Item{ID: "light", Name: "Email"},
	)

	o, err := evalEnergyMatch(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "deep", Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, 0.9, o.Score)

	o, err = evalEnergyMatch(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "deep", Now: testNow.Add(6 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 0.3, o.Score)

	o, err = evalEnergyMatch(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "light", Now: testNow})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, o.Score, 0.4)
	assert.LessOrEqual(t, o.Score, 0.7)
}

func TestDependencyReadiness(t *testing.T) {
	snap := snapshot(models.DefaultPreferences("u1"),
		models.Item{ID: "blocked", Name: "Write doc", DependencyIDs: []string{"outline"}},
		models.Item{ID: "ready", Name: "Publish", DependencyIDs: []string{"done"}},
		models.Item{ID: "free", Name: "Read"},
		models.Item{ID: "outline", Name: "Outline", Status: models.ItemInProgress},
		models.Item{ID: "done", Name: "Review", Status: models.ItemDone},
	)

	o, err := evalDependencyReadiness(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "blocked"})
	require.NoError(t, err)
	assert.Equal(t, 0.1, o.Score)
	assert.Equal(t, []string{"Outline"}, o.Blocking)
	assert.Contains(t, o.Justification, "Outline")

	o, err = evalDependencyReadiness(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "ready"})
	require.NoError(t, err)
	assert.Equal(t, 0.8, o.Score)

	o, err = evalDependencyReadiness(Input{Snapshot: snap, Kind: models.KindItem, EntityID: "free"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, o.Score)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	snap := snapshot(models.DefaultPreferences("u1"),
		models.Item{ID: "i1", Name: "Write doc", InitiativeID: "p1", DueAt: at(2 * time.Hour), DependencyIDs: []string{"i2"}},
		models.Item{ID: "i2", Name: "Outline"},
	)
	engine := newEngine()

	first := engine.Evaluate(context.Background(), snap, models.KindItem, "i1")
	for i := 0; i < 20; i++ {
		again := engine.Evaluate(context.Background(), snap, models.KindItem, "i1")
		assert.Equal(t, first.Score, again.Score)
		assert.Equal(t, first.Confidence, again.Confidence)
		assert.Equal(t, first.Outcomes, again.Outcomes)
	}

	require.Len(t, first.Outcomes, 4)
	assert.Equal(t, TemporalUrgency, first.Outcomes[0].RuleID)
	assert.Equal(t, DependencyReadiness, first.Outcomes[3].RuleID)
}

func TestEvaluateWeightedMeanExcludesZeroWeights(t *testing.T) {
	prefs := models.DefaultPreferences("u1")
	prefs.RuleWeightOverrides[EnergyMatch] = 0
	prefs.RuleWeightOverrides[DomainAlignment] = 0
	prefs.RuleWeightOverrides[DependencyReadiness] = 0

	snap := snapshot(prefs, models.Item{ID: "i1", Name: "Task", DueAt: at(-time.Hour)})
	res := newEngine().Evaluate(context.Background(), snap, models.KindItem, "i1")

	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, 0.95, res.Confidence)
	assert.False(t, res.LowInformation)
	assert.Len(t, res.Outcomes, 4)
}

func TestEvaluateAllZeroWeightsIsLowInformation(t *testing.T) {
	prefs := models.DefaultPreferences("u1")
	for _, r := range Baseline() {
		prefs.RuleWeightOverrides[r.ID] = 0
	}

	snap := snapshot(prefs, models.Item{ID: "i1", Name: "Task"})
	res := newEngine().Evaluate(context.Background(), snap, models.KindItem, "i1")

	assert.True(t, res.LowInformation)
	assert.Equal(t, LowInformationConfidence, res.Confidence)
	assert.Equal(t, 0.0, res.Score)
}

func TestEvaluateNoApplicableRules(t *testing.T) {
	snap := snapshot(models.DefaultPreferences("u1"))
	res := newEngine().Evaluate(context.Background(), snap, models.KindDomain, "d1")

	assert.True(t, res.LowInformation)
	assert.Empty(t, res.Outcomes)
}

func TestEvaluateIsolatesPanickingRule(t *testing.T) {
	registry["exploding"] = func(Input) (Outcome, error) { panic("boom") }
	registry["failing"] = func(Input) (Outcome, error) { return Outcome{}, errors.New("bad config") }
	t.Cleanup(func() {
		delete(registry, "exploding")
		delete(registry, "failing")
	})

	rules := append(Baseline(),
		models.Rule{ID: "exploding", Levels: []models.EntityKind{models.KindItem}, BaseWeight: 1, Active: true},
		models.Rule{ID: "failing", Levels: []models.EntityKind{models.KindItem}, BaseWeight: 1, Active: true},
	)
	snap := snapshot(models.DefaultPreferences("u1"), models.Item{ID: "i1", Name: "Task", DueAt: at(-time.Hour)})

	res := newEngine(rules...).Evaluate(context.Background(), snap, models.KindItem, "i1")
	baseline := newEngine().Evaluate(context.Background(), snap, models.KindItem, "i1")

	assert.ElementsMatch(t, []string{"exploding", "failing"}, res.Failures)
	assert.Len(t, res.Outcomes, 4)
	assert.Equal(t, baseline.Score, res.Score)
}

func TestRulesCachedPerLevel(t *testing.T) {
	src := &staticSource{rules: append(Baseline(),
		models.Rule{ID: "mystery", Levels: []models.EntityKind{models.KindItem}, BaseWeight: 1, Active: true})}
	engine := NewEngine(src, Config{})

	itemRules := engine.Rules(context.Background(), models.KindItem)
	areaRules := engine.Rules(context.Background(), models.KindArea)

	assert.Len(t, itemRules, 4, "unknown rule skipped")
	assert.Len(t, areaRules, 1)
	assert.Equal(t, 1, src.calls)

	require.NoError(t, engine.Reload(context.Background()))
	assert.Equal(t, 2, src.calls)
}

func TestRulesFallBackToBaseline(t *testing.T) {
	engine := NewEngine(&staticSource{err: errors.New("db down")}, Config{})
	assert.Len(t, engine.Rules(context.Background(), models.KindItem), 4)
}

func TestBaseWeightsSkipInactiveRules(t *testing.T) {
	rules := Baseline()
	rules[0].Active = false
	weights := NewEngine(&staticSource{rules: rules}, Config{}).BaseWeights(context.Background())

	assert.Len(t, weights, 3)
	assert.NotContains(t, weights, rules[0].ID)
	assert.Equal(t, 0.8, weights[DomainAlignment])
}
