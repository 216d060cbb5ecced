package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

// LowInformationConfidence is reported when no rule with positive weight
// applied to the entity.
const LowInformationConfidence = 0.0

type Source interface {
	ListRules(ctx context.Context) ([]models.Rule, error)
}

type Result struct {
	Score          float64            `json:"score"`
	Confidence     float64            `json:"confidence"`
	Outcomes       []Outcome          `json:"outcomes"`
	LowInformation bool               `json:"low_information"`
	Weights        map[string]float64 `json:"weights"`
	Failures       []string           `json:"failures,omitempty"`
}

// Top returns the outcome with the largest weighted contribution.
func (r Result) Top() (Outcome, bool) {
	var best Outcome
	found := false
	for _, o := range r.Outcomes {
		if o.Weight <= 0 {
			continue
		}
		if !found || o.Score*o.Weight > best.Score*best.Weight {
			best = o
			found = true
		}
	}
	return best, found
}

// Outcome looks up one rule's outcome.
func (r Result) Outcome(ruleID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.RuleID == ruleID {
			return o, true
		}
	}
	return Outcome{}, false
}

// MaxScore is the highest individual rule score, or 0 with no outcomes.
func (r Result) MaxScore() float64 {
	max := 0.0
	for _, o := range r.Outcomes {
		if o.Score > max {
			max = o.Score
		}
	}
	return max
}

type Config struct {
	Concurrency int
	Now         func() time.Time
}

type Engine struct {
	source      Source
	now         func() time.Time
	concurrency int

	mu      sync.RWMutex
	byLevel map[models.EntityKind][]models.Rule
	base    map[string]float64
	loaded  bool
}

func NewEngine(source Source, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		source:      source,
		now:         cfg.Now,
		concurrency: cfg.Concurrency,
		byLevel:     make(map[models.EntityKind][]models.Rule),
	}
}

// Reload drops the per-level cache and reads rules from the source again.
// If the source fails the baseline rules are used.
func (e *Engine) Reload(ctx context.Context) error {
	var rows []models.Rule
	var loadErr error
	if e.source != nil {
		rows, loadErr = e.source.ListRules(ctx)
	}
	if loadErr != nil || len(rows) == 0 {
		if loadErr != nil {
			logger.Warn("Falling back to baseline rules", zap.Error(loadErr))
		}
		rows = Baseline()
	}

	byLevel := make(map[models.EntityKind][]models.Rule)
	base := make(map[string]float64)
	for _, r := range rows {
		if !r.Active {
			continue
		}
		if !Known(r.ID) {
			logger.Warn("Skipping unknown rule", zap.String("rule", r.ID))
			continue
		}
		base[r.ID] = r.BaseWeight
		for _, level := range r.Levels {
			byLevel[level] = append(byLevel[level], r)
		}
	}
	for level := range byLevel {
		sort.SliceStable(byLevel[level], func(i, j int) bool {
			return orderIndex(byLevel[level][i].ID) < orderIndex(byLevel[level][j].ID)
		})
	}

	e.mu.Lock()
	e.byLevel = byLevel
	e.base = base
	e.loaded = true
	e.mu.Unlock()

	return loadErr
}

// Rules returns the active rules for kind, loading them on first use.
func (e *Engine) Rules(ctx context.Context, kind models.EntityKind) []models.Rule {
	e.mu.RLock()
	loaded := e.loaded
	rules := e.byLevel[kind]
	e.mu.RUnlock()

	if !loaded {
		_ = e.Reload(ctx)
		e.mu.RLock()
		rules = e.byLevel[kind]
		e.mu.RUnlock()
	}
	return append([]models.Rule(nil), rules...)
}

// BaseWeights returns the configured weight of every active rule, before
// any user override.
func (e *Engine) BaseWeights(ctx context.Context) map[string]float64 {
	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if !loaded {
		_ = e.Reload(ctx)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.base))
	for id, w := range e.base {
		out[id] = w
	}
	return out
}

// Evaluate runs every active rule for kind against the snapshot and
// aggregates them as a weighted mean. Rules whose effective weight is zero
// are left out of both numerator and denominator. A failing rule is logged
// and excluded.
func (e *Engine) Evaluate(ctx context.Context, snap *hierarchy.Snapshot, kind models.EntityKind, entityID string) Result {
	rules := e.Rules(ctx, kind)
	now := e.now()

	outcomes := make([]*Outcome, len(rules))
	failures := make([]error, len(rules))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, rule := range rules {
		i, rule := i, rule
		g.Go(func() error {
			o, err := run(rule, Input{Snapshot: snap, Kind: kind, EntityID: entityID, Now: now, Rule: rule})
			if err != nil {
				failures[i] = err
				return nil
			}
			outcomes[i] = &o
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Weights: make(map[string]float64, len(rules))}
	var weightSum, scoreSum, confSum float64

	for i, rule := range rules {
		if failures[i] != nil {
			logger.Warn("Rule evaluation failed",
				zap.String("rule", rule.ID),
				zap.String("entity_type", string(kind)),
				zap.String("entity_id", entityID),
				zap.Error(failures[i]))
			metrics.RuleFailures.WithLabelValues(rule.ID).Inc()
			res.Failures = append(res.Failures, rule.ID)
			continue
		}

		o := *outcomes[i]
		weight := rule.BaseWeight
		if override, ok := snap.Weight(rule.ID); ok {
			weight = override
		}
		if weight < 0 {
			weight = 0
		}
		o.RuleID = rule.ID
		o.RuleName = rule.Name
		o.Weight = weight
		res.Outcomes = append(res.Outcomes, o)
		res.Weights[rule.ID] = weight

		if weight == 0 {
			continue
		}
		weightSum += weight
		scoreSum += o.Score * weight
		confSum += o.Confidence * weight
	}

	if weightSum == 0 {
		res.Score = 0
		res.Confidence = LowInformationConfidence
		res.LowInformation = true
		return res
	}

	res.Score = scoreSum / weightSum
	res.Confidence = confSum / weightSum
	return res
}

func run(rule models.Rule, in Input) (o Outcome, err error) {
	fn, ok := registry[rule.ID]
	if !ok {
		return Outcome{}, &RuleEvaluationError{RuleID: rule.ID, Err: fmt.Errorf("no evaluator registered")}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &RuleEvaluationError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	o, err = fn(in)
	if err != nil {
		return Outcome{}, &RuleEvaluationError{RuleID: rule.ID, Err: err}
	}
	return o, nil
}
