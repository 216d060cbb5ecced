// Package rules holds the closed set of scoring rules and the weighted
// aggregation over them.
package rules

import (
	"fmt"
	"time"

	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/storage/models"
)

const (
	TemporalUrgency     = "temporal_urgency"
	DomainAlignment     = "domain_alignment"
	EnergyMatch         = "energy_match"
	DependencyReadiness = "dependency_readiness"
)

// Input is everything a rule may read. Rules must treat it as read-only.
type Input struct {
	Snapshot *hierarchy.Snapshot
	Kind     models.EntityKind
	EntityID string
	Now      time.Time
	Rule     models.Rule
}

type Outcome struct {
	RuleID        string         `json:"rule_id"`
	RuleName      string         `json:"rule_name"`
	Score         float64        `json:"score"`
	Confidence    float64        `json:"confidence"`
	Weight        float64        `json:"weight"`
	Justification string         `json:"justification"`
	Factors       map[string]any `json:"factors,omitempty"`
	// Blocking names unmet dependencies; only the readiness rule fills it.
	Blocking []string `json:"blocking,omitempty"`
}

// EvalFunc is a pure function of its input.
type EvalFunc func(in Input) (Outcome, error)

// RuleEvaluationError marks a single rule that failed or panicked. The rule is
// excluded from aggregation and the evaluation carries on.
type RuleEvaluationError struct {
	RuleID string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s failed: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

var registry = map[string]EvalFunc{
	TemporalUrgency:     evalTemporalUrgency,
	DomainAlignment:     evalDomainAlignment,
	EnergyMatch:         evalEnergyMatch,
	DependencyReadiness: evalDependencyReadiness,
}

// registration order, used to keep outcome lists stable
var order = []string{TemporalUrgency, DomainAlignment, EnergyMatch, DependencyReadiness}

func Known(ruleID string) bool {
	_, ok := registry[ruleID]
	return ok
}

// Baseline returns the default rule rows used to seed an empty store.
func Baseline() []models.Rule {
	return []models.Rule{
		{
			ID:         TemporalUrgency,
			Name:       "Temporal urgency",
			Levels:     []models.EntityKind{models.KindItem},
			Category:   models.RuleTemporal,
			BaseWeight: 0.7,
			Active:     true,
		},
		{
			ID:         DomainAlignment,
			Name:       "Alignment to domain",
			Levels:     []models.EntityKind{models.KindItem, models.KindInitiative, models.KindArea},
			Category:   models.RuleRelationship,
			BaseWeight: 0.8,
			Active:     true,
		},
		{
			ID:         EnergyMatch,
			Name:       "Energy pattern match",
			Levels:     []models.EntityKind{models.KindItem},
			Category:   models.RuleScoring,
			BaseWeight: 0.5,
			Active:     true,
		},
		{
			ID:         DependencyReadiness,
			Name:       "Dependency readiness",
			Levels:     []models.EntityKind{models.KindItem},
			Category:   models.RuleConstraint,
			BaseWeight: 0.6,
			Active:     true,
		},
	}
}

func orderIndex(ruleID string) int {
	for i, id := range order {
		if id == ruleID {
			return i
		}
	}
	return len(order)
}
