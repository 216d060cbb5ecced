package engine

import (
	"math"
	"time"

	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/llm"
	"github.com/insight-engine/backend/internal/rules"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/utils"
)

const (
	TagHighConfidence = "high_confidence"
	TagHighImpact     = "high_impact"
	TagUrgent         = "urgent"
	TagRecurring      = "recurring"

	highScore    = 0.8
	urgentWithin = 6 * time.Hour
)

// impact multipliers by level; higher levels carry further
var impactBase = map[models.EntityKind]float64{
	models.KindDomain:     0.9,
	models.KindArea:       0.7,
	models.KindInitiative: 0.6,
	models.KindItem:       0.4,
	models.KindGlobal:     1.0,
}

func assemble(userID string, entity hierarchy.EntityRef, depth models.AnalysisDepth, result rules.Result,
	path []models.ReasoningNode, draft llm.Draft, now time.Time) *models.Insight {

	category := categorize(result, draft)
	expires := now.Add(category.TTL())

	ins := &models.Insight{
		UserID:            userID,
		EntityType:        entity.Kind,
		Category:          category,
		Title:             draft.Title,
		Summary:           draft.Summary,
		DetailedReasoning: detailedReasoning(result, depth, draft),
		Confidence:        utils.Clamp01(draft.Confidence),
		Impact:            impactScore(entity.Kind, result.Score),
		ReasoningPath:     path,
		Recommendations:   nonNil(draft.Recommendations),
		Obstacles:         nonNil(draft.Obstacles),
		UsedLLM:           draft.UsedLLM,
		LLMContextRef:     draft.ContextRef,
		Active:            true,
		ExpiresAt:         &expires,
	}
	if entity.Kind != models.KindGlobal {
		id := entity.ID
		ins.EntityID = &id
	}
	ins.Tags = tagsFor(ins, now)
	return ins
}

// categorize: blocked work is an obstacle first; otherwise a strong score
// makes it a priority and a dominant alignment signal makes it an
// alignment analysis.
func categorize(result rules.Result, draft llm.Draft) models.InsightCategory {
	if len(draft.Obstacles) > 0 {
		return models.CategoryObstacle
	}
	for _, o := range result.Outcomes {
		if len(o.Blocking) > 0 {
			return models.CategoryObstacle
		}
	}
	if result.Score > highScore {
		return models.CategoryPriority
	}
	if top, ok := result.Top(); ok && top.RuleID == rules.DomainAlignment {
		return models.CategoryAlignment
	}
	return models.CategoryRecommendation
}

func impactScore(kind models.EntityKind, score float64) float64 {
	base, ok := impactBase[kind]
	if !ok {
		base = 0.5
	}
	if math.Abs(score) > highScore {
		base += 0.2
	}
	return utils.Clamp01(base)
}

func tagsFor(ins *models.Insight, now time.Time) []string {
	tags := []string{string(ins.EntityType), string(ins.Category)}
	if ins.Confidence > highScore {
		tags = append(tags, TagHighConfidence)
	}
	if ins.Impact > highScore {
		tags = append(tags, TagHighImpact)
	}
	if ins.ExpiresAt != nil && ins.ExpiresAt.Before(now.Add(urgentWithin)) {
		tags = append(tags, TagUrgent)
	}
	return tags
}

func detailedReasoning(result rules.Result, depth models.AnalysisDepth, draft llm.Draft) map[string]any {
	outcomes := make([]map[string]any, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		entry := map[string]any{
			"rule_id":       o.RuleID,
			"score":         o.Score,
			"confidence":    o.Confidence,
			"weight":        o.Weight,
			"justification": o.Justification,
		}
		if len(o.Blocking) > 0 {
			entry["blocking"] = o.Blocking
		}
		outcomes = append(outcomes, entry)
	}

	weights := make(map[string]float64, len(result.Weights))
	for id, w := range result.Weights {
		weights[id] = w
	}

	details := map[string]any{
		"score":           result.Score,
		"rule_confidence": result.Confidence,
		"rule_outcomes":   outcomes,
		"rule_weights":    weights,
		"low_information": result.LowInformation,
		"depth":           string(depth),
	}
	if len(result.Failures) > 0 {
		details["failed_rules"] = result.Failures
	}
	if draft.DegradedReason != "" {
		details["degraded_reason"] = draft.DegradedReason
	}
	if draft.Model != "" {
		details["model"] = draft.Model
	}
	return details
}

// weightsFrom reads the rule weights recorded on an insight. Values come
// back from JSON as float64.
func weightsFrom(ins *models.Insight) (map[string]float64, bool) {
	switch raw := ins.DetailedReasoning["rule_weights"].(type) {
	case map[string]float64:
		return raw, true
	case map[string]any:
		out := make(map[string]float64, len(raw))
		for id, v := range raw {
			if w, ok := v.(float64); ok {
				out[id] = w
			}
		}
		return out, true
	}
	return nil, false
}

func appendTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
