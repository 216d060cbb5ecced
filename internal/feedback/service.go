package feedback

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/apperr"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

const (
	// MinSamples is the fewest feedback records touching a rule before a
	// weight change is suggested for it.
	MinSamples = 3
	WeightStep = 0.05
	MinWeight  = 0.05
	MaxWeight  = 1.0

	trendWeeks               = 4
	patternWindow            = 20
	patternMinInsights       = 3
	lowConfidenceCeiling     = 0.6
	patternInsightConfidence = 0.75
	patternInsightImpact     = 0.6
)

type Board interface {
	Query(ctx context.Context, userID string, f models.InsightFilter) ([]*models.Insight, error)
	ListFeedback(ctx context.Context, userID string, since time.Time) ([]models.FeedbackRecord, error)
	Store(ctx context.Context, ins *models.Insight, notify bool) (string, error)
}

type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (models.Preferences, bool, error)
	UpsertPreferences(ctx context.Context, p *models.Preferences) error
}

type WeightSource interface {
	BaseWeights(ctx context.Context) map[string]float64
}

type TrendPoint struct {
	Week           string  `json:"week"`
	MeanConfidence float64 `json:"avg_confidence"`
	Count          int     `json:"count"`
}

type LowConfidencePattern struct {
	EntityType     models.EntityKind `json:"entity_type"`
	Count          int               `json:"count"`
	MeanConfidence float64           `json:"avg_confidence"`
	Description    string            `json:"description"`
	Recommendation string            `json:"recommendation"`
}

// WeightSuggestion is advisory. Nothing changes until the user accepts it.
type WeightSuggestion struct {
	RuleID          string  `json:"rule_id"`
	CurrentWeight   float64 `json:"current_weight"`
	SuggestedWeight float64 `json:"suggested_weight"`
	Accepted        int     `json:"accepted"`
	Rejected        int     `json:"rejected"`
	Samples         int     `json:"samples"`
	Reason          string  `json:"reason"`
}

type PatternSummary struct {
	LookbackDays          int                            `json:"lookback_days"`
	TotalInsights         int                            `json:"total_insights"`
	ByCategory            map[models.InsightCategory]int `json:"insights_by_type"`
	MeanConfidence        float64                        `json:"avg_confidence"`
	FeedbackCounts        map[models.FeedbackType]int    `json:"feedback_counts"`
	FeedbackRate          float64                        `json:"feedback_rate"`
	AcceptanceRate        float64                        `json:"acceptance_rate"`
	ConfidenceTrend       []TrendPoint                   `json:"confidence_trend"`
	LowConfidencePatterns []LowConfidencePattern         `json:"low_confidence_patterns"`
	WeightSuggestions     []WeightSuggestion             `json:"weight_suggestions"`
}

type Service struct {
	board   Board
	prefs   PreferenceStore
	weights WeightSource
	now     func() time.Time
}

func NewService(board Board, prefs PreferenceStore, weights WeightSource) *Service {
	return &Service{board: board, prefs: prefs, weights: weights, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetPatterns summarizes a user's insights and feedback over the last
// lookbackDays days.
func (s *Service) GetPatterns(ctx context.Context, userID string, lookbackDays int) (*PatternSummary, error) {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	since := s.now().AddDate(0, 0, -lookbackDays)

	insights, err := s.board.Query(ctx, userID, models.InsightFilter{Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to load insights: %w", err)
	}
	records, err := s.board.ListFeedback(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}
	prefs, err := s.preferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &PatternSummary{
		LookbackDays:          lookbackDays,
		TotalInsights:         len(insights),
		ByCategory:            map[models.InsightCategory]int{},
		FeedbackCounts:        map[models.FeedbackType]int{},
		ConfidenceTrend:       confidenceTrend(insights),
		LowConfidencePatterns: lowConfidencePatterns(insights),
		WeightSuggestions:     s.suggest(ctx, prefs, records),
	}

	var confSum float64
	withFeedback, accepted := 0, 0
	for _, ins := range insights {
		summary.ByCategory[ins.Category]++
		confSum += ins.Confidence
		if ins.Feedback != models.FeedbackUnset {
			withFeedback++
			summary.FeedbackCounts[ins.Feedback]++
			if ins.Feedback == models.FeedbackAccepted {
				accepted++
			}
		}
	}
	if len(insights) > 0 {
		summary.MeanConfidence = round3(confSum / float64(len(insights)))
		summary.FeedbackRate = round3(float64(withFeedback) / float64(len(insights)))
	}
	if withFeedback > 0 {
		summary.AcceptanceRate = round3(float64(accepted) / float64(withFeedback))
	}
	return summary, nil
}

// AcceptSuggestion records weight as the user's override for ruleID.
func (s *Service) AcceptSuggestion(ctx context.Context, userID, ruleID string, weight float64) (*models.Preferences, error) {
	if _, ok := s.weights.BaseWeights(ctx)[ruleID]; !ok {
		return nil, fmt.Errorf("%w: unknown rule %q", apperr.ErrInvalidArgument, ruleID)
	}
	if math.IsNaN(weight) || weight < 0 || weight > MaxWeight {
		return nil, fmt.Errorf("%w: weight %.2f outside [0, 1]", apperr.ErrInvalidArgument, weight)
	}

	prefs, err := s.preferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]float64, len(prefs.RuleWeightOverrides)+1)
	for id, w := range prefs.RuleWeightOverrides {
		overrides[id] = w
	}
	overrides[ruleID] = weight
	prefs.RuleWeightOverrides = overrides

	if err := s.prefs.UpsertPreferences(ctx, &prefs); err != nil {
		return nil, fmt.Errorf("failed to save preferences: %w", err)
	}
	logger.Info("rule weight override accepted",
		zap.String("user_id", userID),
		zap.String("rule", ruleID),
		zap.Float64("weight", weight))
	return &prefs, nil
}

// DetectPatterns looks for entity kinds whose recent insights are
// consistently low confidence and records them as one global
// pattern_recognition insight. It returns nil when nothing stands out.
func (s *Service) DetectPatterns(ctx context.Context, userID string) (*models.Insight, error) {
	recent, err := s.board.Query(ctx, userID, models.InsightFilter{ActiveOnly: true, Limit: patternWindow})
	if err != nil {
		return nil, fmt.Errorf("failed to load recent insights: %w", err)
	}
	if len(recent) < patternMinInsights {
		return nil, nil
	}

	var scoped []*models.Insight
	for _, ins := range recent {
		if ins.Category != models.CategoryPattern {
			scoped = append(scoped, ins)
		}
	}
	patterns := lowConfidencePatterns(scoped)
	if len(patterns) == 0 {
		return nil, nil
	}

	recommendations := make([]string, 0, 3)
	for i, p := range patterns {
		if i == 3 {
			break
		}
		recommendations = append(recommendations, "Consider: "+p.Recommendation)
	}

	expires := s.now().Add(models.CategoryPattern.TTL())
	ins := &models.Insight{
		UserID:     userID,
		EntityType: models.KindGlobal,
		Category:   models.CategoryPattern,
		Title:      "Pattern detected in recent insights",
		Summary:    fmt.Sprintf("Detected %d pattern(s) in your recent insights.", len(patterns)),
		DetailedReasoning: map[string]any{
			"patterns": patterns,
		},
		Confidence: patternInsightConfidence,
		Impact:     patternInsightImpact,
		ReasoningPath: []models.ReasoningNode{{
			Level:         models.KindGlobal,
			EntityName:    "All goals",
			Justification: "Analysis of recent insight confidence across entity kinds.",
			Confidence:    patternInsightConfidence,
		}},
		Recommendations: recommendations,
		Obstacles:       []string{},
		Tags:            []string{string(models.KindGlobal), string(models.CategoryPattern)},
		ExpiresAt:       &expires,
	}
	if _, err := s.board.Store(ctx, ins, false); err != nil {
		return nil, err
	}
	return ins, nil
}

func (s *Service) preferences(ctx context.Context, userID string) (models.Preferences, error) {
	prefs, ok, err := s.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return models.Preferences{}, fmt.Errorf("failed to load preferences: %w", err)
	}
	if !ok {
		prefs = models.DefaultPreferences(userID)
	}
	return prefs, nil
}

type tally struct {
	accepted, rejected, samples int
}

// suggest credits each feedback record to every rule that carried weight
// when the insight was produced. Each net acceptance moves the weight up one
// step and each net rejection moves it down.
func (s *Service) suggest(ctx context.Context, prefs models.Preferences, records []models.FeedbackRecord) []WeightSuggestion {
	tallies := map[string]*tally{}
	for _, rec := range records {
		for ruleID, w := range rec.RuleSnapshot {
			if w <= 0 {
				continue
			}
			t, ok := tallies[ruleID]
			if !ok {
				t = &tally{}
				tallies[ruleID] = t
			}
			t.samples++
			switch rec.FeedbackType {
			case models.FeedbackAccepted:
				t.accepted++
			case models.FeedbackRejected:
				t.rejected++
			}
		}
	}

	base := s.weights.BaseWeights(ctx)
	suggestions := []WeightSuggestion{}
	for ruleID, t := range tallies {
		if t.samples < MinSamples {
			continue
		}
		net := t.accepted - t.rejected
		if net == 0 {
			continue
		}
		current, ok := prefs.RuleWeightOverrides[ruleID]
		if !ok {
			current, ok = base[ruleID]
		}
		if !ok {
			continue
		}
		suggested := clampWeight(current + float64(net)*WeightStep)
		if math.Abs(suggested-current) < 1e-9 {
			continue
		}

		reason := fmt.Sprintf("%d accepted vs %d rejected across %d responses", t.accepted, t.rejected, t.samples)
		suggestions = append(suggestions, WeightSuggestion{
			RuleID:          ruleID,
			CurrentWeight:   current,
			SuggestedWeight: suggested,
			Accepted:        t.accepted,
			Rejected:        t.rejected,
			Samples:         t.samples,
			Reason:          reason,
		})
	}
	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i].RuleID < suggestions[j].RuleID })
	return suggestions
}

func confidenceTrend(insights []*models.Insight) []TrendPoint {
	type bucket struct {
		sum   float64
		count int
	}
	weeks := map[string]*bucket{}
	for _, ins := range insights {
		year, week := ins.CreatedAt.UTC().ISOWeek()
		key := fmt.Sprintf("%04d-W%02d", year, week)
		b, ok := weeks[key]
		if !ok {
			b = &bucket{}
			weeks[key] = b
		}
		b.sum += ins.Confidence
		b.count++
	}

	keys := make([]string, 0, len(weeks))
	for k := range weeks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > trendWeeks {
		keys = keys[len(keys)-trendWeeks:]
	}

	trend := make([]TrendPoint, 0, len(keys))
	for _, k := range keys {
		b := weeks[k]
		trend = append(trend, TrendPoint{Week: k, MeanConfidence: round3(b.sum / float64(b.count)), Count: b.count})
	}
	return trend
}

func lowConfidencePatterns(insights []*models.Insight) []LowConfidencePattern {
	type bucket struct {
		sum   float64
		count int
	}
	byKind := map[models.EntityKind]*bucket{}
	for _, ins := range insights {
		b, ok := byKind[ins.EntityType]
		if !ok {
			b = &bucket{}
			byKind[ins.EntityType] = b
		}
		b.sum += ins.Confidence
		b.count++
	}

	patterns := []LowConfidencePattern{}
	for kind, b := range byKind {
		mean := b.sum / float64(b.count)
		if b.count < patternMinInsights || mean >= lowConfidenceCeiling {
			continue
		}
		patterns = append(patterns, LowConfidencePattern{
			EntityType:     kind,
			Count:          b.count,
			MeanConfidence: round3(mean),
			Description:    fmt.Sprintf("Consistently low confidence for %s insights", kind),
			Recommendation: fmt.Sprintf("Review and refine the %s details these insights are built from", kind),
		})
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].EntityType < patterns[j].EntityType })
	return patterns
}

func clampWeight(w float64) float64 {
	return math.Max(MinWeight, math.Min(MaxWeight, w))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
