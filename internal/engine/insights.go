package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/apperr"
	"github.com/insight-engine/backend/internal/feedback"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

const maxListLimit = 200

func (e *Engine) ListInsights(ctx context.Context, userID string, f models.InsightFilter) ([]*models.Insight, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperr.ErrInvalidArgument)
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = 50
	}
	return e.board.Query(ctx, userID, f)
}

func (e *Engine) GetInsight(ctx context.Context, userID, id string) (*models.Insight, error) {
	return e.board.Get(ctx, userID, id)
}

// SubmitFeedback records the user's reaction to an insight along with the
// rule weights the insight was produced under. The insight is updated in
// place; no new version is created.
func (e *Engine) SubmitFeedback(ctx context.Context, userID, id string, fb models.FeedbackType, details map[string]any) (*models.FeedbackRecord, error) {
	ins, err := e.board.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	weights, ok := weightsFrom(ins)
	if !ok {
		weights, err = e.effectiveWeights(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	rec, err := e.board.RecordFeedback(ctx, userID, id, fb, details, weights)
	if err != nil {
		return nil, err
	}
	logger.Info("Feedback recorded",
		zap.String("user_id", userID),
		zap.String("insight_id", id),
		zap.String("feedback", string(fb)))
	return rec, nil
}

// effectiveWeights merges the user's overrides over the base rule weights.
func (e *Engine) effectiveWeights(ctx context.Context, userID string) (map[string]float64, error) {
	prefs, err := e.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	weights := e.rules.BaseWeights(ctx)
	for id, w := range prefs.RuleWeightOverrides {
		if _, ok := weights[id]; ok {
			weights[id] = w
		}
	}
	return weights, nil
}

func (e *Engine) PinInsight(ctx context.Context, userID, id string, pinned bool) error {
	return e.board.Pin(ctx, userID, id, pinned)
}

// DeactivateInsight retires an insight so the next analysis of its entity
// starts fresh.
func (e *Engine) DeactivateInsight(ctx context.Context, userID, id string) error {
	ins, err := e.board.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := e.board.Deactivate(ctx, userID, id); err != nil {
		return err
	}
	e.scheduler.Forget(ctx, userID, ins.EntityType, ins.EntityKey())
	return nil
}

func (e *Engine) GetPatterns(ctx context.Context, userID string, lookbackDays int) (*feedback.PatternSummary, error) {
	return e.feedback.GetPatterns(ctx, userID, lookbackDays)
}

func (e *Engine) AcceptSuggestion(ctx context.Context, userID, ruleID string, weight float64) (*models.Preferences, error) {
	return e.feedback.AcceptSuggestion(ctx, userID, ruleID, weight)
}

// GetPreferences returns the stored preferences or the defaults.
func (e *Engine) GetPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperr.ErrInvalidArgument)
	}
	prefs, ok, err := e.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	if !ok {
		prefs = models.DefaultPreferences(userID)
	}
	return &prefs, nil
}

// UpdatePreferences applies the non-nil fields of patch. Rule weight
// overrides are merged key by key; a negative weight removes the override.
func (e *Engine) UpdatePreferences(ctx context.Context, userID string, patch models.PreferencesPatch) (*models.Preferences, error) {
	prefs, err := e.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.applyPatch(ctx, prefs, patch); err != nil {
		return nil, err
	}
	if err := e.prefs.UpsertPreferences(ctx, prefs); err != nil {
		return nil, fmt.Errorf("failed to save preferences: %w", err)
	}
	logger.Info("Preferences updated", zap.String("user_id", userID))
	return prefs, nil
}

func (e *Engine) applyPatch(ctx context.Context, p *models.Preferences, patch models.PreferencesPatch) error {
	if len(patch.RuleWeightOverrides) > 0 {
		known := e.rules.BaseWeights(ctx)
		overrides := make(map[string]float64, len(p.RuleWeightOverrides)+len(patch.RuleWeightOverrides))
		for id, w := range p.RuleWeightOverrides {
			overrides[id] = w
		}
		for id, w := range patch.RuleWeightOverrides {
			if _, ok := known[id]; !ok {
				return fmt.Errorf("%w: unknown rule %q", apperr.ErrInvalidArgument, id)
			}
			switch {
			case math.IsNaN(w) || w > 1:
				return fmt.Errorf("%w: weight for %s outside [0, 1]", apperr.ErrInvalidArgument, id)
			case w < 0:
				delete(overrides, id)
			default:
				overrides[id] = w
			}
		}
		p.RuleWeightOverrides = overrides
	}
	if patch.ExplanationVerbosity != nil {
		if _, ok := models.ParseAnalysisDepth(*patch.ExplanationVerbosity); !ok {
			return fmt.Errorf("%w: unknown verbosity %q", apperr.ErrInvalidArgument, *patch.ExplanationVerbosity)
		}
		p.ExplanationVerbosity = *patch.ExplanationVerbosity
	}
	if patch.ShowConfidence != nil {
		p.ShowConfidence = *patch.ShowConfidence
	}
	if patch.ReasoningPersonality != nil {
		p.ReasoningPersonality = *patch.ReasoningPersonality
	}
	if patch.OptimizationGoal != nil {
		switch *patch.OptimizationGoal {
		case models.GoalBalance, models.GoalFocus, models.GoalExploration, models.GoalEfficiency, models.GoalWellbeing:
			p.OptimizationGoal = *patch.OptimizationGoal
		default:
			return fmt.Errorf("%w: unknown optimization goal %q", apperr.ErrInvalidArgument, *patch.OptimizationGoal)
		}
	}
	if patch.EnergyPattern != nil {
		switch *patch.EnergyPattern {
		case models.EnergyMorningPeak, models.EnergyAfternoonPeak, models.EnergyEveningPeak, models.EnergySteady:
			p.EnergyPattern = *patch.EnergyPattern
		default:
			return fmt.Errorf("%w: unknown energy pattern %q", apperr.ErrInvalidArgument, *patch.EnergyPattern)
		}
	}
	if patch.WorkHoursStart != nil {
		if _, err := time.Parse("15:04", *patch.WorkHoursStart); err != nil {
			return fmt.Errorf("%w: work hours start must be HH:MM", apperr.ErrInvalidArgument)
		}
		p.WorkHoursStart = *patch.WorkHoursStart
	}
	if patch.WorkHoursEnd != nil {
		if _, err := time.Parse("15:04", *patch.WorkHoursEnd); err != nil {
			return fmt.Errorf("%w: work hours end must be HH:MM", apperr.ErrInvalidArgument)
		}
		p.WorkHoursEnd = *patch.WorkHoursEnd
	}
	if patch.EnableLearning != nil {
		p.EnableLearning = *patch.EnableLearning
	}
	return nil
}

// ExpireStale retires the user's insights whose expiry has passed and
// returns how many were retired.
func (e *Engine) ExpireStale(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", apperr.ErrInvalidArgument)
	}
	return e.board.ExpireStale(ctx, userID)
}
