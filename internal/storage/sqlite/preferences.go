package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/insight-engine/backend/internal/storage/models"
)

// GetPreferences reports ok=false when the user has never saved preferences.
func (c *Client) GetPreferences(ctx context.Context, userID string) (models.Preferences, bool, error) {
	var p models.Preferences
	var overrides, goal, energy string
	var showConfidence, enableLearning int
	var updatedAt int64

	err := c.db.QueryRowContext(ctx, `
		SELECT user_id, rule_weight_overrides, explanation_verbosity, show_confidence, reasoning_personality,
			optimization_goal, work_hours_start, work_hours_end, energy_pattern, enable_learning, updated_at
		FROM preferences WHERE user_id = ?
	`, userID).Scan(&p.UserID, &overrides, &p.ExplanationVerbosity, &showConfidence, &p.ReasoningPersonality,
		&goal, &p.WorkHoursStart, &p.WorkHoursEnd, &energy, &enableLearning, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Preferences{}, false, nil
	}
	if err != nil {
		return models.Preferences{}, false, fmt.Errorf("failed to get preferences: %w", err)
	}

	if err := unmarshalJSON(overrides, &p.RuleWeightOverrides); err != nil {
		return models.Preferences{}, false, fmt.Errorf("failed to decode rule weight overrides: %w", err)
	}
	if p.RuleWeightOverrides == nil {
		p.RuleWeightOverrides = map[string]float64{}
	}
	p.ShowConfidence = showConfidence == 1
	p.EnableLearning = enableLearning == 1
	p.OptimizationGoal = models.OptimizationGoal(goal)
	p.EnergyPattern = models.EnergyPattern(energy)
	p.UpdatedAt = fromMillis(updatedAt)

	return p, true, nil
}

func (c *Client) UpsertPreferences(ctx context.Context, p *models.Preferences) error {
	overrides, err := marshalJSON(nonNilWeights(p.RuleWeightOverrides))
	if err != nil {
		return fmt.Errorf("failed to encode rule weight overrides: %w", err)
	}
	p.UpdatedAt = c.now()

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, rule_weight_overrides, explanation_verbosity, show_confidence,
			reasoning_personality, optimization_goal, work_hours_start, work_hours_end, energy_pattern,
			enable_learning, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			rule_weight_overrides = excluded.rule_weight_overrides,
			explanation_verbosity = excluded.explanation_verbosity,
			show_confidence = excluded.show_confidence,
			reasoning_personality = excluded.reasoning_personality,
			optimization_goal = excluded.optimization_goal,
			work_hours_start = excluded.work_hours_start,
			work_hours_end = excluded.work_hours_end,
			energy_pattern = excluded.energy_pattern,
			enable_learning = excluded.enable_learning,
			updated_at = excluded.updated_at
	`, p.UserID, overrides, p.ExplanationVerbosity, boolInt(p.ShowConfidence), p.ReasoningPersonality,
		string(p.OptimizationGoal), p.WorkHoursStart, p.WorkHoursEnd, string(p.EnergyPattern),
		boolInt(p.EnableLearning), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}
