package sqlite

import (
	"context"
	"fmt"

	"github.com/insight-engine/backend/internal/storage/models"
)

func (c *Client) ListRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, levels, category, config, base_weight, requires_llm, is_active
		FROM rules
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var r models.Rule
		var levels, config, category string
		var requiresLLM, active int
		if err := rows.Scan(&r.ID, &r.Name, &levels, &category, &config, &r.BaseWeight, &requiresLLM, &active); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if err := unmarshalJSON(levels, &r.Levels); err != nil {
			return nil, fmt.Errorf("failed to decode levels of rule %s: %w", r.ID, err)
		}
		if err := unmarshalJSON(config, &r.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config of rule %s: %w", r.ID, err)
		}
		r.Category = models.RuleCategory(category)
		r.RequiresLLM = requiresLLM == 1
		r.Active = active == 1
		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// SeedRules inserts rules that are not present yet. Existing rows keep any
// operator edits.
func (c *Client) SeedRules(ctx context.Context, rules []models.Rule) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO rules (id, name, levels, category, config, base_weight, requires_llm, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare rule insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rules {
		levels, err := marshalJSON(nonNilSlice(r.Levels))
		if err != nil {
			return fmt.Errorf("failed to encode levels of rule %s: %w", r.ID, err)
		}
		config, err := marshalJSON(nonNilMap(r.Config))
		if err != nil {
			return fmt.Errorf("failed to encode config of rule %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Name, levels, string(r.Category), config, r.BaseWeight,
			boolInt(r.RequiresLLM), boolInt(r.Active)); err != nil {
			return fmt.Errorf("failed to seed rule %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// SetRuleActive toggles a rule without touching its weights or config.
func (c *Client) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	if _, err := c.db.ExecContext(ctx, `UPDATE rules SET is_active = ? WHERE id = ?`, boolInt(active), ruleID); err != nil {
		return fmt.Errorf("failed to update rule %s: %w", ruleID, err)
	}
	return nil
}
