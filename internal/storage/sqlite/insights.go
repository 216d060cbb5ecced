package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/insight-engine/backend/internal/storage/models"
)

const insightColumns = `
	id, user_id, entity_type, entity_key, category, title, summary, detailed_reasoning, confidence, impact,
	reasoning_path, recommendations, obstacles, tags, used_llm, llm_context_ref, user_feedback,
	feedback_details, application_count, is_pinned, is_active, expires_at, version, previous_version_id,
	created_at, updated_at
`

// StoreInsightVersion inserts ins as the next version of its
// (user, entity type, entity, category) group. Any active version is
// deactivated inside the same transaction and linked through
// previous_version_id. Version, PreviousVersionID, Active and the timestamps
// on ins are filled in on success.
func (c *Client) StoreInsightVersion(ctx context.Context, ins *models.Insight) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return c.txError("begin insight transaction", err)
	}
	defer tx.Rollback()

	entityKey := ins.EntityKey()

	var activeID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM insights
		WHERE user_id = ? AND entity_type = ? AND entity_key = ? AND category = ? AND is_active = 1
	`, ins.UserID, string(ins.EntityType), entityKey, string(ins.Category)).Scan(&activeID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return c.txError("find active insight", err)
	}

	var maxVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM insights
		WHERE user_id = ? AND entity_type = ? AND entity_key = ? AND category = ?
	`, ins.UserID, string(ins.EntityType), entityKey, string(ins.Category)).Scan(&maxVersion)
	if err != nil {
		return c.txError("read max version", err)
	}

	now := c.now()

	if activeID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE insights SET is_active = 0, updated_at = ? WHERE id = ?`,
			toMillis(now), activeID.String); err != nil {
			return c.txError("deactivate previous version", err)
		}
	}

	ins.Version = maxVersion + 1
	ins.PreviousVersionID = nil
	if activeID.Valid {
		prev := activeID.String
		ins.PreviousVersionID = &prev
	}
	ins.Active = true
	ins.CreatedAt = now
	ins.UpdatedAt = now

	args, err := insightArgs(ins)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO insights (`+insightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return c.txError("insert insight", err)
	}

	if err := tx.Commit(); err != nil {
		return c.txError("commit insight", err)
	}
	return nil
}

func insightArgs(ins *models.Insight) ([]any, error) {
	detailed, err := marshalJSON(nonNilMap(ins.DetailedReasoning))
	if err != nil {
		return nil, fmt.Errorf("failed to encode detailed reasoning: %w", err)
	}
	path, err := marshalJSON(nonNilSlice(ins.ReasoningPath))
	if err != nil {
		return nil, fmt.Errorf("failed to encode reasoning path: %w", err)
	}
	recs, err := marshalJSON(nonNilSlice(ins.Recommendations))
	if err != nil {
		return nil, fmt.Errorf("failed to encode recommendations: %w", err)
	}
	obstacles, err := marshalJSON(nonNilSlice(ins.Obstacles))
	if err != nil {
		return nil, fmt.Errorf("failed to encode obstacles: %w", err)
	}
	tags, err := marshalJSON(nonNilSlice(ins.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	details, err := marshalJSON(nonNilMap(ins.FeedbackDetails))
	if err != nil {
		return nil, fmt.Errorf("failed to encode feedback details: %w", err)
	}

	var prev sql.NullString
	if ins.PreviousVersionID != nil {
		prev = sql.NullString{String: *ins.PreviousVersionID, Valid: true}
	}

	return []any{
		ins.ID, ins.UserID, string(ins.EntityType), ins.EntityKey(), string(ins.Category), ins.Title, ins.Summary,
		detailed, ins.Confidence, ins.Impact, path, recs, obstacles, tags, boolInt(ins.UsedLLM), ins.LLMContextRef,
		string(ins.Feedback), details, ins.ApplicationCount, boolInt(ins.Pinned), boolInt(ins.Active),
		nullMillis(ins.ExpiresAt), ins.Version, prev, toMillis(ins.CreatedAt), toMillis(ins.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInsight(row rowScanner) (*models.Insight, error) {
	var ins models.Insight
	var entityType, entityKey, category, feedback string
	var detailed, path, recs, obstacles, tags, details string
	var usedLLM, pinned, active int
	var expiresAt sql.NullInt64
	var prev sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&ins.ID, &ins.UserID, &entityType, &entityKey, &category, &ins.Title, &ins.Summary,
		&detailed, &ins.Confidence, &ins.Impact, &path, &recs, &obstacles, &tags, &usedLLM, &ins.LLMContextRef,
		&feedback, &details, &ins.ApplicationCount, &pinned, &active, &expiresAt, &ins.Version, &prev,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	ins.EntityType = models.EntityKind(entityType)
	if entityKey != "" {
		ins.EntityID = &entityKey
	}
	ins.Category = models.InsightCategory(category)
	ins.Feedback = models.FeedbackType(feedback)
	ins.UsedLLM = usedLLM == 1
	ins.Pinned = pinned == 1
	ins.Active = active == 1
	ins.ExpiresAt = timePtr(expiresAt)
	if prev.Valid {
		p := prev.String
		ins.PreviousVersionID = &p
	}
	ins.CreatedAt = fromMillis(createdAt)
	ins.UpdatedAt = fromMillis(updatedAt)

	for _, f := range []struct {
		raw  string
		dest any
		name string
	}{
		{detailed, &ins.DetailedReasoning, "detailed_reasoning"},
		{path, &ins.ReasoningPath, "reasoning_path"},
		{recs, &ins.Recommendations, "recommendations"},
		{obstacles, &ins.Obstacles, "obstacles"},
		{tags, &ins.Tags, "tags"},
		{details, &ins.FeedbackDetails, "feedback_details"},
	} {
		if err := unmarshalJSON(f.raw, f.dest); err != nil {
			return nil, fmt.Errorf("failed to decode %s of insight %s: %w", f.name, ins.ID, err)
		}
	}

	return &ins, nil
}

// GetInsight returns sql.ErrNoRows when the insight is missing or owned by
// another user.
func (c *Client) GetInsight(ctx context.Context, userID, id string) (*models.Insight, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ? AND user_id = ?`, id, userID)
	ins, err := scanInsight(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get insight: %w", err)
	}
	return ins, nil
}

// QueryInsights lists a user's insights newest first. Active-only queries
// also hide rows whose expiry has passed but have not been swept yet.
func (c *Client) QueryInsights(ctx context.Context, userID string, f models.InsightFilter) ([]*models.Insight, error) {
	var where []string
	args := []any{userID}
	where = append(where, "user_id = ?")

	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != nil {
		where = append(where, "entity_key = ?")
		args = append(args, *f.EntityID)
	}
	if len(f.Categories) > 0 {
		placeholders := make([]string, len(f.Categories))
		for i, cat := range f.Categories {
			placeholders[i] = "?"
			args = append(args, string(cat))
		}
		where = append(where, "category IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.ActiveOnly {
		where = append(where, "is_active = 1", "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, toMillis(c.now()))
	}
	if f.PinnedOnly {
		where = append(where, "is_pinned = 1")
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(f.Since))
	}

	query := `SELECT ` + insightColumns + ` FROM insights WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, version DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var insights []*models.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		insights = append(insights, ins)
	}

	return insights, rows.Err()
}

// RecordFeedback updates the insight's feedback fields and appends rec to
// the feedback log in one transaction. Accepted feedback bumps the
// application count.
func (c *Client) RecordFeedback(ctx context.Context, userID, insightID string, fb models.FeedbackType, details map[string]any, rec *models.FeedbackRecord) error {
	detailsJSON, err := marshalJSON(nonNilMap(details))
	if err != nil {
		return fmt.Errorf("failed to encode feedback details: %w", err)
	}
	snapshot, err := marshalJSON(nonNilWeights(rec.RuleSnapshot))
	if err != nil {
		return fmt.Errorf("failed to encode rule snapshot: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return c.txError("begin feedback transaction", err)
	}
	defer tx.Rollback()

	now := c.now()
	applied := 0
	if fb == models.FeedbackAccepted {
		applied = 1
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE insights
		SET user_feedback = ?, feedback_details = ?, application_count = application_count + ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, string(fb), detailsJSON, applied, toMillis(now), insightID, userID)
	if err != nil {
		return c.txError("update insight feedback", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	rec.UserID = userID
	rec.InsightID = &insightID
	rec.FeedbackType = fb
	rec.CreatedAt = now

	result, err := tx.ExecContext(ctx, `
		INSERT INTO feedback_log (user_id, insight_id, feedback_type, rule_snapshot, before_value, after_value, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, insightID, string(fb), snapshot, rec.BeforeValue, rec.AfterValue, rec.Comment, toMillis(now))
	if err != nil {
		return c.txError("append feedback record", err)
	}
	rec.ID, _ = result.LastInsertId()

	if err := tx.Commit(); err != nil {
		return c.txError("commit feedback", err)
	}
	return nil
}

func (c *Client) ListFeedback(ctx context.Context, userID string, since time.Time) ([]models.FeedbackRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, insight_id, feedback_type, rule_snapshot, before_value, after_value, comment, created_at
		FROM feedback_log
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at, id
	`, userID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var records []models.FeedbackRecord
	for rows.Next() {
		var r models.FeedbackRecord
		var insightID sql.NullString
		var fb, snapshot string
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.UserID, &insightID, &fb, &snapshot, &r.BeforeValue, &r.AfterValue,
			&r.Comment, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		if insightID.Valid {
			id := insightID.String
			r.InsightID = &id
		}
		r.FeedbackType = models.FeedbackType(fb)
		if err := unmarshalJSON(snapshot, &r.RuleSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode rule snapshot: %w", err)
		}
		r.CreatedAt = fromMillis(createdAt)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) SetPinned(ctx context.Context, userID, insightID string, pinned bool) error {
	return c.updateOwned(ctx, `UPDATE insights SET is_pinned = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		boolInt(pinned), toMillis(c.now()), insightID, userID)
}

// DeactivateInsight soft-deletes one insight. The row stays for history.
func (c *Client) DeactivateInsight(ctx context.Context, userID, insightID string) error {
	return c.updateOwned(ctx, `UPDATE insights SET is_active = 0, updated_at = ? WHERE id = ? AND user_id = ?`,
		toMillis(c.now()), insightID, userID)
}

func (c *Client) updateOwned(ctx context.Context, query string, args ...any) error {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update insight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ExpireStale deactivates a user's active insights whose expiry has passed.
// Running it again finds nothing left to do.
func (c *Client) ExpireStale(ctx context.Context, userID string) (int64, error) {
	now := toMillis(c.now())
	res, err := c.db.ExecContext(ctx, `
		UPDATE insights SET is_active = 0, updated_at = ?
		WHERE user_id = ? AND is_active = 1 AND expires_at IS NOT NULL AND expires_at < ?
	`, now, userID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire insights: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) ExpireAll(ctx context.Context) (int64, error) {
	now := toMillis(c.now())
	res, err := c.db.ExecContext(ctx, `
		UPDATE insights SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at < ?
	`, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire insights: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) txError(op string, err error) error {
	if isConflict(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrBusy, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilWeights(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
