package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

func (c *Client) ListDomains(ctx context.Context, userID string) ([]models.Domain, error) {
	query := `
		SELECT id, user_id, name, description, time_allocation, alignment_strength, vision, created_at
		FROM domains
		WHERE user_id = ? AND archived = 0
		ORDER BY created_at, id
	`

	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	var domains []models.Domain
	for rows.Next() {
		var d models.Domain
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Description, &d.TimeAllocation,
			&d.AlignmentStrength, &d.Vision, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		d.CreatedAt = fromMillis(createdAt)
		domains = append(domains, d)
	}

	return domains, rows.Err()
}

func (c *Client) ListAreas(ctx context.Context, userID string) ([]models.Area, error) {
	query := `
		SELECT id, user_id, COALESCE(domain_id, ''), name, description, importance, created_at
		FROM areas
		WHERE user_id = ? AND archived = 0
		ORDER BY created_at, id
	`

	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}
	defer rows.Close()

	var areas []models.Area
	for rows.Next() {
		var a models.Area
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.DomainID, &a.Name, &a.Description, &a.Importance, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan area: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		areas = append(areas, a)
	}

	return areas, rows.Err()
}

func (c *Client) ListInitiatives(ctx context.Context, userID string) ([]models.Initiative, error) {
	query := `
		SELECT id, user_id, COALESCE(area_id, ''), name, description, importance, completion_pct,
			status, deadline, created_at
		FROM initiatives
		WHERE user_id = ? AND archived = 0
		ORDER BY created_at, id
	`

	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list initiatives: %w", err)
	}
	defer rows.Close()

	var initiatives []models.Initiative
	for rows.Next() {
		var in models.Initiative
		var deadline sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&in.ID, &in.UserID, &in.AreaID, &in.Name, &in.Description, &in.Importance,
			&in.CompletionPct, &in.Status, &deadline, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan initiative: %w", err)
		}
		in.Deadline = timePtr(deadline)
		in.CreatedAt = fromMillis(createdAt)
		initiatives = append(initiatives, in)
	}

	return initiatives, rows.Err()
}

func (c *Client) ListItems(ctx context.Context, userID string) ([]models.Item, error) {
	query := `
		SELECT id, user_id, COALESCE(initiative_id, ''), name, description, status, due_at,
			dependency_ids, estimated_minutes, deep_focus, priority_score, last_analyzed_at, created_at
		FROM items
		WHERE user_id = ? AND archived = 0
		ORDER BY created_at, id
	`

	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var it models.Item
		var status, depsJSON string
		var dueAt, lastAnalyzed sql.NullInt64
		var priority sql.NullFloat64
		var deepFocus int
		var createdAt int64

		if err := rows.Scan(&it.ID, &it.UserID, &it.InitiativeID, &it.Name, &it.Description, &status, &dueAt,
			&depsJSON, &it.EstimatedMinutes, &deepFocus, &priority, &lastAnalyzed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		if err := unmarshalJSON(depsJSON, &it.DependencyIDs); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies of item %s: %w", it.ID, err)
		}
		it.Status = models.ItemStatus(status)
		it.DueAt = timePtr(dueAt)
		it.DeepFocus = deepFocus == 1
		it.PriorityScore = floatPtr(priority)
		it.LastAnalyzedAt = timePtr(lastAnalyzed)
		it.CreatedAt = fromMillis(createdAt)
		items = append(items, it)
	}

	return items, rows.Err()
}

var writeBackTables = map[models.EntityKind]string{
	models.KindDomain:     "domains",
	models.KindArea:       "areas",
	models.KindInitiative: "initiatives",
	models.KindItem:       "items",
}

// WriteBack stores the analysis-derived score on the hierarchy row for display.
func (c *Client) WriteBack(ctx context.Context, userID string, kind models.EntityKind, entityID string, priorityScore float64, analyzedAt time.Time) error {
	table, ok := writeBackTables[kind]
	if !ok {
		return fmt.Errorf("write-back not supported for %q", kind)
	}

	query := fmt.Sprintf(`UPDATE %s SET priority_score = ?, last_analyzed_at = ? WHERE id = ? AND user_id = ?`, table)
	res, err := c.db.ExecContext(ctx, query, priorityScore, toMillis(analyzedAt), entityID, userID)
	if err != nil {
		return fmt.Errorf("failed to write back %s %s: %w", kind, entityID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		logger.Debug("Write-back matched no rows", zap.String("kind", string(kind)), zap.String("entity_id", entityID))
	}
	return nil
}

func (c *Client) UpsertDomain(ctx context.Context, d *models.Domain) error {
	query := `
		INSERT INTO domains (id, user_id, name, description, time_allocation, alignment_strength, vision, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			time_allocation = excluded.time_allocation,
			alignment_strength = excluded.alignment_strength,
			vision = excluded.vision
	`
	_, err := c.db.ExecContext(ctx, query, d.ID, d.UserID, d.Name, d.Description, d.TimeAllocation,
		d.AlignmentStrength, d.Vision, toMillis(c.createdAt(d.CreatedAt)))
	if err != nil {
		return fmt.Errorf("failed to upsert domain: %w", err)
	}
	return nil
}

func (c *Client) UpsertArea(ctx context.Context, a *models.Area) error {
	query := `
		INSERT INTO areas (id, user_id, domain_id, name, description, importance, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			domain_id = excluded.domain_id,
			name = excluded.name,
			description = excluded.description,
			importance = excluded.importance
	`
	_, err := c.db.ExecContext(ctx, query, a.ID, a.UserID, a.DomainID, a.Name, a.Description, a.Importance,
		toMillis(c.createdAt(a.CreatedAt)))
	if err != nil {
		return fmt.Errorf("failed to upsert area: %w", err)
	}
	return nil
}

func (c *Client) UpsertInitiative(ctx context.Context, in *models.Initiative) error {
	status := in.Status
	if status == "" {
		status = "active"
	}
	query := `
		INSERT INTO initiatives (id, user_id, area_id, name, description, importance, completion_pct, status, deadline, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			area_id = excluded.area_id,
			name = excluded.name,
			description = excluded.description,
			importance = excluded.importance,
			completion_pct = excluded.completion_pct,
			status = excluded.status,
			deadline = excluded.deadline
	`
	_, err := c.db.ExecContext(ctx, query, in.ID, in.UserID, in.AreaID, in.Name, in.Description, in.Importance,
		in.CompletionPct, status, nullMillis(in.Deadline), toMillis(c.createdAt(in.CreatedAt)))
	if err != nil {
		return fmt.Errorf("failed to upsert initiative: %w", err)
	}
	return nil
}

func (c *Client) UpsertItem(ctx context.Context, it *models.Item) error {
	deps := it.DependencyIDs
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := marshalJSON(deps)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	status := it.Status
	if status == "" {
		status = models.ItemTodo
	}

	query := `
		INSERT INTO items (id, user_id, initiative_id, name, description, status, due_at, dependency_ids,
			estimated_minutes, deep_focus, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			initiative_id = excluded.initiative_id,
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			due_at = excluded.due_at,
			dependency_ids = excluded.dependency_ids,
			estimated_minutes = excluded.estimated_minutes,
			deep_focus = excluded.deep_focus
	`
	_, err = c.db.ExecContext(ctx, query, it.ID, it.UserID, it.InitiativeID, it.Name, it.Description, string(status),
		nullMillis(it.DueAt), depsJSON, it.EstimatedMinutes, boolInt(it.DeepFocus), toMillis(c.createdAt(it.CreatedAt)))
	if err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}
	return nil
}

func (c *Client) createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return c.now()
	}
	return t
}
