package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/pkg/logger"
)

// ErrBusy reports a write that lost a lock or uniqueness race to a concurrent writer.
var ErrBusy = errors.New("sqlite: concurrent write conflict")

type Client struct {
	db  *sql.DB
	now func() time.Time
}

// NewClient opens the database at dbPath. Pragmas go through the DSN so that
// every pooled connection gets them, and _txlock=immediate makes each write
// transaction take the reserved lock up front.
func NewClient(dbPath string) (*Client, error) {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", dbPath, params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// SetClock overrides the time source used for timestamps and expiry checks.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS domains (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		time_allocation REAL NOT NULL DEFAULT 0,
		alignment_strength REAL NOT NULL DEFAULT 0,
		vision TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		priority_score REAL,
		last_analyzed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_domains_user ON domains(user_id);

	CREATE TABLE IF NOT EXISTS areas (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		domain_id TEXT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		importance INTEGER NOT NULL DEFAULT 3,
		archived INTEGER NOT NULL DEFAULT 0,
		priority_score REAL,
		last_analyzed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_areas_user ON areas(user_id);

	CREATE TABLE IF NOT EXISTS initiatives (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		area_id TEXT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		importance INTEGER NOT NULL DEFAULT 3,
		completion_pct REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		deadline INTEGER,
		archived INTEGER NOT NULL DEFAULT 0,
		priority_score REAL,
		last_analyzed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_initiatives_user ON initiatives(user_id);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		initiative_id TEXT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo',
		due_at INTEGER,
		dependency_ids TEXT NOT NULL DEFAULT '[]',
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		deep_focus INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		priority_score REAL,
		last_analyzed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_user ON items(user_id);

	CREATE TABLE IF NOT EXISTS preferences (
		user_id TEXT PRIMARY KEY,
		rule_weight_overrides TEXT NOT NULL DEFAULT '{}',
		explanation_verbosity TEXT NOT NULL,
		show_confidence INTEGER NOT NULL,
		reasoning_personality TEXT NOT NULL,
		optimization_goal TEXT NOT NULL,
		work_hours_start TEXT NOT NULL,
		work_hours_end TEXT NOT NULL,
		energy_pattern TEXT NOT NULL,
		enable_learning INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		levels TEXT NOT NULL,
		category TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		base_weight REAL NOT NULL,
		requires_llm INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_key TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL,
		detailed_reasoning TEXT NOT NULL DEFAULT '{}',
		confidence REAL NOT NULL,
		impact REAL NOT NULL,
		reasoning_path TEXT NOT NULL DEFAULT '[]',
		recommendations TEXT NOT NULL DEFAULT '[]',
		obstacles TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		used_llm INTEGER NOT NULL DEFAULT 0,
		llm_context_ref TEXT NOT NULL DEFAULT '',
		user_feedback TEXT NOT NULL DEFAULT '',
		feedback_details TEXT NOT NULL DEFAULT '{}',
		application_count INTEGER NOT NULL DEFAULT 0,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		expires_at INTEGER,
		version INTEGER NOT NULL,
		previous_version_id TEXT REFERENCES insights(id),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_insights_user_created ON insights(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_insights_expiry ON insights(is_active, expires_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_insights_group_version
		ON insights(user_id, entity_type, entity_key, category, version);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_insights_group_active
		ON insights(user_id, entity_type, entity_key, category) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS feedback_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		insight_id TEXT REFERENCES insights(id) ON DELETE SET NULL,
		feedback_type TEXT NOT NULL,
		rule_snapshot TEXT NOT NULL DEFAULT '{}',
		before_value REAL NOT NULL DEFAULT 0,
		after_value REAL NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_user_created ON feedback_log(user_id, created_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// isConflict reports uniqueness violations and lock contention, both of which
// mean another writer got to the same insight group first.
func isConflict(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
		return true
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
