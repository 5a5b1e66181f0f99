// Package repository provides sqlx-backed storage for schedules and
// executions, portable across SQLite and PostgreSQL.
package repository

import (
	"fmt"

	"github.com/trinity/trinity/internal/db"
)

// Repository provides schedule and execution storage operations.
type Repository struct {
	pool *db.Pool
}

// New creates a repository over the shared pool and initializes the schema.
func New(pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schedule schema: %w", err)
	}
	return r, nil
}

// initSchema creates the tables if they don't exist.
func (r *Repository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			message TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			timeout_seconds INTEGER NOT NULL DEFAULT 900,
			allowed_tools TEXT,
			owner_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_run_at TIMESTAMP,
			next_run_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_agent_name ON schedules(agent_name)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration_ms INTEGER,
			message TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			error TEXT,
			triggered_by TEXT NOT NULL DEFAULT 'schedule',
			context_used INTEGER,
			context_max INTEGER,
			cost REAL,
			tool_calls TEXT NOT NULL DEFAULT '',
			execution_log TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_schedule_id ON executions(schedule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_agent_name ON executions(agent_name)`,
	}

	for _, stmt := range statements {
		if _, err := r.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
