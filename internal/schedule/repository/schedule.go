package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trinity/trinity/internal/db/dialect"
	"github.com/trinity/trinity/internal/schedule/models"
)

// CreateSchedule creates a new schedule.
func (r *Repository) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	allowedTools, err := marshalAllowedTools(s.AllowedTools)
	if err != nil {
		return err
	}

	w := r.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO schedules (id, agent_name, name, cron_expression, message, enabled, timezone, timeout_seconds, allowed_tools, owner_id, created_at, updated_at, last_run_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.AgentName, s.Name, s.CronExpression, s.Message, dialect.BoolToInt(s.Enabled), s.Timezone, s.TimeoutSeconds, allowedTools, s.OwnerID, s.CreatedAt, s.UpdatedAt, s.LastRunAt, s.NextRunAt)
	return err
}

// GetSchedule retrieves a schedule by ID.
func (r *Repository) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	ro := r.pool.Reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT id, agent_name, name, cron_expression, message, enabled, timezone, timeout_seconds, allowed_tools, owner_id, created_at, updated_at, last_run_at, next_run_at
		FROM schedules WHERE id = ?
	`), id)

	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	return s, err
}

// ListSchedules returns all schedules, optionally restricted to enabled ones.
func (r *Repository) ListSchedules(ctx context.Context, enabledOnly bool) ([]*models.Schedule, error) {
	ro := r.pool.Reader()
	query := `
		SELECT id, agent_name, name, cron_expression, message, enabled, timezone, timeout_seconds, allowed_tools, owner_id, created_at, updated_at, last_run_at, next_run_at
		FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = ` + fmt.Sprint(dialect.BoolToInt(true))
	}
	query += ` ORDER BY created_at`

	rows, err := ro.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// ListSchedulesByOwner returns the owner's schedules.
func (r *Repository) ListSchedulesByOwner(ctx context.Context, ownerID string) ([]*models.Schedule, error) {
	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT id, agent_name, name, cron_expression, message, enabled, timezone, timeout_seconds, allowed_tools, owner_id, created_at, updated_at, last_run_at, next_run_at
		FROM schedules WHERE owner_id = ? ORDER BY created_at
	`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// UpdateSchedule updates schedule configuration (control-plane only).
func (r *Repository) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	s.UpdatedAt = time.Now().UTC()

	allowedTools, err := marshalAllowedTools(s.AllowedTools)
	if err != nil {
		return err
	}

	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE schedules
		SET agent_name = ?, name = ?, cron_expression = ?, message = ?, enabled = ?, timezone = ?, timeout_seconds = ?, allowed_tools = ?, updated_at = ?, next_run_at = ?
		WHERE id = ?
	`), s.AgentName, s.Name, s.CronExpression, s.Message, dialect.BoolToInt(s.Enabled), s.Timezone, s.TimeoutSeconds, allowedTools, s.UpdatedAt, s.NextRunAt, s.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule not found: %s", s.ID)
	}
	return nil
}

// UpdateRunTimes records bookkeeping after a firing. The scheduler writes
// only these fields, never configuration.
func (r *Repository) UpdateRunTimes(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error {
	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?
	`), lastRunAt, nextRunAt, id)
	return err
}

// DeleteSchedule deletes a schedule by ID.
func (r *Repository) DeleteSchedule(ctx context.Context, id string) error {
	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row scanner) (*models.Schedule, error) {
	s := &models.Schedule{}
	var enabled int
	var allowedTools sql.NullString
	var lastRunAt, nextRunAt sql.NullTime

	err := row.Scan(&s.ID, &s.AgentName, &s.Name, &s.CronExpression, &s.Message, &enabled, &s.Timezone, &s.TimeoutSeconds, &allowedTools, &s.OwnerID, &s.CreatedAt, &s.UpdatedAt, &lastRunAt, &nextRunAt)
	if err != nil {
		return nil, err
	}

	s.Enabled = enabled != 0
	if lastRunAt.Valid {
		s.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		s.NextRunAt = &nextRunAt.Time
	}
	if allowedTools.Valid {
		var tools []string
		if err := json.Unmarshal([]byte(allowedTools.String), &tools); err != nil {
			return nil, fmt.Errorf("corrupt allowed_tools for schedule %s: %w", s.ID, err)
		}
		s.AllowedTools = &tools
	}
	return s, nil
}

// marshalAllowedTools preserves the nil (unrestricted) vs empty (no tools)
// distinction: nil stores SQL NULL, an empty list stores "[]".
func marshalAllowedTools(tools *[]string) (interface{}, error) {
	if tools == nil {
		return nil, nil
	}
	data, err := json.Marshal(*tools)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_tools: %w", err)
	}
	return string(data), nil
}
