package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trinity/trinity/internal/schedule/models"
)

// CreateExecution inserts a new execution record. The record is created
// before activity tracking so related_execution_id links are always valid.
func (r *Repository) CreateExecution(ctx context.Context, e *models.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO executions (id, schedule_id, agent_name, status, started_at, completed_at, duration_ms, message, response, error, triggered_by, context_used, context_max, cost, tool_calls, execution_log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.ScheduleID, e.AgentName, e.Status, e.StartedAt, e.CompletedAt, e.DurationMs, e.Message, e.Response, e.Error, e.TriggeredBy, e.ContextUsed, e.ContextMax, e.Cost, e.ToolCalls, e.ExecutionLog)
	return err
}

// FinishExecution records the terminal state and metrics of an execution.
func (r *Repository) FinishExecution(ctx context.Context, e *models.Execution) error {
	if !e.Terminal() {
		return fmt.Errorf("execution %s is not terminal: %s", e.ID, e.Status)
	}
	if e.CompletedAt == nil {
		now := time.Now().UTC()
		e.CompletedAt = &now
	}
	if e.DurationMs == nil {
		ms := e.CompletedAt.Sub(e.StartedAt).Milliseconds()
		e.DurationMs = &ms
	}

	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE executions
		SET status = ?, completed_at = ?, duration_ms = ?, response = ?, error = ?, context_used = ?, context_max = ?, cost = ?, tool_calls = ?, execution_log = ?
		WHERE id = ?
	`), e.Status, e.CompletedAt, e.DurationMs, e.Response, e.Error, e.ContextUsed, e.ContextMax, e.Cost, e.ToolCalls, e.ExecutionLog, e.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("execution not found: %s", e.ID)
	}
	return nil
}

// ExecutionExists reports whether an execution with the given ID exists.
// Used to validate activity links.
func (r *Repository) ExecutionExists(ctx context.Context, id string) (bool, error) {
	ro := r.pool.Reader()
	var count int
	err := ro.QueryRowContext(ctx, ro.Rebind(`SELECT COUNT(1) FROM executions WHERE id = ?`), id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetExecution retrieves an execution by ID.
func (r *Repository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	ro := r.pool.Reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT id, schedule_id, agent_name, status, started_at, completed_at, duration_ms, message, response, error, triggered_by, context_used, context_max, cost, tool_calls, execution_log
		FROM executions WHERE id = ?
	`), id)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	return e, err
}

// ListExecutions returns the most recent executions for a schedule.
func (r *Repository) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT id, schedule_id, agent_name, status, started_at, completed_at, duration_ms, message, response, error, triggered_by, context_used, context_max, cost, tool_calls, execution_log
		FROM executions WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?
	`), scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func scanExecution(row scanner) (*models.Execution, error) {
	e := &models.Execution{}
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	var errText sql.NullString
	var contextUsed, contextMax sql.NullInt64
	var cost sql.NullFloat64

	err := row.Scan(&e.ID, &e.ScheduleID, &e.AgentName, &e.Status, &e.StartedAt, &completedAt, &durationMs, &e.Message, &e.Response, &errText, &e.TriggeredBy, &contextUsed, &contextMax, &cost, &e.ToolCalls, &e.ExecutionLog)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	if errText.Valid {
		e.Error = &errText.String
	}
	if contextUsed.Valid {
		v := int(contextUsed.Int64)
		e.ContextUsed = &v
	}
	if contextMax.Valid {
		v := int(contextMax.Int64)
		e.ContextMax = &v
	}
	if cost.Valid {
		e.Cost = &cost.Float64
	}
	return e, nil
}
