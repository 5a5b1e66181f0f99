package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trinity/trinity/internal/db"
)

// Store persists activities in the relational store.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize activity schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			activity_state TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			related_execution_id TEXT,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration_ms INTEGER,
			error TEXT,
			details TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_agent_name ON activities(agent_name)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_related_execution ON activities(related_execution_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a new activity.
func (s *Store) Create(ctx context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	if a.ActivityState == "" {
		a.ActivityState = StateStarted
	}

	details, err := json.Marshal(a.Details)
	if err != nil {
		details = []byte("{}")
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO activities (id, agent_name, activity_type, activity_state, user_id, triggered_by, related_execution_id, started_at, completed_at, duration_ms, error, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.AgentName, a.ActivityType, a.ActivityState, a.UserID, a.TriggeredBy, a.RelatedExecutionID, a.StartedAt, a.CompletedAt, a.DurationMs, a.Error, string(details))
	return err
}

// Get retrieves an activity by ID.
func (s *Store) Get(ctx context.Context, id string) (*Activity, error) {
	ro := s.pool.Reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT id, agent_name, activity_type, activity_state, user_id, triggered_by, related_execution_id, started_at, completed_at, duration_ms, error, details
		FROM activities WHERE id = ?
	`), id)

	a := &Activity{}
	var relatedExecutionID, errText sql.NullString
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	var details string

	err := row.Scan(&a.ID, &a.AgentName, &a.ActivityType, &a.ActivityState, &a.UserID, &a.TriggeredBy, &relatedExecutionID, &a.StartedAt, &completedAt, &durationMs, &errText, &details)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("activity not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	if relatedExecutionID.Valid {
		a.RelatedExecutionID = &relatedExecutionID.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		a.DurationMs = &durationMs.Int64
	}
	if errText.Valid {
		a.Error = &errText.String
	}
	_ = json.Unmarshal([]byte(details), &a.Details)
	return a, nil
}

// Finish records the terminal state of an activity.
func (s *Store) Finish(ctx context.Context, a *Activity) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		details = []byte("{}")
	}

	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE activities SET activity_state = ?, completed_at = ?, duration_ms = ?, error = ?, details = ? WHERE id = ?
	`), a.ActivityState, a.CompletedAt, a.DurationMs, a.Error, string(details), a.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("activity not found: %s", a.ID)
	}
	return nil
}

// ListByAgent returns the most recent activities for an agent.
func (s *Store) ListByAgent(ctx context.Context, agentName string, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	ro := s.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT id FROM activities WHERE agent_name = ? ORDER BY started_at DESC LIMIT ?
	`), agentName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	activities := make([]*Activity, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, nil
}
