// Package repository stores agent records, shared-folder configuration, and
// calling permissions.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trinity/trinity/internal/agent/models"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/db/dialect"
)

// Repository provides agent storage operations.
type Repository struct {
	pool *db.Pool
}

// New creates the repository and initializes the schema.
func New(pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agent schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			image TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			autonomy_enabled INTEGER NOT NULL DEFAULT 1,
			expose_enabled INTEGER NOT NULL DEFAULT 0,
			consume_enabled INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_permissions (
			agent_name TEXT NOT NULL,
			peer_name TEXT NOT NULL,
			PRIMARY KEY (agent_name, peer_name)
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertAgent creates or updates an agent record.
func (r *Repository) UpsertAgent(ctx context.Context, a *models.Agent) error {
	now := time.Now().UTC()
	a.UpdatedAt = now

	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE agents SET image = ?, owner_id = ?, autonomy_enabled = ?, updated_at = ? WHERE name = ?
	`), a.Image, a.OwnerID, dialect.BoolToInt(a.AutonomyEnabled), a.UpdatedAt, a.Name)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	a.CreatedAt = now
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agents (name, image, owner_id, autonomy_enabled, expose_enabled, consume_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)
	`), a.Name, a.Image, a.OwnerID, dialect.BoolToInt(a.AutonomyEnabled), a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by name.
func (r *Repository) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	ro := r.pool.Reader()
	a := &models.Agent{}
	var autonomy int
	err := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT name, image, owner_id, autonomy_enabled, created_at, updated_at FROM agents WHERE name = ?
	`), name).Scan(&a.Name, &a.Image, &a.OwnerID, &autonomy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s", name)
	}
	if err != nil {
		return nil, err
	}
	a.AutonomyEnabled = autonomy != 0
	return a, nil
}

// AutonomyEnabled reports whether scheduled work may run for the agent.
// Unknown agents are treated as autonomy-disabled.
func (r *Repository) AutonomyEnabled(ctx context.Context, name string) (bool, error) {
	ro := r.pool.Reader()
	var autonomy int
	err := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT autonomy_enabled FROM agents WHERE name = ?
	`), name).Scan(&autonomy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return autonomy != 0, nil
}

// SetSharedFolderConfig updates the expose/consume flags.
func (r *Repository) SetSharedFolderConfig(ctx context.Context, cfg *models.SharedFolderConfig) error {
	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE agents SET expose_enabled = ?, consume_enabled = ?, updated_at = ? WHERE name = ?
	`), dialect.BoolToInt(cfg.ExposeEnabled), dialect.BoolToInt(cfg.ConsumeEnabled), time.Now().UTC(), cfg.AgentName)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent not found: %s", cfg.AgentName)
	}
	return nil
}

// GetSharedFolderConfig returns the expose/consume flags for an agent.
func (r *Repository) GetSharedFolderConfig(ctx context.Context, name string) (*models.SharedFolderConfig, error) {
	ro := r.pool.Reader()
	cfg := &models.SharedFolderConfig{AgentName: name}
	var expose, consume int
	err := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT expose_enabled, consume_enabled, created_at, updated_at FROM agents WHERE name = ?
	`), name).Scan(&expose, &consume, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s", name)
	}
	if err != nil {
		return nil, err
	}
	cfg.ExposeEnabled = expose != 0
	cfg.ConsumeEnabled = consume != 0
	return cfg, nil
}

// GrantPermission allows agentName to call peerName.
func (r *Repository) GrantPermission(ctx context.Context, agentName, peerName string) error {
	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_permissions (agent_name, peer_name) VALUES (?, ?)
		ON CONFLICT (agent_name, peer_name) DO NOTHING
	`), agentName, peerName)
	return err
}

// RevokePermission removes a calling permission.
func (r *Repository) RevokePermission(ctx context.Context, agentName, peerName string) error {
	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM agent_permissions WHERE agent_name = ? AND peer_name = ?
	`), agentName, peerName)
	return err
}

// HasPermission reports whether agentName may call peerName.
func (r *Repository) HasPermission(ctx context.Context, agentName, peerName string) (bool, error) {
	ro := r.pool.Reader()
	var count int
	err := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT COUNT(1) FROM agent_permissions WHERE agent_name = ? AND peer_name = ?
	`), agentName, peerName).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListConsumablePeers returns the peers whose shared volume should be mounted
// into agentName: peers it may call that also expose a volume.
func (r *Repository) ListConsumablePeers(ctx context.Context, agentName string) ([]string, error) {
	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT ap.peer_name
		FROM agent_permissions ap
		JOIN agents a ON a.name = ap.peer_name
		WHERE ap.agent_name = ? AND a.expose_enabled = 1
		ORDER BY ap.peer_name
	`), agentName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}
