// Package models defines control-plane records for agents, shared-folder
// configuration, and calling permissions.
package models

import "time"

// Agent is one fleet member: an isolated container running the task executor.
type Agent struct {
	Name            string    `json:"name" db:"name"`
	Image           string    `json:"image" db:"image"`
	OwnerID         string    `json:"owner_id" db:"owner_id"`
	AutonomyEnabled bool      `json:"autonomy_enabled" db:"autonomy_enabled"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// SharedFolderConfig declares what an agent exposes and consumes.
//
// ExposeEnabled mounts the agent's own volume at /shared-out. ConsumeEnabled
// mounts every permitted, exposing peer's volume at /shared-in/{peer}. The
// mounts on a running container must equal the set derived from this config;
// divergence triggers recreation on the next start.
type SharedFolderConfig struct {
	AgentName      string    `json:"agent_name" db:"agent_name"`
	ExposeEnabled  bool      `json:"expose_enabled" db:"expose_enabled"`
	ConsumeEnabled bool      `json:"consume_enabled" db:"consume_enabled"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Permission grants AgentName the right to call (and consume from) PeerName.
type Permission struct {
	AgentName string `json:"agent_name" db:"agent_name"`
	PeerName  string `json:"peer_name" db:"peer_name"`
}
