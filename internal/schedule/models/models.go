// Package models defines the schedule and execution records shared between
// the control plane and the scheduler service.
package models

import "time"

// Schedule is a cron-defined plan to dispatch a message to an agent.
// The scheduler only ever writes LastRunAt/NextRunAt; everything else is
// owned by the control plane.
type Schedule struct {
	ID             string     `json:"id" db:"id"`
	AgentName      string     `json:"agent_name" db:"agent_name"`
	Name           string     `json:"name" db:"name"`
	CronExpression string     `json:"cron_expression" db:"cron_expression"`
	Message        string     `json:"message" db:"message"`
	Enabled        bool       `json:"enabled" db:"enabled"`
	Timezone       string     `json:"timezone" db:"timezone"`
	TimeoutSeconds int        `json:"timeout_seconds" db:"timeout_seconds"`
	// AllowedTools is nil for unrestricted access; an empty list means no
	// tools at all. The distinction is preserved through storage and JSON.
	AllowedTools *[]string  `json:"allowed_tools,omitempty" db:"-"`
	OwnerID      string     `json:"owner_id" db:"owner_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`
}

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// TriggeredBy distinguishes cron firings from manual triggers.
type TriggeredBy string

const (
	TriggeredBySchedule TriggeredBy = "schedule"
	TriggeredByManual   TriggeredBy = "manual"
)

// Execution records one firing of a schedule (cron or manual).
type Execution struct {
	ID          string          `json:"id" db:"id"`
	ScheduleID  string          `json:"schedule_id" db:"schedule_id"`
	AgentName   string          `json:"agent_name" db:"agent_name"`
	Status      ExecutionStatus `json:"status" db:"status"`
	StartedAt   time.Time       `json:"started_at" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs  *int64          `json:"duration_ms,omitempty" db:"duration_ms"`
	Message     string          `json:"message" db:"message"`
	// Response is the agent's reply, truncated to the configured byte budget.
	Response    string      `json:"response" db:"response"`
	Error       *string     `json:"error,omitempty" db:"error"`
	TriggeredBy TriggeredBy `json:"triggered_by" db:"triggered_by"`

	// Observability fields parsed from the agent runtime response.
	ContextUsed  *int     `json:"context_used,omitempty" db:"context_used"`
	ContextMax   *int     `json:"context_max,omitempty" db:"context_max"`
	Cost         *float64 `json:"cost,omitempty" db:"cost"`
	ToolCalls    string   `json:"tool_calls,omitempty" db:"tool_calls"`
	ExecutionLog string   `json:"execution_log,omitempty" db:"execution_log"`
}

// Terminal reports whether the execution reached a final state.
func (e *Execution) Terminal() bool {
	return e.Status == ExecutionSuccess || e.Status == ExecutionFailed
}
