// Package execqueue serializes task execution per agent: at most one running
// entry, and a bounded FIFO wait list, both kept in the shared store so every
// control-plane replica observes the same state.
package execqueue

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies what triggered a queue entry.
type Source string

const (
	SourceUser     Source = "user"
	SourceSchedule Source = "schedule"
	SourceAgent    Source = "agent"
)

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	StatusQueued    EntryStatus = "queued"
	StatusRunning   EntryStatus = "running"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusTimeout   EntryStatus = "timeout"
)

// Entry is one execution request for an agent.
type Entry struct {
	ID              string      `json:"id"`
	AgentName       string      `json:"agent_name"`
	Source          Source      `json:"source"`
	SourceAgent     string      `json:"source_agent,omitempty"`
	SourceUserID    string      `json:"source_user_id,omitempty"`
	SourceUserEmail string      `json:"source_user_email,omitempty"`
	Message         string      `json:"message"`
	QueuedAt        time.Time   `json:"queued_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	Status          EntryStatus `json:"status"`
}

// CreateParams carries the caller-supplied fields for a new entry.
type CreateParams struct {
	AgentName       string
	Message         string
	Source          Source
	SourceAgent     string
	SourceUserID    string
	SourceUserEmail string
}

// NewEntry allocates a queue entry. No store mutation happens until Submit.
func NewEntry(p CreateParams) *Entry {
	return &Entry{
		ID:              uuid.New().String(),
		AgentName:       p.AgentName,
		Source:          p.Source,
		SourceAgent:     p.SourceAgent,
		SourceUserID:    p.SourceUserID,
		SourceUserEmail: p.SourceUserEmail,
		Message:         p.Message,
		QueuedAt:        time.Now().UTC(),
		Status:          StatusQueued,
	}
}

// SubmitState reports where Submit placed the entry.
type SubmitState string

const (
	SubmitRunning SubmitState = "running"
	SubmitQueued  SubmitState = "queued"
)

// SubmitResult is the outcome of a successful Submit.
type SubmitResult struct {
	State SubmitState
	// Position is the zero-based wait-list index when State is SubmitQueued.
	Position int
	Entry    *Entry
}

// Status is a point-in-time snapshot of one agent's queue.
type Status struct {
	AgentName string   `json:"agent_name"`
	Running   *Entry   `json:"running,omitempty"`
	Waiting   []*Entry `json:"waiting"`
}

// Length returns the wait-list length.
func (s *Status) Length() int {
	return len(s.Waiting)
}
