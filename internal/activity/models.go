// Package activity records unified observability events linking scheduling,
// chat, and collaboration flows to a timeline.
package activity

import "time"

// Type names the flow that produced an activity.
const (
	TypeScheduleStart      = "schedule_start"
	TypeChatStart          = "chat_start"
	TypeAgentCollaboration = "agent_collaboration"
)

// State is the lifecycle state of an activity. Transitions are strictly
// monotonic: started -> completed | failed.
type State string

const (
	StateStarted   State = "started"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Activity is one observability record.
type Activity struct {
	ID                 string                 `json:"id"`
	AgentName          string                 `json:"agent_name"`
	ActivityType       string                 `json:"activity_type"`
	ActivityState      State                  `json:"activity_state"`
	UserID             string                 `json:"user_id,omitempty"`
	TriggeredBy        string                 `json:"triggered_by,omitempty"`
	RelatedExecutionID *string                `json:"related_execution_id,omitempty"`
	StartedAt          time.Time              `json:"started_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	DurationMs         *int64                 `json:"duration_ms,omitempty"`
	Error              *string                `json:"error,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
}

// TrackRequest is the wire form of POST /internal/activities/track.
type TrackRequest struct {
	AgentName          string                 `json:"agent_name" binding:"required"`
	ActivityType       string                 `json:"activity_type" binding:"required"`
	UserID             string                 `json:"user_id,omitempty"`
	TriggeredBy        string                 `json:"triggered_by,omitempty"`
	RelatedExecutionID *string                `json:"related_execution_id,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
}

// CompleteRequest is the wire form of POST /internal/activities/{id}/complete.
type CompleteRequest struct {
	Status  string                 `json:"status" binding:"required"` // completed | failed
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
