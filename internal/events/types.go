// Package events provides event types and utilities for the Trinity event system.
package events

// SchedulerChannel is the single pub/sub channel the scheduler publishes onto.
// The UI-facing process fans these out to its own subscribers.
const SchedulerChannel = "scheduler:events"

// Event types for scheduled executions
const (
	ScheduleExecutionStarted   = "schedule_execution_started"
	ScheduleExecutionCompleted = "schedule_execution_completed"
)

// Event types for the execution queue
const (
	QueueEntrySubmitted = "queue.entry_submitted"
	QueueEntryPromoted  = "queue.entry_promoted"
	QueueCleared        = "queue.cleared"
)

// Event types for agent lifecycle
const (
	AgentStarted   = "agent.started"
	AgentRecreated = "agent.recreated"
	AgentStopped   = "agent.stopped"
)
