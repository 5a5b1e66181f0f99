package execqueue

import "fmt"

// QueueFullError is returned when the wait list is at capacity.
type QueueFullError struct {
	AgentName   string
	QueueLength int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full for agent %s (%d waiting)", e.AgentName, e.QueueLength)
}

// AgentBusyError is returned when the agent is running and the caller
// disallowed waiting.
type AgentBusyError struct {
	AgentName string
	Current   *Entry
}

func (e *AgentBusyError) Error() string {
	return fmt.Sprintf("agent %s is busy", e.AgentName)
}
