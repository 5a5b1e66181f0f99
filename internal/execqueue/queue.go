package execqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/store"
)

const (
	runningKeyPrefix = "queue:running:"
	waitKeyPrefix    = "queue:wait:"
)

// Config holds queue tuning.
type Config struct {
	// MaxQueueSize bounds the per-agent wait list.
	MaxQueueSize int
	// ExecutionTTL bounds how long a running slot may be held. A crashed
	// worker that never calls Complete is recovered when the slot expires.
	ExecutionTTL time.Duration
}

// DefaultConfig returns the standard queue tuning.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize: 3,
		ExecutionTTL: 600 * time.Second,
	}
}

// Queue serializes executions per agent on top of the shared store.
// All state lives in Redis, so any replica may submit or complete.
type Queue struct {
	store  *store.Client
	config Config
	logger *logger.Logger
}

// New creates a Queue.
func New(st *store.Client, cfg Config, log *logger.Logger) *Queue {
	return &Queue{
		store:  st,
		config: cfg,
		logger: log.WithFields(zap.String("component", "execqueue")),
	}
}

func runningKey(agent string) string { return runningKeyPrefix + agent }
func waitKey(agent string) string    { return waitKeyPrefix + agent }

func marshalEntry(e *Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal queue entry: %w", err)
	}
	return string(data), nil
}

func unmarshalEntry(data string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return &e, nil
}

// Submit places the entry into the running slot if free, otherwise appends it
// to the wait list when waitIfBusy is set. It never blocks waiting for the
// slot to clear.
func (q *Queue) Submit(ctx context.Context, entry *Entry, waitIfBusy bool) (*SubmitResult, error) {
	running := *entry
	now := time.Now().UTC()
	running.Status = StatusRunning
	running.StartedAt = &now

	serialized, err := marshalEntry(&running)
	if err != nil {
		return nil, err
	}

	claimed, err := q.store.SetSlot(ctx, runningKey(entry.AgentName), serialized, q.config.ExecutionTTL)
	if err != nil {
		return nil, err
	}
	if claimed {
		*entry = running
		q.logger.Info("entry running",
			zap.String("agent", entry.AgentName),
			zap.String("entry_id", entry.ID),
			zap.String("source", string(entry.Source)))
		return &SubmitResult{State: SubmitRunning, Entry: entry}, nil
	}

	if !waitIfBusy {
		current, _ := q.currentRunning(ctx, entry.AgentName)
		return nil, &AgentBusyError{AgentName: entry.AgentName, Current: current}
	}

	queued, err := marshalEntry(entry)
	if err != nil {
		return nil, err
	}
	length, err := q.store.PushListBounded(ctx, waitKey(entry.AgentName), queued, int64(q.config.MaxQueueSize))
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, &QueueFullError{AgentName: entry.AgentName, QueueLength: q.config.MaxQueueSize}
	}

	position := int(length) - 1
	q.logger.Info("entry queued",
		zap.String("agent", entry.AgentName),
		zap.String("entry_id", entry.ID),
		zap.Int("position", position))
	return &SubmitResult{State: SubmitQueued, Position: position, Entry: entry}, nil
}

// Complete clears the running slot and promotes the head of the wait list,
// if any. Clearing an empty slot is a no-op, so Complete is idempotent.
func (q *Queue) Complete(ctx context.Context, agentName string, success bool) (*Entry, error) {
	cleared, err := q.store.ClearSlot(ctx, runningKey(agentName))
	if err != nil {
		return nil, err
	}
	if !cleared {
		q.logger.Debug("complete on empty slot", zap.String("agent", agentName))
	}

	for {
		data, ok, err := q.store.PopList(ctx, waitKey(agentName))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		next, err := unmarshalEntry(data)
		if err != nil {
			// A corrupt entry must not wedge the queue; drop it and move on.
			q.logger.Error("dropping corrupt wait entry", zap.String("agent", agentName), zap.Error(err))
			continue
		}

		now := time.Now().UTC()
		next.Status = StatusRunning
		next.StartedAt = &now
		serialized, err := marshalEntry(next)
		if err != nil {
			return nil, err
		}

		claimed, err := q.store.SetSlot(ctx, runningKey(agentName), serialized, q.config.ExecutionTTL)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// A concurrent Submit won the slot between clear and promote.
			// Restore the entry at the head so FIFO order is preserved.
			next.Status = StatusQueued
			next.StartedAt = nil
			restored, mErr := marshalEntry(next)
			if mErr != nil {
				return nil, mErr
			}
			if uErr := q.store.UnshiftList(ctx, waitKey(agentName), restored); uErr != nil {
				return nil, uErr
			}
			return nil, nil
		}

		q.logger.Info("entry promoted",
			zap.String("agent", agentName),
			zap.String("entry_id", next.ID),
			zap.Bool("previous_success", success))
		return next, nil
	}
}

// Status returns a snapshot of the agent's slot and wait list.
func (q *Queue) Status(ctx context.Context, agentName string) (*Status, error) {
	status := &Status{AgentName: agentName, Waiting: []*Entry{}}

	running, err := q.currentRunning(ctx, agentName)
	if err != nil {
		return nil, err
	}
	status.Running = running

	items, err := q.store.ListRange(ctx, waitKey(agentName))
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		entry, err := unmarshalEntry(item)
		if err != nil {
			continue
		}
		status.Waiting = append(status.Waiting, entry)
	}
	return status, nil
}

// IsBusy reports whether the running slot is occupied.
func (q *Queue) IsBusy(ctx context.Context, agentName string) (bool, error) {
	_, ok, err := q.store.GetSlot(ctx, runningKey(agentName))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ClearQueue drops the entire wait list, leaving the running slot untouched.
// Returns how many entries were dropped.
func (q *Queue) ClearQueue(ctx context.Context, agentName string) (int, error) {
	n, err := q.store.DeleteList(ctx, waitKey(agentName))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("queue cleared",
			zap.String("agent", agentName),
			zap.Int64("dropped", n))
	}
	return int(n), nil
}

// ForceRelease drops the running slot regardless of state. Returns whether a
// slot was held. Emergency use only; the normal path is Complete.
func (q *Queue) ForceRelease(ctx context.Context, agentName string) (bool, error) {
	released, err := q.store.ClearSlot(ctx, runningKey(agentName))
	if err != nil {
		return false, err
	}
	if released {
		q.logger.Warn("running slot force-released", zap.String("agent", agentName))
	}
	return released, nil
}

func (q *Queue) currentRunning(ctx context.Context, agentName string) (*Entry, error) {
	data, ok, err := q.store.GetSlot(ctx, runningKey(agentName))
	if err != nil || !ok {
		return nil, err
	}
	entry, err := unmarshalEntry(data)
	if err != nil {
		return nil, nil
	}
	return entry, nil
}
