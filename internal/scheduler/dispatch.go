package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/activity"
	agentclient "github.com/trinity/trinity/internal/agent/client"
	"github.com/trinity/trinity/internal/common/cronutil"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/execqueue"
	"github.com/trinity/trinity/internal/schedule/models"
	"github.com/trinity/trinity/internal/store"
)

// ActivityTracker is the best-effort observability sink. Failures are logged
// and never fail an execution.
type ActivityTracker interface {
	Track(ctx context.Context, req activity.TrackRequest) (string, error)
	Complete(ctx context.Context, activityID string, req activity.CompleteRequest) error
}

// Deps wires the scheduler to its collaborators.
type Deps struct {
	Store      *store.Client
	Queue      *execqueue.Queue
	Agents     *agentclient.Client
	Activities ActivityTracker
	Bus        bus.EventBus
	Directory  AgentDirectory
}

// executeWithLock runs one firing under the per-agent distributed lock.
// The lock serializes cron firings and manual triggers across all scheduler
// replicas; losing the acquire race means another instance is handling it.
func (s *Service) executeWithLock(ctx context.Context, schedule *models.Schedule, triggeredBy models.TriggeredBy) {
	log := s.logger.WithScheduleID(schedule.ID).WithAgent(schedule.AgentName)

	timeout := schedule.TimeoutSeconds
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}

	leaseBase := timeout
	if leaseBase < 60 {
		leaseBase = 60
	}
	lease := time.Duration(leaseBase)*time.Second + s.config.LockLeaseMargin

	lock, err := s.deps.Store.AcquireLock(ctx, "agent:"+schedule.AgentName, lease, s.config.LockAcquireTimeout)
	if err != nil {
		if errors.Is(err, store.ErrLockNotAcquired) {
			log.Debug("skipping firing, agent lock held elsewhere")
			if triggeredBy == models.TriggeredByManual {
				s.recordSkipped(ctx, schedule, triggeredBy, "agent is locked by another execution")
			}
			return
		}
		log.Error("lock acquisition failed", zap.Error(err))
		return
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			log.Warn("lock release failed", zap.Error(err))
		}
	}()

	if s.deps.Directory != nil {
		enabled, err := s.deps.Directory.AutonomyEnabled(ctx, schedule.AgentName)
		if err != nil {
			log.Warn("autonomy lookup failed, proceeding", zap.Error(err))
		} else if !enabled {
			log.Debug("skipping firing, agent autonomy disabled")
			if triggeredBy == models.TriggeredByManual {
				s.recordSkipped(ctx, schedule, triggeredBy, "agent autonomy is disabled")
			}
			return
		}
	}

	// The execution record is created before activity tracking so the
	// related_execution_id link is valid from the first moment.
	execution := &models.Execution{
		ScheduleID:  schedule.ID,
		AgentName:   schedule.AgentName,
		Status:      models.ExecutionRunning,
		StartedAt:   time.Now().UTC(),
		Message:     schedule.Message,
		TriggeredBy: triggeredBy,
	}
	if err := s.repo.CreateExecution(ctx, execution); err != nil {
		log.Error("failed to create execution record", zap.Error(err))
		return
	}
	log = log.WithExecutionID(execution.ID)

	activityID := s.trackStart(ctx, schedule, execution)
	s.publishStarted(ctx, schedule, execution)

	response, dispatchErr := s.dispatch(ctx, schedule, execution, timeout)

	now := time.Now().UTC()
	execution.CompletedAt = &now
	ms := now.Sub(execution.StartedAt).Milliseconds()
	execution.DurationMs = &ms

	if dispatchErr != nil {
		execution.Status = models.ExecutionFailed
		msg := dispatchErr.Error()
		execution.Error = &msg
		log.Warn("execution failed", zap.String("error", msg), zap.Int64("duration_ms", ms))
	} else {
		execution.Status = models.ExecutionSuccess
		execution.Response = TruncateUTF8(response.ResponseText, s.config.ResponseTruncateBytes)
		execution.ContextUsed = &response.Metrics.ContextUsed
		execution.ContextMax = &response.Metrics.ContextMax
		execution.Cost = response.Metrics.CostUSD
		execution.ToolCalls = string(response.Metrics.ToolCallsJSON)
		execution.ExecutionLog = string(response.Metrics.ExecutionLogJSON)
		log.Info("execution succeeded", zap.Int64("duration_ms", ms))
	}

	if err := s.repo.FinishExecution(ctx, execution); err != nil {
		log.Error("failed to finalize execution record", zap.Error(err))
	}

	s.completeActivity(ctx, activityID, execution)
	s.publishCompleted(ctx, schedule, execution)

	next := s.computeNextRun(schedule, now)
	if err := s.repo.UpdateRunTimes(ctx, schedule.ID, now, next); err != nil {
		log.Error("failed to update schedule run times", zap.Error(err))
	}
}

// dispatch sends the task to the agent runtime, optionally routing through
// the execution queue for downstream at-most-one protection.
func (s *Service) dispatch(ctx context.Context, schedule *models.Schedule, execution *models.Execution, timeout int) (*agentclient.TaskResponse, error) {
	if s.deps.Queue != nil && s.config.RouteThroughQueue {
		return s.dispatchThroughQueue(ctx, schedule, execution, timeout)
	}
	return s.runTask(ctx, schedule, execution, timeout)
}

// dispatchThroughQueue claims the agent's running slot before dispatching.
// A full wait list fails the execution with the queue length; a busy slot is
// skipped rather than queued, since a queued scheduled task has no waiter.
func (s *Service) dispatchThroughQueue(ctx context.Context, schedule *models.Schedule, execution *models.Execution, timeout int) (*agentclient.TaskResponse, error) {
	status, err := s.deps.Queue.Status(ctx, schedule.AgentName)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	if full := status.Length(); full >= s.config.MaxQueueSize {
		return nil, fmt.Errorf("Agent queue full (%d waiting), skipping scheduled execution", full)
	}

	entry := execqueue.NewEntry(execqueue.CreateParams{
		AgentName: schedule.AgentName,
		Message:   schedule.Message,
		Source:    execqueue.SourceSchedule,
	})
	if _, err := s.deps.Queue.Submit(ctx, entry, false); err != nil {
		var busy *execqueue.AgentBusyError
		if errors.As(err, &busy) {
			return nil, fmt.Errorf("agent busy, skipping scheduled execution")
		}
		var fullErr *execqueue.QueueFullError
		if errors.As(err, &fullErr) {
			return nil, fmt.Errorf("Agent queue full (%d waiting), skipping scheduled execution", fullErr.QueueLength)
		}
		return nil, err
	}

	response, taskErr := s.runTask(ctx, schedule, execution, timeout)

	promoted, completeErr := s.deps.Queue.Complete(ctx, schedule.AgentName, taskErr == nil)
	if completeErr != nil {
		s.logger.Error("queue complete failed",
			zap.String("agent", schedule.AgentName),
			zap.Error(completeErr))
	} else if promoted != nil {
		// A waiting chat entry now owns the slot; the control plane picks it
		// up from the promotion event.
		s.publishPromoted(ctx, promoted)
	}

	return response, taskErr
}

func (s *Service) runTask(ctx context.Context, schedule *models.Schedule, execution *models.Execution, timeout int) (*agentclient.TaskResponse, error) {
	response, err := s.deps.Agents.RunTask(ctx, schedule.AgentName, agentclient.TaskRequest{
		Message:        schedule.Message,
		TimeoutSeconds: timeout,
		AllowedTools:   schedule.AllowedTools,
		ExecutionID:    execution.ID,
	})
	if err != nil {
		return nil, classifyDispatchError(err, schedule.AgentName, timeout)
	}
	return response, nil
}

// classifyDispatchError maps transport failures onto the messages surfaced
// in execution records.
func classifyDispatchError(err error, agentName string, timeout int) error {
	var reqErr *agentclient.RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("execution timed out after %ds", timeout)
	}

	return fmt.Errorf("Agent not reachable: %v", err)
}

// recordSkipped writes a failed execution for manual triggers that could not
// run, so the caller's 200 still leads to a visible outcome.
func (s *Service) recordSkipped(ctx context.Context, schedule *models.Schedule, triggeredBy models.TriggeredBy, reason string) {
	now := time.Now().UTC()
	ms := int64(0)
	execution := &models.Execution{
		ScheduleID:  schedule.ID,
		AgentName:   schedule.AgentName,
		Status:      models.ExecutionFailed,
		StartedAt:   now,
		CompletedAt: &now,
		DurationMs:  &ms,
		Message:     schedule.Message,
		Error:       &reason,
		TriggeredBy: triggeredBy,
	}
	if err := s.repo.CreateExecution(ctx, execution); err != nil {
		s.logger.Error("failed to record skipped execution", zap.Error(err))
		return
	}
	s.publishCompleted(ctx, schedule, execution)
}

func (s *Service) trackStart(ctx context.Context, schedule *models.Schedule, execution *models.Execution) string {
	if s.deps.Activities == nil {
		return ""
	}
	id, err := s.deps.Activities.Track(ctx, activity.TrackRequest{
		AgentName:          schedule.AgentName,
		ActivityType:       activity.TypeScheduleStart,
		TriggeredBy:        string(execution.TriggeredBy),
		RelatedExecutionID: &execution.ID,
		Details: map[string]interface{}{
			"schedule_id":   schedule.ID,
			"schedule_name": schedule.Name,
		},
	})
	if err != nil {
		s.logger.Warn("activity tracking failed", zap.Error(err))
		return ""
	}
	return id
}

func (s *Service) completeActivity(ctx context.Context, activityID string, execution *models.Execution) {
	if s.deps.Activities == nil || activityID == "" {
		return
	}
	req := activity.CompleteRequest{Status: string(activity.StateCompleted)}
	if execution.Status == models.ExecutionFailed {
		req.Status = string(activity.StateFailed)
		if execution.Error != nil {
			req.Error = *execution.Error
		}
	}
	if err := s.deps.Activities.Complete(ctx, activityID, req); err != nil {
		s.logger.Warn("activity completion failed",
			zap.String("activity_id", activityID),
			zap.Error(err))
	}
}

func (s *Service) publishStarted(ctx context.Context, schedule *models.Schedule, execution *models.Execution) {
	if !s.config.PublishEvents || s.deps.Bus == nil {
		return
	}
	event := bus.NewEvent(events.ScheduleExecutionStarted, "scheduler", map[string]interface{}{
		"type":          events.ScheduleExecutionStarted,
		"agent":         schedule.AgentName,
		"schedule_id":   schedule.ID,
		"execution_id":  execution.ID,
		"schedule_name": schedule.Name,
	})
	if err := s.deps.Bus.Publish(ctx, events.SchedulerChannel, event); err != nil {
		s.logger.Warn("failed to publish start event", zap.Error(err))
	}
}

func (s *Service) publishCompleted(ctx context.Context, schedule *models.Schedule, execution *models.Execution) {
	if !s.config.PublishEvents || s.deps.Bus == nil {
		return
	}
	var errValue interface{}
	if execution.Error != nil {
		errValue = *execution.Error
	}
	event := bus.NewEvent(events.ScheduleExecutionCompleted, "scheduler", map[string]interface{}{
		"type":         events.ScheduleExecutionCompleted,
		"agent":        schedule.AgentName,
		"schedule_id":  schedule.ID,
		"execution_id": execution.ID,
		"status":       string(execution.Status),
		"error":        errValue,
	})
	if err := s.deps.Bus.Publish(ctx, events.SchedulerChannel, event); err != nil {
		s.logger.Warn("failed to publish completion event", zap.Error(err))
	}
}

func (s *Service) publishPromoted(ctx context.Context, entry *execqueue.Entry) {
	if s.deps.Bus == nil {
		return
	}
	event := bus.NewEvent(events.QueueEntryPromoted, "scheduler", map[string]interface{}{
		"type":     events.QueueEntryPromoted,
		"agent":    entry.AgentName,
		"entry_id": entry.ID,
		"source":   string(entry.Source),
	})
	if err := s.deps.Bus.Publish(ctx, events.SchedulerChannel, event); err != nil {
		s.logger.Warn("failed to publish promotion event", zap.Error(err))
	}
}

// computeNextRun recomputes next_run_at strictly after the completed firing.
// Returns nil for schedules disabled since the firing began.
func (s *Service) computeNextRun(schedule *models.Schedule, after time.Time) *time.Time {
	if !schedule.Enabled {
		return nil
	}
	next, err := cronutil.NextRun(schedule.CronExpression, schedule.Timezone, after)
	if err != nil {
		s.logger.Error("next run computation failed",
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
		return nil
	}
	return &next
}
