// Package service orchestrates the interactive side of the execution plane:
// chat and agent-to-agent dispatch through the execution queue, and agent
// start/stop through the lifecycle controller.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/activity"
	agentclient "github.com/trinity/trinity/internal/agent/client"
	"github.com/trinity/trinity/internal/agent/lifecycle"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/execqueue"
)

// Config holds service tuning.
type Config struct {
	// ChatTimeout bounds one interactive dispatch to the agent runtime.
	ChatTimeout time.Duration
}

// DefaultConfig returns standard tuning.
func DefaultConfig() Config {
	return Config{ChatTimeout: 300 * time.Second}
}

// Service wires the queue, the lifecycle controller, and the agent runtime
// client together.
type Service struct {
	queue      *execqueue.Queue
	controller *lifecycle.Controller
	agents     *agentclient.Client
	activities *activity.Service
	bus        bus.EventBus
	config     Config
	logger     *logger.Logger
}

// New creates the agent service.
func New(queue *execqueue.Queue, controller *lifecycle.Controller, agents *agentclient.Client, activities *activity.Service, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Service {
	return &Service{
		queue:      queue,
		controller: controller,
		agents:     agents,
		activities: activities,
		bus:        eventBus,
		config:     cfg,
		logger:     log.WithFields(zap.String("component", "agent-service")),
	}
}

// Start converges and starts the agent's container, then publishes the
// lifecycle event.
func (s *Service) Start(ctx context.Context, agentName string) (*lifecycle.StartResult, error) {
	result, err := s.controller.Start(ctx, agentName)
	if err != nil {
		return nil, err
	}

	eventType := events.AgentStarted
	if result.Recreated {
		eventType = events.AgentRecreated
	}
	s.publish(ctx, eventType, map[string]interface{}{
		"type":         eventType,
		"agent":        agentName,
		"container_id": result.ContainerID,
	})
	return result, nil
}

// Stop stops the agent's container.
func (s *Service) Stop(ctx context.Context, agentName string) error {
	if err := s.controller.Stop(ctx, agentName); err != nil {
		return err
	}
	s.publish(ctx, events.AgentStopped, map[string]interface{}{
		"type":  events.AgentStopped,
		"agent": agentName,
	})
	return nil
}

// ChatResult reports how a chat submission ended.
type ChatResult struct {
	// State is "completed" when dispatched immediately, "queued" otherwise.
	State string `json:"state"`
	// Position is the zero-based wait-list index when State is "queued".
	Position int    `json:"position"`
	Response string `json:"response,omitempty"`
	EntryID  string `json:"entry_id"`
}

// Chat submits a user message. If the agent is idle the message is
// dispatched synchronously; if busy it joins the wait list; if the wait list
// is full the typed QueueFullError propagates (HTTP 429 upstream).
func (s *Service) Chat(ctx context.Context, agentName, message, userID, userEmail string) (*ChatResult, error) {
	entry := execqueue.NewEntry(execqueue.CreateParams{
		AgentName:       agentName,
		Message:         message,
		Source:          execqueue.SourceUser,
		SourceUserID:    userID,
		SourceUserEmail: userEmail,
	})
	return s.submitAndRun(ctx, entry)
}

// AgentCall submits a message on behalf of a calling peer agent. Same queue
// semantics as Chat, tagged for observability.
func (s *Service) AgentCall(ctx context.Context, agentName, message, sourceAgent string) (*ChatResult, error) {
	entry := execqueue.NewEntry(execqueue.CreateParams{
		AgentName:   agentName,
		Message:     message,
		Source:      execqueue.SourceAgent,
		SourceAgent: sourceAgent,
	})
	return s.submitAndRun(ctx, entry)
}

func (s *Service) submitAndRun(ctx context.Context, entry *execqueue.Entry) (*ChatResult, error) {
	result, err := s.queue.Submit(ctx, entry, true)
	if err != nil {
		return nil, err
	}

	if result.State == execqueue.SubmitQueued {
		s.publish(ctx, events.QueueEntrySubmitted, map[string]interface{}{
			"type":     events.QueueEntrySubmitted,
			"agent":    entry.AgentName,
			"entry_id": entry.ID,
			"position": result.Position,
		})
		return &ChatResult{State: "queued", Position: result.Position, EntryID: entry.ID}, nil
	}

	response := s.runEntry(ctx, entry)
	return &ChatResult{State: "completed", Response: response, EntryID: entry.ID}, nil
}

// runEntry dispatches the running entry to the agent runtime, completes the
// slot on every exit path, and drains any promoted successor.
func (s *Service) runEntry(ctx context.Context, entry *execqueue.Entry) string {
	activityID := s.trackStart(ctx, entry)

	response, err := s.dispatch(ctx, entry)
	success := err == nil
	if err != nil {
		s.logger.Warn("interactive dispatch failed",
			zap.String("agent", entry.AgentName),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
	}

	s.completeActivity(ctx, activityID, err)

	promoted, completeErr := s.queue.Complete(ctx, entry.AgentName, success)
	if completeErr != nil {
		s.logger.Error("queue complete failed",
			zap.String("agent", entry.AgentName),
			zap.Error(completeErr))
	} else if promoted != nil {
		// Drain the wait list in the background, one entry at a time.
		go s.runPromoted(promoted)
	}

	return response
}

func (s *Service) dispatch(ctx context.Context, entry *execqueue.Entry) (string, error) {
	resp, err := s.agents.Chat(ctx, entry.AgentName, agentclient.ChatRequest{
		Message: entry.Message,
		UserID:  entry.SourceUserID,
	}, s.config.ChatTimeout)
	if err != nil {
		return "", err
	}
	return resp.ResponseText, nil
}

// runPromoted executes a wait-list entry that was promoted into the slot.
func (s *Service) runPromoted(entry *execqueue.Entry) {
	ctx := context.Background()

	s.publish(ctx, events.QueueEntryPromoted, map[string]interface{}{
		"type":     events.QueueEntryPromoted,
		"agent":    entry.AgentName,
		"entry_id": entry.ID,
		"source":   string(entry.Source),
	})

	s.runEntry(ctx, entry)
}

// HandlePromotionEvent resumes a promotion signalled by another process
// (e.g. the scheduler completed a queue-routed execution and a chat entry
// now owns the slot).
func (s *Service) HandlePromotionEvent(ctx context.Context, agentName, entryID string) {
	status, err := s.queue.Status(ctx, agentName)
	if err != nil {
		s.logger.Error("promotion lookup failed", zap.String("agent", agentName), zap.Error(err))
		return
	}
	if status.Running == nil || status.Running.ID != entryID {
		// Already handled elsewhere, or the slot moved on.
		return
	}
	s.runEntry(ctx, status.Running)
}

// QueueStatus returns the agent's queue snapshot.
func (s *Service) QueueStatus(ctx context.Context, agentName string) (*execqueue.Status, error) {
	return s.queue.Status(ctx, agentName)
}

// ClearQueue drops the agent's wait list.
func (s *Service) ClearQueue(ctx context.Context, agentName string) (int, error) {
	cleared, err := s.queue.ClearQueue(ctx, agentName)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, events.QueueCleared, map[string]interface{}{
		"type":    events.QueueCleared,
		"agent":   agentName,
		"cleared": cleared,
	})
	return cleared, nil
}

// ForceRelease drops the agent's running slot.
func (s *Service) ForceRelease(ctx context.Context, agentName string) (bool, error) {
	return s.queue.ForceRelease(ctx, agentName)
}

func (s *Service) trackStart(ctx context.Context, entry *execqueue.Entry) string {
	if s.activities == nil {
		return ""
	}
	activityType := activity.TypeChatStart
	if entry.Source == execqueue.SourceAgent {
		activityType = activity.TypeAgentCollaboration
	}
	id, err := s.activities.Track(ctx, activity.TrackRequest{
		AgentName:    entry.AgentName,
		ActivityType: activityType,
		UserID:       entry.SourceUserID,
		TriggeredBy:  string(entry.Source),
		Details: map[string]interface{}{
			"entry_id":     entry.ID,
			"source_agent": entry.SourceAgent,
		},
	})
	if err != nil {
		s.logger.Warn("activity tracking failed", zap.Error(err))
		return ""
	}
	return id
}

func (s *Service) completeActivity(ctx context.Context, activityID string, dispatchErr error) {
	if s.activities == nil || activityID == "" {
		return
	}
	req := activity.CompleteRequest{Status: string(activity.StateCompleted)}
	if dispatchErr != nil {
		req.Status = string(activity.StateFailed)
		req.Error = dispatchErr.Error()
	}
	if err := s.activities.Complete(ctx, activityID, req); err != nil {
		s.logger.Warn("activity completion failed", zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, events.SchedulerChannel, bus.NewEvent(eventType, "server", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// SubscribePromotions wires the cross-process promotion events to this
// service. Returns the subscription for teardown.
func (s *Service) SubscribePromotions() (bus.Subscription, error) {
	if s.bus == nil {
		return nil, errors.New("no event bus configured")
	}
	return s.bus.Subscribe(events.SchedulerChannel, func(ctx context.Context, event *bus.Event) error {
		if event.Type != events.QueueEntryPromoted || event.Source != "scheduler" {
			return nil
		}
		agentName, _ := event.Data["agent"].(string)
		entryID, _ := event.Data["entry_id"].(string)
		if agentName == "" || entryID == "" {
			return nil
		}
		s.HandlePromotionEvent(ctx, agentName, entryID)
		return nil
	})
}
