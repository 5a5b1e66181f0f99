package activity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
)

// ExecutionChecker verifies that a related execution exists before linking.
type ExecutionChecker interface {
	ExecutionExists(ctx context.Context, id string) (bool, error)
}

// Service enforces activity invariants over the store: valid execution links
// and strictly monotonic state transitions.
type Service struct {
	store      *Store
	executions ExecutionChecker
	logger     *logger.Logger
}

// NewService creates an activity service. executions may be nil when no
// execution store is wired (links are then accepted unchecked).
func NewService(store *Store, executions ExecutionChecker, log *logger.Logger) *Service {
	return &Service{
		store:      store,
		executions: executions,
		logger:     log.WithFields(zap.String("component", "activity-service")),
	}
}

// Track opens a new activity in the started state and returns its ID.
func (s *Service) Track(ctx context.Context, req TrackRequest) (string, error) {
	if req.RelatedExecutionID != nil && s.executions != nil {
		exists, err := s.executions.ExecutionExists(ctx, *req.RelatedExecutionID)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("related execution not found: %s", *req.RelatedExecutionID)
		}
	}

	a := &Activity{
		AgentName:          req.AgentName,
		ActivityType:       req.ActivityType,
		ActivityState:      StateStarted,
		UserID:             req.UserID,
		TriggeredBy:        req.TriggeredBy,
		RelatedExecutionID: req.RelatedExecutionID,
		StartedAt:          time.Now().UTC(),
		Details:            req.Details,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return "", err
	}

	s.logger.Debug("activity tracked",
		zap.String("activity_id", a.ID),
		zap.String("agent", a.AgentName),
		zap.String("type", a.ActivityType))
	return a.ID, nil
}

// Complete moves an activity to a terminal state. Re-completing a terminal
// activity is rejected to keep transitions monotonic.
func (s *Service) Complete(ctx context.Context, id string, req CompleteRequest) error {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.ActivityState != StateStarted {
		return fmt.Errorf("activity %s already terminal: %s", id, a.ActivityState)
	}

	switch req.Status {
	case string(StateCompleted):
		a.ActivityState = StateCompleted
	case string(StateFailed):
		a.ActivityState = StateFailed
	default:
		return fmt.Errorf("invalid terminal status: %s", req.Status)
	}

	now := time.Now().UTC()
	a.CompletedAt = &now
	ms := now.Sub(a.StartedAt).Milliseconds()
	a.DurationMs = &ms
	if req.Error != "" {
		a.Error = &req.Error
	}
	for k, v := range req.Details {
		if a.Details == nil {
			a.Details = make(map[string]interface{})
		}
		a.Details[k] = v
	}

	if err := s.store.Finish(ctx, a); err != nil {
		return err
	}

	s.logger.Debug("activity completed",
		zap.String("activity_id", id),
		zap.String("state", string(a.ActivityState)))
	return nil
}

// Get returns an activity by ID.
func (s *Service) Get(ctx context.Context, id string) (*Activity, error) {
	return s.store.Get(ctx, id)
}

// ListByAgent returns recent activities for an agent.
func (s *Service) ListByAgent(ctx context.Context, agentName string, limit int) ([]*Activity, error) {
	return s.store.ListByAgent(ctx, agentName, limit)
}
