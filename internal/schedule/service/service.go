// Package service implements the control-plane side of schedule management:
// write-time validation and next_run_at bookkeeping. The scheduler service
// never mutates configuration; it picks up changes via reconciliation.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/cronutil"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/schedule/models"
	"github.com/trinity/trinity/internal/schedule/repository"
)

// Limits bounds schedule timeouts.
type Limits struct {
	DefaultTimeout int
	MinTimeout     int
	MaxTimeout     int
}

// DefaultLimits returns the standard timeout bounds.
func DefaultLimits() Limits {
	return Limits{DefaultTimeout: 900, MinTimeout: 300, MaxTimeout: 7200}
}

// Service manages schedule configuration.
type Service struct {
	repo   *repository.Repository
	limits Limits
	logger *logger.Logger
}

// New creates a schedule service.
func New(repo *repository.Repository, limits Limits, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		limits: limits,
		logger: log.WithFields(zap.String("component", "schedule-service")),
	}
}

// CreateParams carries the writable schedule fields.
type CreateParams struct {
	AgentName      string
	Name           string
	CronExpression string
	Message        string
	Enabled        bool
	Timezone       string
	TimeoutSeconds int
	AllowedTools   *[]string
	OwnerID        string
}

// Create validates and stores a new schedule, computing next_run_at when
// enabled.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Schedule, error) {
	if p.AgentName == "" {
		return nil, apperrors.Validation("agent_name is required")
	}
	if p.Message == "" {
		return nil, apperrors.Validation("message is required")
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = s.limits.DefaultTimeout
	}
	if err := s.validate(p.CronExpression, p.Timezone, p.TimeoutSeconds); err != nil {
		return nil, err
	}

	schedule := &models.Schedule{
		AgentName:      p.AgentName,
		Name:           p.Name,
		CronExpression: p.CronExpression,
		Message:        p.Message,
		Enabled:        p.Enabled,
		Timezone:       p.Timezone,
		TimeoutSeconds: p.TimeoutSeconds,
		AllowedTools:   p.AllowedTools,
		OwnerID:        p.OwnerID,
	}

	if schedule.Enabled {
		next, err := cronutil.NextRun(schedule.CronExpression, schedule.Timezone, time.Now())
		if err != nil {
			return nil, apperrors.Validation(err.Error())
		}
		schedule.NextRunAt = &next
	}

	if err := s.repo.CreateSchedule(ctx, schedule); err != nil {
		return nil, apperrors.InternalError("failed to create schedule", err)
	}

	s.logger.Info("schedule created",
		zap.String("schedule_id", schedule.ID),
		zap.String("agent", schedule.AgentName),
		zap.String("cron", schedule.CronExpression))
	return schedule, nil
}

// UpdateParams carries optional updates; nil fields are left unchanged.
type UpdateParams struct {
	Name           *string
	CronExpression *string
	Message        *string
	Enabled        *bool
	Timezone       *string
	TimeoutSeconds *int
	AllowedTools   *[]string
	// ClearAllowedTools resets AllowedTools to nil (unrestricted).
	ClearAllowedTools bool
}

// Update applies the changes and recomputes next_run_at whenever cron,
// timezone, or enabled changed.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (*models.Schedule, error) {
	schedule, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, apperrors.NotFound("schedule", id)
	}

	recompute := false
	if p.Name != nil {
		schedule.Name = *p.Name
	}
	if p.Message != nil {
		schedule.Message = *p.Message
	}
	if p.CronExpression != nil && *p.CronExpression != schedule.CronExpression {
		schedule.CronExpression = *p.CronExpression
		recompute = true
	}
	if p.Timezone != nil && *p.Timezone != schedule.Timezone {
		schedule.Timezone = *p.Timezone
		recompute = true
	}
	if p.Enabled != nil && *p.Enabled != schedule.Enabled {
		schedule.Enabled = *p.Enabled
		recompute = true
	}
	if p.TimeoutSeconds != nil {
		schedule.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.ClearAllowedTools {
		schedule.AllowedTools = nil
	} else if p.AllowedTools != nil {
		schedule.AllowedTools = p.AllowedTools
	}

	if err := s.validate(schedule.CronExpression, schedule.Timezone, schedule.TimeoutSeconds); err != nil {
		return nil, err
	}

	if recompute {
		if schedule.Enabled {
			next, err := cronutil.NextRun(schedule.CronExpression, schedule.Timezone, time.Now())
			if err != nil {
				return nil, apperrors.Validation(err.Error())
			}
			schedule.NextRunAt = &next
		} else {
			schedule.NextRunAt = nil
		}
	}

	if err := s.repo.UpdateSchedule(ctx, schedule); err != nil {
		return nil, apperrors.InternalError("failed to update schedule", err)
	}

	s.logger.Info("schedule updated", zap.String("schedule_id", schedule.ID))
	return schedule, nil
}

// Get retrieves a schedule.
func (s *Service) Get(ctx context.Context, id string) (*models.Schedule, error) {
	schedule, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, apperrors.NotFound("schedule", id)
	}
	return schedule, nil
}

// List returns all schedules, or only the owner's when ownerID is set.
func (s *Service) List(ctx context.Context, ownerID string) ([]*models.Schedule, error) {
	if ownerID != "" {
		return s.repo.ListSchedulesByOwner(ctx, ownerID)
	}
	return s.repo.ListSchedules(ctx, false)
}

// Delete removes a schedule.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteSchedule(ctx, id); err != nil {
		return apperrors.NotFound("schedule", id)
	}
	s.logger.Info("schedule deleted", zap.String("schedule_id", id))
	return nil
}

// Executions returns recent executions for a schedule.
func (s *Service) Executions(ctx context.Context, scheduleID string, limit int) ([]*models.Execution, error) {
	return s.repo.ListExecutions(ctx, scheduleID, limit)
}

func (s *Service) validate(expression, timezone string, timeoutSeconds int) error {
	if err := cronutil.Validate(expression, timezone); err != nil {
		return apperrors.Validation(err.Error())
	}
	if timeoutSeconds < s.limits.MinTimeout || timeoutSeconds > s.limits.MaxTimeout {
		return apperrors.Validation(fmt.Sprintf(
			"timeout_seconds must be between %d and %d, got %d",
			s.limits.MinTimeout, s.limits.MaxTimeout, timeoutSeconds))
	}
	return nil
}
