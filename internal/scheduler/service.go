// Package scheduler owns cron-based firing for every enabled schedule across
// the fleet. It reconciles its in-memory job table against the schedule
// store, so configuration changes never require a restart.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/cronutil"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/schedule/models"
	"github.com/trinity/trinity/internal/schedule/repository"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
	ErrScheduleNotFound        = errors.New("schedule not found")
)

// Config holds scheduler service tuning.
type Config struct {
	ReloadInterval        time.Duration // reconciliation cadence
	DefaultTimeout        int           // seconds
	MinTimeout            int           // seconds
	MaxTimeout            int           // seconds
	LockAcquireTimeout    time.Duration
	LockLeaseMargin       time.Duration // safety margin over the task timeout
	PublishEvents         bool
	ResponseTruncateBytes int
	RouteThroughQueue     bool
	MaxQueueSize          int // wait-list bound, used by the queue-routed path
}

// DefaultConfig returns the standard scheduler tuning.
func DefaultConfig() Config {
	return Config{
		ReloadInterval:        60 * time.Second,
		DefaultTimeout:        900,
		MinTimeout:            300,
		MaxTimeout:            7200,
		LockAcquireTimeout:    5 * time.Second,
		LockLeaseMargin:       60 * time.Second,
		PublishEvents:         true,
		ResponseTruncateBytes: 10240,
		RouteThroughQueue:     false,
		MaxQueueSize:          3,
	}
}

// AgentDirectory answers control-plane questions about agents. The scheduler
// only needs the autonomy gate.
type AgentDirectory interface {
	AutonomyEnabled(ctx context.Context, agentName string) (bool, error)
}

// job tracks a registered cron entry and the configuration it was built from.
type job struct {
	entryID     cron.EntryID
	fingerprint string
}

// Service drives the cron engine and the per-firing pipeline.
type Service struct {
	repo   *repository.Repository
	deps   Deps
	config Config
	logger *logger.Logger

	cron *cron.Cron

	jobsMu sync.Mutex
	jobs   map[string]job

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler service.
func New(repo *repository.Repository, deps Deps, cfg Config, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		deps:   deps,
		config: cfg,
		logger: log.WithFields(zap.String("component", "scheduler")),
		cron:   cron.New(),
		jobs:   make(map[string]job),
	}
}

// Start registers all enabled schedules, starts the cron engine, and begins
// the reconciliation loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.reconcile(ctx); err != nil {
		s.logger.Error("initial schedule load failed", zap.Error(err))
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.reconcileLoop(ctx)

	s.logger.Info("scheduler started",
		zap.Duration("reload_interval", s.config.ReloadInterval),
		zap.Int("schedules", s.jobCount()))
	return nil
}

// Stop halts the cron engine and waits for in-flight jobs to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger fires a schedule manually. The dispatch runs in the background;
// the caller gets an immediate acknowledgement. The per-agent lock still
// applies, so manual triggers cannot collide with cron firings.
func (s *Service) Trigger(ctx context.Context, scheduleID string) error {
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return ErrScheduleNotFound
	}

	s.logger.Info("manual trigger",
		zap.String("schedule_id", schedule.ID),
		zap.String("agent", schedule.AgentName))

	go s.fire(schedule.ID, models.TriggeredByManual)
	return nil
}

// reconcileLoop converges the job table with the store every ReloadInterval.
func (s *Service) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.reconcile(ctx); err != nil {
				s.logger.Error("schedule reconciliation failed", zap.Error(err))
			}
		}
	}
}

// reconcile diffs the enabled schedules in the store against the registered
// jobs: new ids are added, missing ids removed, and changed configurations
// re-registered. Eventually consistent within one reload interval.
func (s *Service) reconcile(ctx context.Context) error {
	schedules, err := s.repo.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("list enabled schedules: %w", err)
	}

	desired := make(map[string]*models.Schedule, len(schedules))
	for _, schedule := range schedules {
		desired[schedule.ID] = schedule
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	// Remove jobs whose schedule is gone or disabled.
	for id, j := range s.jobs {
		if _, ok := desired[id]; !ok {
			s.cron.Remove(j.entryID)
			delete(s.jobs, id)
			s.logger.Info("removing schedule", zap.String("schedule_id", id))
		}
	}

	for id, schedule := range desired {
		fp := fingerprint(schedule)
		existing, ok := s.jobs[id]
		if ok && existing.fingerprint == fp {
			continue
		}
		if ok {
			s.cron.Remove(existing.entryID)
			delete(s.jobs, id)
			s.logger.Info("re-registering changed schedule", zap.String("schedule_id", id))
		} else {
			s.logger.Info("adding new schedule",
				zap.String("schedule_id", id),
				zap.String("agent", schedule.AgentName),
				zap.String("cron", schedule.CronExpression))
		}

		if err := s.register(schedule, fp); err != nil {
			// Unparseable expressions are refused at write time; reaching
			// here means the row was corrupted out of band. Skip it.
			s.logger.Error("failed to register schedule",
				zap.String("schedule_id", id),
				zap.Error(err))
		}
	}

	return nil
}

// register must be called with jobsMu held.
func (s *Service) register(schedule *models.Schedule, fp string) error {
	sched, err := cronutil.Parse(schedule.CronExpression, schedule.Timezone)
	if err != nil {
		return err
	}

	id := schedule.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(id, models.TriggeredBySchedule)
	}))

	s.jobs[id] = job{entryID: entryID, fingerprint: fp}
	return nil
}

// fire runs one scheduled or manual execution. Panics are contained so a
// broken job cannot take down the other schedules.
func (s *Service) fire(scheduleID string, triggeredBy models.TriggeredBy) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in schedule execution",
				zap.String("schedule_id", scheduleID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx := context.Background()
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Warn("schedule vanished before firing", zap.String("schedule_id", scheduleID))
		return
	}
	if triggeredBy == models.TriggeredBySchedule && !schedule.Enabled {
		return
	}

	s.executeWithLock(ctx, schedule, triggeredBy)
}

func (s *Service) jobCount() int {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return len(s.jobs)
}

// fingerprint captures the configuration a job was registered with. A change
// in any of these fields forces re-registration.
func fingerprint(schedule *models.Schedule) string {
	tools := "null"
	if schedule.AllowedTools != nil {
		data, _ := json.Marshal(*schedule.AllowedTools)
		tools = string(data)
	}
	return strings.Join([]string{
		schedule.CronExpression,
		schedule.Timezone,
		fmt.Sprint(schedule.TimeoutSeconds),
		tools,
		schedule.AgentName,
		schedule.Message,
	}, "\x1f")
}
