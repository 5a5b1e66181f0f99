package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/schedule/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := New(pool)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return repo
}

func TestScheduleRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	next := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	tools := []string{"bash", "web_search"}
	s := &models.Schedule{
		AgentName:      "pi",
		Name:           "daily",
		CronExpression: "0 9 * * *",
		Message:        "ping",
		Enabled:        true,
		Timezone:       "Europe/Berlin",
		TimeoutSeconds: 1200,
		AllowedTools:   &tools,
		OwnerID:        "user-1",
		NextRunAt:      &next,
	}
	if err := repo.CreateSchedule(ctx, s); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}
	if s.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := repo.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.AgentName != "pi" || got.Timezone != "Europe/Berlin" || got.TimeoutSeconds != 1200 {
		t.Errorf("schedule fields lost in round trip: %+v", got)
	}
	if !got.Enabled {
		t.Error("expected enabled")
	}
	if got.AllowedTools == nil || len(*got.AllowedTools) != 2 {
		t.Errorf("allowed_tools lost: %v", got.AllowedTools)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("next_run_at lost: %v", got.NextRunAt)
	}
}

func TestAllowedToolsNilVsEmpty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	unrestricted := &models.Schedule{
		AgentName: "pi", CronExpression: "* * * * *", Message: "m",
		Timezone: "UTC", TimeoutSeconds: 900,
	}
	if err := repo.CreateSchedule(ctx, unrestricted); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	empty := []string{}
	noTools := &models.Schedule{
		AgentName: "pi", CronExpression: "* * * * *", Message: "m",
		Timezone: "UTC", TimeoutSeconds: 900, AllowedTools: &empty,
	}
	if err := repo.CreateSchedule(ctx, noTools); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	got, _ := repo.GetSchedule(ctx, unrestricted.ID)
	if got.AllowedTools != nil {
		t.Error("nil allowed_tools must stay nil (unrestricted)")
	}

	got, _ = repo.GetSchedule(ctx, noTools.ID)
	if got.AllowedTools == nil || len(*got.AllowedTools) != 0 {
		t.Error("empty allowed_tools must stay an empty list (no tools)")
	}
}

func TestListSchedulesEnabledOnly(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, enabled := range []bool{true, false, true} {
		s := &models.Schedule{
			AgentName: "pi", CronExpression: "* * * * *", Message: "m",
			Enabled: enabled, Timezone: "UTC", TimeoutSeconds: 900,
		}
		if err := repo.CreateSchedule(ctx, s); err != nil {
			t.Fatalf("CreateSchedule failed: %v", err)
		}
	}

	all, err := repo.ListSchedules(ctx, false)
	if err != nil {
		t.Fatalf("ListSchedules failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 schedules, got %d", len(all))
	}

	enabled, err := repo.ListSchedules(ctx, true)
	if err != nil {
		t.Fatalf("ListSchedules(enabled) failed: %v", err)
	}
	if len(enabled) != 2 {
		t.Errorf("expected 2 enabled schedules, got %d", len(enabled))
	}
}

func TestUpdateRunTimes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := &models.Schedule{
		AgentName: "pi", CronExpression: "* * * * *", Message: "m",
		Enabled: true, Timezone: "UTC", TimeoutSeconds: 900,
	}
	if err := repo.CreateSchedule(ctx, s); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	last := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	next := last.Add(time.Minute)
	if err := repo.UpdateRunTimes(ctx, s.ID, last, &next); err != nil {
		t.Fatalf("UpdateRunTimes failed: %v", err)
	}

	got, _ := repo.GetSchedule(ctx, s.ID)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(last) {
		t.Errorf("last_run_at not recorded: %v", got.LastRunAt)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("next_run_at not recorded: %v", got.NextRunAt)
	}

	// Clearing next_run_at (disabled schedule) stores NULL.
	if err := repo.UpdateRunTimes(ctx, s.ID, last, nil); err != nil {
		t.Fatalf("UpdateRunTimes with nil failed: %v", err)
	}
	got, _ = repo.GetSchedule(ctx, s.ID)
	if got.NextRunAt != nil {
		t.Error("expected next_run_at cleared")
	}
}

func TestExecutionLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := &models.Execution{
		ScheduleID:  "sched-1",
		AgentName:   "pi",
		Status:      models.ExecutionRunning,
		Message:     "ping",
		TriggeredBy: models.TriggeredBySchedule,
	}
	if err := repo.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	exists, err := repo.ExecutionExists(ctx, e.ID)
	if err != nil || !exists {
		t.Fatalf("expected execution to exist: exists=%v err=%v", exists, err)
	}
	exists, _ = repo.ExecutionExists(ctx, "nope")
	if exists {
		t.Error("expected unknown execution to not exist")
	}

	// FinishExecution refuses non-terminal status.
	e.Status = models.ExecutionRunning
	if err := repo.FinishExecution(ctx, e); err == nil {
		t.Error("expected error finishing a non-terminal execution")
	}

	contextUsed := 100
	cost := 0.001
	e.Status = models.ExecutionSuccess
	e.Response = "pong"
	e.ContextUsed = &contextUsed
	e.Cost = &cost
	if err := repo.FinishExecution(ctx, e); err != nil {
		t.Fatalf("FinishExecution failed: %v", err)
	}

	got, err := repo.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != models.ExecutionSuccess || got.Response != "pong" {
		t.Errorf("terminal state lost: %+v", got)
	}
	if got.CompletedAt == nil || got.DurationMs == nil {
		t.Fatal("expected completed_at and duration_ms")
	}
	// duration_ms = completed_at - started_at.
	want := got.CompletedAt.Sub(got.StartedAt).Milliseconds()
	if *got.DurationMs != want {
		t.Errorf("duration law violated: got %d want %d", *got.DurationMs, want)
	}
	if got.Cost == nil || *got.Cost != 0.001 {
		t.Errorf("cost lost: %v", got.Cost)
	}
}

func TestListExecutionsMostRecentFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := &models.Execution{
			ScheduleID: "sched-1", AgentName: "pi",
			Status: models.ExecutionRunning, TriggeredBy: models.TriggeredBySchedule,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}
	}

	executions, err := repo.ListExecutions(ctx, "sched-1", 2)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(executions) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(executions))
	}
	if !executions[0].StartedAt.After(executions[1].StartedAt) {
		t.Error("expected most recent first")
	}
}
