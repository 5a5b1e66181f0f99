package activity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
)

type fakeChecker struct {
	known map[string]bool
}

func (f *fakeChecker) ExecutionExists(ctx context.Context, id string) (bool, error) {
	return f.known[id], nil
}

func newTestService(t *testing.T, checker ExecutionChecker) *Service {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return NewService(store, checker, logger.Default())
}

func TestTrackAndComplete(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id, err := svc.Track(ctx, TrackRequest{
		AgentName:    "pi",
		ActivityType: TypeScheduleStart,
		TriggeredBy:  "schedule",
		Details:      map[string]interface{}{"schedule_name": "daily"},
	})
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	a, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.ActivityState != StateStarted {
		t.Errorf("expected started, got %s", a.ActivityState)
	}
	if a.CompletedAt != nil {
		t.Error("expected no completed_at on open activity")
	}

	if err := svc.Complete(ctx, id, CompleteRequest{Status: "completed"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	a, _ = svc.Get(ctx, id)
	if a.ActivityState != StateCompleted {
		t.Errorf("expected completed, got %s", a.ActivityState)
	}
	if a.CompletedAt == nil || a.DurationMs == nil {
		t.Fatal("expected terminal bookkeeping")
	}
	if a.CompletedAt.Before(a.StartedAt) {
		t.Error("completed_at must not precede started_at")
	}
}

func TestCompleteIsMonotonic(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id, err := svc.Track(ctx, TrackRequest{AgentName: "pi", ActivityType: TypeChatStart})
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	if err := svc.Complete(ctx, id, CompleteRequest{Status: "failed", Error: "boom"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// A second terminal transition is rejected.
	if err := svc.Complete(ctx, id, CompleteRequest{Status: "completed"}); err == nil {
		t.Error("expected monotonic transition violation to be rejected")
	}

	a, _ := svc.Get(ctx, id)
	if a.ActivityState != StateFailed {
		t.Errorf("expected failed to stick, got %s", a.ActivityState)
	}
	if a.Error == nil || *a.Error != "boom" {
		t.Errorf("expected error recorded, got %v", a.Error)
	}
}

func TestCompleteRejectsInvalidStatus(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id, _ := svc.Track(ctx, TrackRequest{AgentName: "pi", ActivityType: TypeChatStart})
	if err := svc.Complete(ctx, id, CompleteRequest{Status: "done"}); err == nil {
		t.Error("expected invalid terminal status to be rejected")
	}
}

func TestTrackValidatesExecutionLink(t *testing.T) {
	checker := &fakeChecker{known: map[string]bool{"exec-1": true}}
	svc := newTestService(t, checker)
	ctx := context.Background()

	execID := "exec-1"
	if _, err := svc.Track(ctx, TrackRequest{
		AgentName:          "pi",
		ActivityType:       TypeScheduleStart,
		RelatedExecutionID: &execID,
	}); err != nil {
		t.Fatalf("Track with valid link failed: %v", err)
	}

	missing := "exec-404"
	if _, err := svc.Track(ctx, TrackRequest{
		AgentName:          "pi",
		ActivityType:       TypeScheduleStart,
		RelatedExecutionID: &missing,
	}); err == nil {
		t.Error("expected dangling execution link to be rejected")
	}
}

func TestCompleteMergesDetails(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id, _ := svc.Track(ctx, TrackRequest{
		AgentName:    "pi",
		ActivityType: TypeChatStart,
		Details:      map[string]interface{}{"entry_id": "e1"},
	})
	if err := svc.Complete(ctx, id, CompleteRequest{
		Status:  "completed",
		Details: map[string]interface{}{"tokens": float64(42)},
	}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	a, _ := svc.Get(ctx, id)
	if a.Details["entry_id"] != "e1" {
		t.Error("expected original details preserved")
	}
	if a.Details["tokens"] != float64(42) {
		t.Error("expected completion details merged")
	}
}
