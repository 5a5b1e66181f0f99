package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trinity/trinity/internal/activity"
	agentclient "github.com/trinity/trinity/internal/agent/client"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/execqueue"
	"github.com/trinity/trinity/internal/schedule/models"
	"github.com/trinity/trinity/internal/schedule/repository"
	"github.com/trinity/trinity/internal/store"
)

type fakeActivities struct {
	mu        sync.Mutex
	tracked   []activity.TrackRequest
	completed []activity.CompleteRequest
}

func (f *fakeActivities) Track(ctx context.Context, req activity.TrackRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, req)
	return fmt.Sprintf("act-%d", len(f.tracked)), nil
}

func (f *fakeActivities) Complete(ctx context.Context, activityID string, req activity.CompleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, req)
	return nil
}

type fakeDirectory struct {
	enabled bool
}

func (f *fakeDirectory) AutonomyEnabled(ctx context.Context, agentName string) (bool, error) {
	return f.enabled, nil
}

type harness struct {
	svc        *Service
	repo       *repository.Repository
	store      *store.Client
	mr         *miniredis.Miniredis
	activities *fakeActivities
	eventCh    chan *bus.Event
}

func newHarness(t *testing.T, agentURL string) *harness {
	t.Helper()

	repo := newTestRepo(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewClientFromRedis(rdb, logger.Default())

	memBus := bus.NewMemoryEventBus(logger.Default())
	eventCh := make(chan *bus.Event, 16)
	_, err := memBus.Subscribe(events.SchedulerChannel, func(ctx context.Context, e *bus.Event) error {
		eventCh <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	activities := &fakeActivities{}
	agents := agentclient.New(agentURL+"/agents/%s", 5*time.Second, logger.Default())

	cfg := DefaultConfig()
	cfg.ReloadInterval = time.Hour
	cfg.LockAcquireTimeout = 200 * time.Millisecond

	svc := New(repo, Deps{
		Store:      st,
		Queue:      execqueue.New(st, execqueue.DefaultConfig(), logger.Default()),
		Agents:     agents,
		Activities: activities,
		Bus:        memBus,
		Directory:  &fakeDirectory{enabled: true},
	}, cfg, logger.Default())

	return &harness{svc: svc, repo: repo, store: st, mr: mr, activities: activities, eventCh: eventCh}
}

func (h *harness) waitEvents(t *testing.T, n int) []*bus.Event {
	t.Helper()
	var got []*bus.Event
	deadline := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e := <-h.eventCh:
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(got))
		}
	}
	return got
}

func (h *harness) executions(t *testing.T, scheduleID string) []*models.Execution {
	t.Helper()
	executions, err := h.repo.ListExecutions(context.Background(), scheduleID, 10)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	return executions
}

func taskSuccessServer(t *testing.T, responseText string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/task") {
			http.NotFound(w, r)
			return
		}
		cost := 0.001
		_ = json.NewEncoder(w).Encode(agentclient.TaskResponse{
			ResponseText: responseText,
			Metrics: agentclient.Metrics{
				ContextUsed: 100,
				ContextMax:  200000,
				CostUSD:     &cost,
			},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFireHappyPath(t *testing.T) {
	ts := taskSuccessServer(t, "pong")
	h := newHarness(t, ts.URL)

	schedule := seedSchedule(t, h.repo, "ping", "*/5 * * * *", true)
	before := time.Now().UTC()

	h.svc.fire(schedule.ID, models.TriggeredBySchedule)

	executions := h.executions(t, schedule.ID)
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionSuccess {
		t.Errorf("expected success, got %s (error: %v)", exec.Status, exec.Error)
	}
	if exec.Response != "pong" {
		t.Errorf("expected response pong, got %q", exec.Response)
	}
	if exec.Cost == nil || *exec.Cost != 0.001 {
		t.Errorf("expected cost 0.001, got %v", exec.Cost)
	}
	if exec.ContextUsed == nil || *exec.ContextUsed != 100 {
		t.Errorf("expected context_used 100, got %v", exec.ContextUsed)
	}
	if exec.CompletedAt == nil || exec.DurationMs == nil {
		t.Fatal("expected terminal bookkeeping")
	}
	if exec.CompletedAt.Before(exec.StartedAt) {
		t.Error("completed_at must not precede started_at")
	}

	// Activity opened with the execution link, then completed.
	if len(h.activities.tracked) != 1 {
		t.Fatalf("expected 1 tracked activity, got %d", len(h.activities.tracked))
	}
	tracked := h.activities.tracked[0]
	if tracked.ActivityType != activity.TypeScheduleStart {
		t.Errorf("expected schedule_start activity, got %s", tracked.ActivityType)
	}
	if tracked.RelatedExecutionID == nil || *tracked.RelatedExecutionID != exec.ID {
		t.Error("expected related_execution_id link")
	}
	if len(h.activities.completed) != 1 || h.activities.completed[0].Status != "completed" {
		t.Error("expected completed activity")
	}

	// Both lifecycle events land on the scheduler channel. Handler delivery
	// is asynchronous, so assert on the set rather than arrival order.
	got := h.waitEvents(t, 2)
	byType := make(map[string]*bus.Event)
	for _, e := range got {
		byType[e.Type] = e
	}
	started, ok := byType[events.ScheduleExecutionStarted]
	if !ok {
		t.Fatal("missing started event")
	}
	if started.Data["execution_id"] != exec.ID || started.Data["agent"] != "pi" {
		t.Errorf("started event payload wrong: %v", started.Data)
	}
	completed, ok := byType[events.ScheduleExecutionCompleted]
	if !ok {
		t.Fatal("missing completed event")
	}
	if completed.Data["status"] != string(models.ExecutionSuccess) {
		t.Errorf("expected success status in event, got %v", completed.Data["status"])
	}

	// Bookkeeping: last_run_at around now, next_run_at on the 5-minute grid.
	updated, err := h.repo.GetSchedule(context.Background(), schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if updated.LastRunAt == nil || updated.LastRunAt.Before(before) {
		t.Error("expected last_run_at to be set")
	}
	if updated.NextRunAt == nil {
		t.Fatal("expected next_run_at to be recomputed")
	}
	if !updated.NextRunAt.After(*updated.LastRunAt) {
		t.Error("next_run_at must be strictly after last_run_at")
	}
	if updated.NextRunAt.Minute()%5 != 0 || updated.NextRunAt.Second() != 0 {
		t.Errorf("expected next_run_at on the 5-minute grid, got %v", updated.NextRunAt)
	}
}

func TestFireAgentHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)
	h := newHarness(t, ts.URL)

	schedule := seedSchedule(t, h.repo, "err", "*/5 * * * *", true)
	h.svc.fire(schedule.ID, models.TriggeredBySchedule)

	executions := h.executions(t, schedule.ID)
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if exec.Error == nil || !strings.Contains(*exec.Error, "HTTP 500") {
		t.Errorf("expected HTTP status in error, got %v", exec.Error)
	}
	if len(h.activities.completed) != 1 || h.activities.completed[0].Status != "failed" {
		t.Error("expected failed activity")
	}
}

func TestFireAgentUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	agentURL := ts.URL
	ts.Close() // connection refused from now on
	h := newHarness(t, agentURL)

	schedule := seedSchedule(t, h.repo, "gone", "*/5 * * * *", true)
	h.svc.fire(schedule.ID, models.TriggeredBySchedule)

	executions := h.executions(t, schedule.ID)
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if exec.Error == nil || !strings.Contains(*exec.Error, "Agent not reachable") {
		t.Errorf("expected reachability error, got %v", exec.Error)
	}
}

func TestFireLockContention(t *testing.T) {
	ts := taskSuccessServer(t, "pong")
	h := newHarness(t, ts.URL)
	ctx := context.Background()

	schedule := seedSchedule(t, h.repo, "locked", "*/5 * * * *", true)

	// Another replica holds the agent lock.
	lock, err := h.store.AcquireLock(ctx, "agent:pi", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release(ctx)

	h.svc.fire(schedule.ID, models.TriggeredBySchedule)

	// The losing replica skips silently: no execution record.
	if executions := h.executions(t, schedule.ID); len(executions) != 0 {
		t.Errorf("expected no executions on lock contention, got %d", len(executions))
	}
}

func TestManualTriggerWhileLocked(t *testing.T) {
	ts := taskSuccessServer(t, "pong")
	h := newHarness(t, ts.URL)
	ctx := context.Background()

	schedule := seedSchedule(t, h.repo, "manual", "*/5 * * * *", true)

	lock, err := h.store.AcquireLock(ctx, "agent:pi", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release(ctx)

	h.svc.fire(schedule.ID, models.TriggeredByManual)

	// Manual triggers leave a visible failed execution.
	executions := h.executions(t, schedule.ID)
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionFailed {
		t.Errorf("expected failed, got %s", exec.Status)
	}
	if exec.Error == nil || !strings.Contains(*exec.Error, "locked") {
		t.Errorf("expected locked reason, got %v", exec.Error)
	}
	if exec.TriggeredBy != models.TriggeredByManual {
		t.Errorf("expected manual trigger, got %s", exec.TriggeredBy)
	}
}

func TestAutonomyGateSkipsFiring(t *testing.T) {
	ts := taskSuccessServer(t, "pong")
	h := newHarness(t, ts.URL)
	h.svc.deps.Directory = &fakeDirectory{enabled: false}

	schedule := seedSchedule(t, h.repo, "gated", "*/5 * * * *", true)
	h.svc.fire(schedule.ID, models.TriggeredBySchedule)

	if executions := h.executions(t, schedule.ID); len(executions) != 0 {
		t.Errorf("expected no executions with autonomy disabled, got %d", len(executions))
	}

	// Bookkeeping untouched on a gated skip.
	updated, _ := h.repo.GetSchedule(context.Background(), schedule.ID)
	if updated.LastRunAt != nil {
		t.Error("expected last_run_at untouched")
	}
}

func TestResponseTruncation(t *testing.T) {
	big := strings.Repeat("x", 20000)
	ts := taskSuccessServer(t, big)
	h := newHarness(t, ts.URL)

	schedule := seedSchedule(t, h.repo, "big", "*/5 * * * *", true)
	h.svc.fire(schedule.ID, models.TriggeredBySchedule)

	executions := h.executions(t, schedule.ID)
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	if len(executions[0].Response) != 10240 {
		t.Errorf("expected response truncated to 10240 bytes, got %d", len(executions[0].Response))
	}
}

func TestQueueRoutedDispatchFull(t *testing.T) {
	ts := taskSuccessServer(t, "pong")
	h := newHarness(t, ts.URL)
	h.svc.config.RouteThroughQueue = true
	ctx := context.Background()

	// Fill the agent's slot and wait list.
	q := h.svc.deps.Queue
	for i := 0; i < 4; i++ {
		entry := execqueue.NewEntry(execqueue.CreateParams{
			AgentName: "pi", Message: "chat", Source: execqueue.SourceUser,
		})
		if _, err := q.Submit(ctx, entry, true); err != nil {
			t.Fatalf("seed submit %d failed: %v", i, err)
		}
	}

	schedule := seedSchedule(t, h.repo, "routed", "*/5 * * * *", true)
	h.svc.fire(schedule.ID, models.TriggeredBySchedule)

	executions := h.executions(t, schedule.ID)
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if exec.Error == nil || !strings.Contains(*exec.Error, "queue full (3 waiting)") {
		t.Errorf("expected queue-full reason, got %v", exec.Error)
	}
}

func TestQueueRoutedDispatchSuccess(t *testing.T) {
	ts := taskSuccessServer(t, "pong")
	h := newHarness(t, ts.URL)
	h.svc.config.RouteThroughQueue = true
	ctx := context.Background()

	schedule := seedSchedule(t, h.repo, "routed-ok", "*/5 * * * *", true)
	h.svc.fire(schedule.ID, models.TriggeredBySchedule)

	executions := h.executions(t, schedule.ID)
	if len(executions) != 1 || executions[0].Status != models.ExecutionSuccess {
		t.Fatalf("expected one successful execution, got %+v", executions)
	}

	// The queue slot must be released after the firing.
	busy, err := h.svc.deps.Queue.IsBusy(ctx, "pi")
	if err != nil {
		t.Fatalf("IsBusy failed: %v", err)
	}
	if busy {
		t.Error("expected queue slot released after execution")
	}
}

func TestFireTimeoutEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("dispatch timeout is task timeout + 10s grace; skipping in -short")
	}

	// The agent hangs until the dispatch HTTP client gives up.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)
	h := newHarness(t, ts.URL)
	ctx := context.Background()

	schedule := seedSchedule(t, h.repo, "hang", "*/5 * * * *", true)
	schedule.TimeoutSeconds = 1 // client aborts at 1s + 10s grace
	if err := h.repo.UpdateSchedule(ctx, schedule); err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}

	start := time.Now()
	h.svc.fire(schedule.ID, models.TriggeredBySchedule)
	elapsed := time.Since(start)

	if elapsed < 10*time.Second {
		t.Errorf("dispatch gave up before the timeout window: %v", elapsed)
	}

	executions := h.executions(t, schedule.ID)
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if exec.Error == nil || !strings.Contains(*exec.Error, "timed out") {
		t.Errorf("expected timeout reason, got %v", exec.Error)
	}

	// The activity closed as failed.
	if len(h.activities.completed) != 1 || h.activities.completed[0].Status != "failed" {
		t.Error("expected failed activity")
	}

	// The lock was released: the next firing can acquire it immediately.
	lock, err := h.store.AcquireLock(ctx, "agent:pi", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("lock not released after timeout: %v", err)
	}
	_ = lock.Release(ctx)
}

func TestClassifyDispatchErrorTimeout(t *testing.T) {
	timeoutErr := &url.Error{Op: "Post", URL: "http://agent", Err: &timeoutNetError{}}
	err := classifyDispatchError(timeoutErr, "pi", 300)
	if !strings.Contains(err.Error(), "timed out after 300s") {
		t.Errorf("expected timeout message, got %v", err)
	}
}

func TestClassifyDispatchErrorRequestError(t *testing.T) {
	reqErr := &agentclient.RequestError{AgentName: "pi", StatusCode: 422, Body: "nope"}
	err := classifyDispatchError(fmt.Errorf("wrapped: %w", reqErr), "pi", 300)
	var out *agentclient.RequestError
	if !errors.As(err, &out) {
		t.Errorf("expected RequestError to pass through, got %v", err)
	}
}

// timeoutNetError simulates a client timeout inside a url.Error.
type timeoutNetError struct{}

func (e *timeoutNetError) Error() string   { return "context deadline exceeded" }
func (e *timeoutNetError) Timeout() bool   { return true }
func (e *timeoutNetError) Temporary() bool { return true }
