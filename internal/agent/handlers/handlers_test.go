package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	agentclient "github.com/trinity/trinity/internal/agent/client"
	"github.com/trinity/trinity/internal/agent/repository"
	"github.com/trinity/trinity/internal/agent/service"
	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/execqueue"
	"github.com/trinity/trinity/internal/store"
)

type testEnv struct {
	router *gin.Engine
	repo   *repository.Repository
	queue  *execqueue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Agent runtime double answering /api/chat.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req agentclient.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(agentclient.ChatResponse{ResponseText: "echo: " + req.Message})
	}))
	t.Cleanup(ts.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewClientFromRedis(rdb, logger.Default())

	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := repository.New(pool)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	queue := execqueue.New(st, execqueue.DefaultConfig(), logger.Default())
	agents := agentclient.New(ts.URL+"/agents/%s", 5*time.Second, logger.Default())
	memBus := bus.NewMemoryEventBus(logger.Default())

	cfg := service.DefaultConfig()
	cfg.ChatTimeout = 5 * time.Second
	svc := service.New(queue, nil, agents, nil, memBus, cfg, logger.Default())

	router := gin.New()
	api := router.Group("/api")
	New(svc, repo, agents, logger.Default()).RegisterRoutes(api)

	return &testEnv{router: router, repo: repo, queue: queue}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) occupySlot(t *testing.T, agent string) {
	t.Helper()
	entry := execqueue.NewEntry(execqueue.CreateParams{
		AgentName: agent, Message: "occupier", Source: execqueue.SourceUser,
	})
	result, err := e.queue.Submit(context.Background(), entry, true)
	if err != nil || result.State != execqueue.SubmitRunning {
		t.Fatalf("failed to occupy slot: result=%v err=%v", result, err)
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestChatIdleReturns200(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/agents/pi/chat", gin.H{"message": "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["state"] != "completed" {
		t.Errorf("expected completed, got %v", body["state"])
	}
	if body["response"] != "echo: hello" {
		t.Errorf("expected echo response, got %v", body["response"])
	}
}

func TestChatBusyReturns202WithPosition(t *testing.T) {
	env := newTestEnv(t)
	env.occupySlot(t, "pi")

	w := env.do(t, http.MethodPost, "/api/agents/pi/chat", gin.H{"message": "wait"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["state"] != "queued" {
		t.Errorf("expected queued, got %v", body["state"])
	}
	// The first waiter sits at position 0.
	if body["position"] != float64(0) {
		t.Errorf("expected position 0, got %v", body["position"])
	}
}

func TestChatQueueFullReturns429(t *testing.T) {
	env := newTestEnv(t)
	env.occupySlot(t, "pi")

	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/api/agents/pi/chat", gin.H{"message": "filler"})
		if w.Code != http.StatusAccepted {
			t.Fatalf("filler %d: expected 202, got %d", i, w.Code)
		}
	}

	w := env.do(t, http.MethodPost, "/api/agents/pi/chat", gin.H{"message": "overflow"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["queue_length"] != float64(3) {
		t.Errorf("expected queue_length 3, got %v", body["queue_length"])
	}
	if body["retry_after"] == nil {
		t.Error("expected retry_after hint")
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/agents/pi/chat", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAgentCallWithoutPermissionReturns403(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/agents/pi/call", gin.H{
		"message":      "hi",
		"source_agent": "intruder",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAgentCallWithPermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.repo.GrantPermission(ctx, "caller", "pi"); err != nil {
		t.Fatalf("GrantPermission failed: %v", err)
	}

	w := env.do(t, http.MethodPost, "/api/agents/pi/call", gin.H{
		"message":      "hi",
		"source_agent": "caller",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["state"] != "completed" {
		t.Errorf("expected completed, got %v", body["state"])
	}

	// Permissions are directional: pi cannot call back without a grant.
	w = env.do(t, http.MethodPost, "/api/agents/caller/call", gin.H{
		"message":      "hi",
		"source_agent": "pi",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 on reverse direction, got %d", w.Code)
	}
}

func TestQueueAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.occupySlot(t, "pi")

	for i := 0; i < 2; i++ {
		_ = env.do(t, http.MethodPost, "/api/agents/pi/chat", gin.H{"message": "filler"})
	}

	w := env.do(t, http.MethodGet, "/api/agents/pi/queue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["running"] == nil {
		t.Error("expected running entry in status")
	}
	waiting, ok := body["waiting"].([]interface{})
	if !ok || len(waiting) != 2 {
		t.Errorf("expected 2 waiting entries, got %v", body["waiting"])
	}

	w = env.do(t, http.MethodPost, "/api/agents/pi/queue/clear", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decodeBody(t, w)["cleared"] != float64(2) {
		t.Errorf("expected 2 cleared, got %s", w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/agents/pi/queue/release", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decodeBody(t, w)["released"] != true {
		t.Errorf("expected released true, got %s", w.Body.String())
	}

	busy, _ := env.queue.IsBusy(context.Background(), "pi")
	if busy {
		t.Error("expected idle agent after admin reset")
	}
}

func TestAgentUpsertAndSharedFolders(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/agents", gin.H{
		"name":  "pi",
		"image": "trinity/agent:latest",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPut, "/api/agents/pi/shared-folders", gin.H{
		"expose_enabled":  true,
		"consume_enabled": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	cfg, err := env.repo.GetSharedFolderConfig(context.Background(), "pi")
	if err != nil {
		t.Fatalf("GetSharedFolderConfig failed: %v", err)
	}
	if !cfg.ExposeEnabled || !cfg.ConsumeEnabled {
		t.Errorf("shared folder config not persisted: %+v", cfg)
	}

	// Unknown agents cannot be configured.
	w = env.do(t, http.MethodPut, "/api/agents/ghost/shared-folders", gin.H{"expose_enabled": true})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", w.Code)
	}
}

func TestRespondQueueErrorMapsAgentBusyTo409(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(nil, nil, nil, logger.Default())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/agents/pi/chat", nil)

	h.respondQueueError(c, &execqueue.AgentBusyError{AgentName: "pi"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestRespondQueueErrorMapsQueueFullTo429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(nil, nil, nil, logger.Default())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/agents/pi/chat", nil)

	h.respondQueueError(c, &execqueue.QueueFullError{AgentName: "pi", QueueLength: 3})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["queue_length"] != float64(3) || body["retry_after"] == nil {
		t.Errorf("expected queue_length and retry_after, got %s", w.Body.String())
	}
}
