// Package client talks to agent runtime containers over their private HTTP
// API. The runtime is a black box exposing /api/task (stateless),
// /api/chat (stateful), and /api/session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
)

// RequestError is returned when the agent runtime answers with a non-2xx
// status.
type RequestError struct {
	AgentName  string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("agent %s returned HTTP %d: %s", e.AgentName, e.StatusCode, snippet(e.Body))
}

func snippet(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// TaskRequest is the wire form of POST /api/task.
type TaskRequest struct {
	Message        string `json:"message"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// AllowedTools is omitted when nil (unrestricted); an empty list is sent
	// explicitly and means no tools.
	AllowedTools *[]string `json:"allowed_tools,omitempty"`
	ExecutionID  string    `json:"execution_id"`
}

// Metrics carries the observability fields of a task response.
type Metrics struct {
	ContextUsed      int             `json:"context_used"`
	ContextMax       int             `json:"context_max"`
	ContextPercent   float64         `json:"context_percent"`
	CostUSD          *float64        `json:"cost_usd,omitempty"`
	ToolCallsJSON    json.RawMessage `json:"tool_calls_json,omitempty"`
	ExecutionLogJSON json.RawMessage `json:"execution_log_json,omitempty"`
}

// TaskResponse is the parsed 2xx body of /api/task.
type TaskResponse struct {
	ResponseText string          `json:"response_text"`
	Metrics      Metrics         `json:"metrics"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// ChatRequest is the wire form of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

// ChatResponse is the parsed 2xx body of /api/chat.
type ChatResponse struct {
	ResponseText string  `json:"response_text"`
	Metrics      Metrics `json:"metrics"`
}

// SessionInfo is the parsed body of GET /api/session.
type SessionInfo struct {
	ContextUsed    int     `json:"context_used"`
	ContextMax     int     `json:"context_max"`
	ContextPercent float64 `json:"context_percent"`
}

// Client reaches agent runtimes by name. The base URL of an agent is derived
// from a format string, e.g. "http://agent-%s:8000".
type Client struct {
	urlFormat      string
	sessionTimeout time.Duration
	logger         *logger.Logger
}

// New creates an agent runtime client.
func New(urlFormat string, sessionTimeout time.Duration, log *logger.Logger) *Client {
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Second
	}
	return &Client{
		urlFormat:      urlFormat,
		sessionTimeout: sessionTimeout,
		logger:         log.WithFields(zap.String("component", "agent-client")),
	}
}

func (c *Client) baseURL(agentName string) string {
	return fmt.Sprintf(c.urlFormat, agentName)
}

// RunTask dispatches a stateless task to the agent. The HTTP timeout is the
// task timeout plus a 10 s grace so the runtime's own deadline fires first.
func (c *Client) RunTask(ctx context.Context, agentName string, req TaskRequest) (*TaskResponse, error) {
	timeout := time.Duration(req.TimeoutSeconds+10) * time.Second

	var resp TaskResponse
	if err := c.do(ctx, agentName, http.MethodPost, "/api/task", req, &resp, timeout); err != nil {
		return nil, err
	}

	c.logger.Debug("task dispatched",
		zap.String("agent", agentName),
		zap.String("execution_id", req.ExecutionID),
		zap.Int("context_used", resp.Metrics.ContextUsed))
	return &resp, nil
}

// Chat sends a stateful chat message, preserving the runtime's conversation.
func (c *Client) Chat(ctx context.Context, agentName string, req ChatRequest, timeout time.Duration) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.do(ctx, agentName, http.MethodPost, "/api/chat", req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Session returns the runtime's context token usage.
func (c *Client) Session(ctx context.Context, agentName string) (*SessionInfo, error) {
	var resp SessionInfo
	if err := c.do(ctx, agentName, http.MethodGet, "/api/session", nil, &resp, c.sessionTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, agentName, method, path string, body, out interface{}, timeout time.Duration) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(agentName)+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := &http.Client{Timeout: timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s not reachable: %w", agentName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from agent %s: %w", agentName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{AgentName: agentName, StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response from agent %s: %w", agentName, err)
		}
	}
	return nil
}
