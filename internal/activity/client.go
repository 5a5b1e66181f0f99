package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
)

// Client calls the control-plane internal activities API. Tracking is
// best-effort: callers log failures and continue, the execution record
// remains the authoritative ledger.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates an internal API client.
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithFields(zap.String("component", "activity-client")),
	}
}

// Track opens an activity and returns its ID.
func (c *Client) Track(ctx context.Context, req TrackRequest) (string, error) {
	var resp struct {
		ActivityID string `json:"activity_id"`
	}
	if err := c.post(ctx, "/internal/activities/track", req, &resp); err != nil {
		return "", err
	}
	return resp.ActivityID, nil
}

// Complete moves an activity to a terminal state.
func (c *Client) Complete(ctx context.Context, activityID string, req CompleteRequest) error {
	path := fmt.Sprintf("/internal/activities/%s/complete", activityID)
	return c.post(ctx, path, req, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("internal api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("internal api %s returned %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
