// Package posture talks to the vision sidecar over HTTP.
package posture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smartmirror-lab/internal/session"
)

// Client implements session.PostureAnalyzer against the vision sidecar's
// JSON API. Calls are single-shot with short timeouts.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vision sidecar %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// Query fetches the latest per-frame analysis.
func (c *Client) Query(ctx context.Context) (session.PostureResult, error) {
	var res session.PostureResult
	if err := c.getJSON(ctx, "/analyze", &res); err != nil {
		return session.PostureResult{}, err
	}
	return res, nil
}

func (c *Client) SetExercise(ctx context.Context, name string, reset bool) error {
	return c.postJSON(ctx, "/exercise", map[string]interface{}{"exercise": name, "reset": reset}, nil)
}

func (c *Client) ResetSession(ctx context.Context, preserveTotals bool) error {
	return c.postJSON(ctx, "/session/reset", map[string]interface{}{"preserve_totals": preserveTotals}, nil)
}

func (c *Client) SetCountingEnabled(ctx context.Context, enabled bool) error {
	return c.postJSON(ctx, "/counting", map[string]interface{}{"enabled": enabled}, nil)
}

func (c *Client) AverageQuality(ctx context.Context) (float64, error) {
	var out struct {
		Average float64 `json:"average"`
	}
	if err := c.getJSON(ctx, "/quality/average", &out); err != nil {
		return 0, err
	}
	return out.Average, nil
}
