package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smartmirror-lab/internal/logging"
)

// Commander dispatches session commands on behalf of the listener. The
// listener and the session API are separable processes, so the production
// implementation goes over HTTP.
type Commander interface {
	StartSession(exercise string) error
	PauseSession() error
	StopSession() error
	SwitchExercise(exercise string) error
	NotifyVoiceEvent(message, intent string) error
	SessionStatus() (string, error)
}

// PostWithRetries posts JSON to url with retry/backoff and returns the
// response. Caller must close resp.Body.
func PostWithRetries(client *http.Client, url string, body []byte, timeoutMs int, attempts int, correlationID string) (*http.Response, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		ctxReq, cancelReq := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
		req, rerr := http.NewRequestWithContext(ctxReq, "POST", url, bytes.NewReader(body))
		if rerr != nil {
			logging.Debugw("postWithRetries: new request error", "err", rerr, "correlation_id", correlationID)
			cancelReq()
			return nil, rerr
		}
		req.Header.Set("Content-Type", "application/json")

		var resp *http.Response
		var err error
		if client != nil {
			resp, err = client.Do(req)
		} else {
			tmp := &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}
			resp, err = tmp.Do(req)
		}
		cancelReq()
		if err != nil {
			logging.Debugw("postWithRetries: POST attempt failed", "attempt", i+1, "err", err, "correlation_id", correlationID)
			if i < attempts-1 {
				time.Sleep(time.Duration(200*(1<<i)) * time.Millisecond)
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("no response from postWithRetries")
}

// HTTPCommander drives the session API over its JSON envelope endpoints.
type HTTPCommander struct {
	baseURL   string
	client    *http.Client
	timeoutMS int
	attempts  int
}

func NewHTTPCommander(baseURL string) *HTTPCommander {
	return &HTTPCommander{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 5 * time.Second},
		timeoutMS: 3000,
		attempts:  3,
	}
}

func (c *HTTPCommander) post(path string, payload interface{}, correlationID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := PostWithRetries(c.client, c.baseURL+path, body, c.timeoutMS, c.attempts, correlationID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("command %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *HTTPCommander) StartSession(exercise string) error {
	return c.post("/session/start", map[string]interface{}{"exercise": exercise, "reset": true}, "")
}

func (c *HTTPCommander) PauseSession() error {
	return c.post("/session/pause", map[string]interface{}{}, "")
}

func (c *HTTPCommander) StopSession() error {
	return c.post("/session/stop", map[string]interface{}{}, "")
}

func (c *HTTPCommander) SwitchExercise(exercise string) error {
	return c.post("/session/exercise", map[string]interface{}{"exercise": exercise, "reset": true}, "")
}

func (c *HTTPCommander) NotifyVoiceEvent(message, intent string) error {
	return c.post("/voice/event", map[string]interface{}{"message": message, "intent": intent}, "")
}

// SessionStatus polls the session API for the lifecycle status string.
func (c *HTTPCommander) SessionStatus() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.timeoutMS)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/status", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session status: status %d", resp.StatusCode)
	}
	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("decode session status: %w", err)
	}
	return envelope.Data.Status, nil
}
