// Package biometrics ingests heart-rate and step telemetry from the
// Fitbit Web API and answers session-window queries from an in-memory
// sample ring. Without credentials it degrades to cached/zero values so
// the mirror keeps working offline.
package biometrics

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smartmirror-lab/internal/logging"
	"github.com/smartmirror-lab/internal/session"
)

// Tokens is the OAuth credential set for one Fitbit user.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	UserID       string
}

// TokenStore persists tokens across restarts.
type TokenStore interface {
	SaveTokens(ctx context.Context, t Tokens) error
	LoadTokens(ctx context.Context) (Tokens, bool, error)
}

// Reading is the latest point-in-time biometric snapshot.
type Reading struct {
	HeartRateBPM int       `json:"heart_rate_bpm"`
	Steps        int       `json:"steps"`
	At           time.Time `json:"timestamp"`
	Source       string    `json:"source"`
}

// Config holds the OAuth app settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	PollInterval time.Duration
}

const (
	defaultAPIBase  = "https://api.fitbit.com"
	defaultAuthBase = "https://www.fitbit.com"
	oauthScope      = "heartrate activity profile"
	ringLimit       = 8192
)

// Client talks to the Fitbit Web API. All fetches refresh on 401 once and
// back off with jitter on 429.
type Client struct {
	cfg      Config
	store    TokenStore
	http     *http.Client
	now      func() time.Time
	apiBase  string
	authBase string

	mu         sync.Mutex
	tokens     Tokens
	haveTokens bool
	cached     Reading
	ring       []session.HeartRateSample

	stop chan struct{}
	done chan struct{}
}

func NewClient(cfg Config, store TokenStore) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	c := &Client{
		cfg:      cfg,
		store:    store,
		http:     &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		apiBase:  defaultAPIBase,
		authBase: defaultAuthBase,
	}
	if store != nil {
		if t, ok, err := store.LoadTokens(context.Background()); err != nil {
			logging.Warnw("fitbit token load failed", "error", err)
		} else if ok {
			c.tokens = t
			c.haveTokens = true
		}
	}
	return c
}

// Connected reports whether usable credentials are present.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haveTokens
}

// TokenStatus returns the current token expiry for the status endpoint.
func (c *Client) TokenStatus() (expiresAt time.Time, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.ExpiresAt, c.haveTokens
}

// AuthorizeURL builds the user-facing OAuth consent URL.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("scope", oauthScope)
	if state != "" {
		q.Set("state", state)
	}
	return c.authBase + "/oauth2/authorize?" + q.Encode()
}

func (c *Client) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	UserID       string `json:"user_id"`
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+c.basicAuth())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fitbit token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fitbit token request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}

	t := Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scope:        tr.Scope,
		UserID:       tr.UserID,
	}
	c.mu.Lock()
	c.tokens = t
	c.haveTokens = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveTokens(ctx, t); err != nil {
			logging.Errorw("fitbit token persist failed", "error", err)
		}
	}
	return nil
}

// ExchangeCode trades an OAuth authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) error {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("redirect_uri", c.cfg.RedirectURL)
	return c.tokenRequest(ctx, form)
}

// Refresh exchanges the refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.tokens.RefreshToken
	c.mu.Unlock()
	if refresh == "" {
		return fmt.Errorf("no refresh token")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	return c.tokenRequest(ctx, form)
}

// authGet performs an authorized GET with one refresh retry on 401 and
// jittered backoff on 429.
func (c *Client) authGet(ctx context.Context, path string) ([]byte, error) {
	refreshed := false
	for attempt := 0; attempt < 4; attempt++ {
		c.mu.Lock()
		token := c.tokens.AccessToken
		have := c.haveTokens
		c.mu.Unlock()
		if !have {
			return nil, fmt.Errorf("fitbit not connected")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fitbit request %s: %w", path, err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return body, nil
		case http.StatusUnauthorized:
			if refreshed {
				return nil, fmt.Errorf("fitbit request %s: unauthorized after refresh", path)
			}
			refreshed = true
			if err := c.Refresh(ctx); err != nil {
				return nil, fmt.Errorf("fitbit refresh: %w", err)
			}
		case http.StatusTooManyRequests:
			wait := time.Duration(1+attempt) * time.Second
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil && secs > 0 && secs <= 60 {
					wait = time.Duration(secs) * time.Second
				}
			}
			wait += time.Duration(rand.Intn(500)) * time.Millisecond
			logging.Warnw("fitbit rate limited", "path", path, "wait", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		default:
			return nil, fmt.Errorf("fitbit request %s: status %d", path, resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("fitbit request %s: retries exhausted", path)
}

type intradayResponse struct {
	ActivitiesHeart []struct {
		DateTime string `json:"dateTime"`
	} `json:"activities-heart"`
	Intraday struct {
		Dataset []struct {
			Time  string `json:"time"`
			Value int    `json:"value"`
		} `json:"dataset"`
	} `json:"activities-heart-intraday"`
}

// heartRateSeries fetches today's intraday heart rate at 1sec granularity,
// falling back to 1min when the app lacks the detail level.
func (c *Client) heartRateSeries(ctx context.Context) ([]session.HeartRateSample, error) {
	body, err := c.authGet(ctx, "/1/user/-/activities/heart/date/today/1d/1sec.json")
	if err != nil {
		body, err = c.authGet(ctx, "/1/user/-/activities/heart/date/today/1d/1min.json")
		if err != nil {
			return nil, err
		}
	}
	var ir intradayResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, fmt.Errorf("decode intraday response: %w", err)
	}
	date := c.now()
	if len(ir.ActivitiesHeart) > 0 {
		if d, err := time.ParseInLocation("2006-01-02", ir.ActivitiesHeart[0].DateTime, time.Local); err == nil {
			date = d
		}
	}
	samples := make([]session.HeartRateSample, 0, len(ir.Intraday.Dataset))
	for _, p := range ir.Intraday.Dataset {
		tod, err := time.ParseInLocation("15:04:05", p.Time, time.Local)
		if err != nil {
			continue
		}
		at := time.Date(date.Year(), date.Month(), date.Day(),
			tod.Hour(), tod.Minute(), tod.Second(), 0, time.Local)
		samples = append(samples, session.HeartRateSample{At: at, BPM: p.Value})
	}
	return samples, nil
}

// dailySteps fetches today's step total.
func (c *Client) dailySteps(ctx context.Context) (int, error) {
	body, err := c.authGet(ctx, "/1/user/-/activities/date/today.json")
	if err != nil {
		return 0, err
	}
	var out struct {
		Summary struct {
			Steps int `json:"steps"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode activities response: %w", err)
	}
	return out.Summary.Steps, nil
}

// Latest returns the freshest reading, fetching when connected and
// falling back to the cached value otherwise.
func (c *Client) Latest(ctx context.Context) Reading {
	if !c.Connected() {
		c.mu.Lock()
		r := c.cached
		c.mu.Unlock()
		if r.Source == "" {
			r.Source = "offline"
		}
		return r
	}

	r := Reading{At: c.now(), Source: "fitbit"}
	if samples, err := c.heartRateSeries(ctx); err != nil {
		logging.Warnw("fitbit heart rate fetch failed", "error", err)
	} else if len(samples) > 0 {
		last := samples[len(samples)-1]
		r.HeartRateBPM = last.BPM
		r.At = last.At
		c.absorb(samples)
	}
	if steps, err := c.dailySteps(ctx); err != nil {
		logging.Warnw("fitbit steps fetch failed", "error", err)
	} else {
		r.Steps = steps
	}

	c.mu.Lock()
	if r.HeartRateBPM == 0 && c.cached.HeartRateBPM != 0 {
		r.HeartRateBPM = c.cached.HeartRateBPM
		r.Source = "cached"
	}
	c.cached = r
	c.mu.Unlock()
	return r
}

// Cached returns the last reading without touching the network.
func (c *Client) Cached() Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached.Source == "" {
		return Reading{Source: "offline"}
	}
	return c.cached
}

// absorb merges new samples into the ring, keeping it ordered and bounded.
func (c *Client) absorb(samples []session.HeartRateSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var newest time.Time
	if n := len(c.ring); n > 0 {
		newest = c.ring[n-1].At
	}
	for _, s := range samples {
		if !s.At.After(newest) {
			continue
		}
		c.ring = append(c.ring, s)
		newest = s.At
	}
	if len(c.ring) > ringLimit {
		c.ring = append([]session.HeartRateSample(nil), c.ring[len(c.ring)-ringLimit:]...)
	}
}

// SamplesSince implements session.HeartRateSource from the in-memory ring.
func (c *Client) SamplesSince(ctx context.Context, since time.Time) ([]session.HeartRateSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []session.HeartRateSample
	for _, s := range c.ring {
		if !s.At.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

// StartPolling launches the background fetch loop feeding the ring.
func (c *Client) StartPolling() {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.Connected() {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if samples, err := c.heartRateSeries(ctx); err != nil {
					logging.Warnw("fitbit poll failed", "error", err)
				} else {
					c.absorb(samples)
				}
				cancel()
			}
		}
	}()
}

// StopPolling halts the background loop and waits for it to exit.
func (c *Client) StopPolling() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
