package session

import (
	"context"
	"time"
)

// PostureResult is one snapshot from the vision sidecar.
type PostureResult struct {
	Exercise  string             `json:"exercise"`
	Phase     string             `json:"phase"`
	RepCount  int                `json:"rep_count"`
	RepTotals map[string]int     `json:"rep_totals"`
	Quality   float64            `json:"quality"`
	Angles    map[string]float64 `json:"angles"`
	Feedback  []string           `json:"feedback"`
	LatencyMS float64            `json:"latency_ms"`
	FPS       float64            `json:"fps"`
}

// PostureAnalyzer is the contract with the vision sidecar. All calls are
// best-effort with short timeouts; callers log and continue on error.
type PostureAnalyzer interface {
	Query(ctx context.Context) (PostureResult, error)
	SetExercise(ctx context.Context, name string, reset bool) error
	ResetSession(ctx context.Context, preserveTotals bool) error
	SetCountingEnabled(ctx context.Context, enabled bool) error
	AverageQuality(ctx context.Context) (float64, error)
}

// HeartRateSample is one biometric reading.
type HeartRateSample struct {
	At  time.Time `json:"timestamp"`
	BPM int       `json:"heart_rate_bpm"`
}

// HeartRateSource answers historical heart-rate queries for a session
// window. An empty slice or an error both mean "no data".
type HeartRateSource interface {
	SamplesSince(ctx context.Context, since time.Time) ([]HeartRateSample, error)
}

// Metrics is the persisted record of one finished session.
type Metrics struct {
	SessionID      string
	Exercise       string
	StartedAt      time.Time
	StoppedAt      time.Time
	DurationTotal  time.Duration
	DurationActive time.Duration
	TotalReps      int
	RepBreakdown   map[string]int
	AvgQuality     float64
	AvgHeartRate   float64
	MaxHeartRate   int
}

// MetricsStore persists session metrics. Failures are logged by the
// caller and never fail a Stop.
type MetricsStore interface {
	RecordSessionMetrics(ctx context.Context, m Metrics) error
}

// TimelineRecorder is the posture recorder lifecycle as the manager sees
// it: started on session start, halted on stop. Pause leaves it running
// so paused spans remain visible in the timeline.
type TimelineRecorder interface {
	Start()
	Stop(timeout time.Duration)
}
