package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartmirror-lab/internal/logging"
)

var (
	// ErrNoActiveSession is returned by Pause/Stop when no session exists.
	ErrNoActiveSession = errors.New("no active session")
	// ErrMissingField is returned when a command payload lacks a required field.
	ErrMissingField = errors.New("missing required field")
)

// Status is the lifecycle state of the workout session.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// StartOptions controls how Start behaves. ResetTotals defaults to true at
// the API layer; Resume or ResetTotals=false on a paused session resumes it
// instead of opening a fresh one.
type StartOptions struct {
	Exercise    string
	ResetTotals bool
	Resume      bool
}

// View is a consistent snapshot of the session, safe to read at any time.
type View struct {
	SessionID      string
	Status         Status
	Exercise       string
	StartedAt      time.Time
	DurationTotal  time.Duration
	DurationActive time.Duration
	LastCommand    string
	LastCommandAt  time.Time
	VoiceEvent     *VoiceEvent
	Resumed        bool
}

// Summary is produced exactly once per Stop.
type Summary struct {
	SessionID      string
	Exercise       string
	StartedAt      time.Time
	StoppedAt      time.Time
	DurationTotal  time.Duration
	DurationActive time.Duration
	RepCount       int
	TotalReps      int
	RepBreakdown   map[string]int
	AvgQuality     float64
	AvgHeartRate   float64
	MaxHeartRate   int
}

// VoiceEvent is the most recent voice notice, sequence-numbered so pollers
// can detect new events without gaps.
type VoiceEvent struct {
	Message  string
	Intent   string
	At       time.Time
	Sequence uint64
}

// Deps wires the manager's collaborators. Any of them may be nil, in which
// case that concern is skipped (useful offline and in tests).
type Deps struct {
	Posture   PostureAnalyzer
	HeartRate HeartRateSource
	Store     MetricsStore
	Recorder  TimelineRecorder

	RecorderStopTimeout time.Duration
	RequestTimeout      time.Duration
}

// Manager owns the single mutable session record. Every operation holds the
// mutex for its full in-memory mutation; collaborator I/O happens outside
// the critical section so no caller ever blocks on the network while
// holding the lock.
type Manager struct {
	posture     PostureAnalyzer
	heart       HeartRateSource
	store       MetricsStore
	recorder    TimelineRecorder
	stopTimeout time.Duration
	reqTimeout  time.Duration
	now         func() time.Time

	mu            sync.Mutex
	status        Status
	sessionID     string
	startedAt     time.Time
	activeSince   time.Time
	accumulated   time.Duration
	exercise      string
	lastCommand   string
	lastCommandAt time.Time
	lastSummary   *Summary
	voiceEvent    *VoiceEvent
	voiceSeq      uint64
	generation    uint64
}

func NewManager(deps Deps) *Manager {
	if deps.RecorderStopTimeout <= 0 {
		deps.RecorderStopTimeout = 2 * time.Second
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 3 * time.Second
	}
	return &Manager{
		posture:     deps.Posture,
		heart:       deps.HeartRate,
		store:       deps.Store,
		recorder:    deps.Recorder,
		stopTimeout: deps.RecorderStopTimeout,
		reqTimeout:  deps.RequestTimeout,
		now:         time.Now,
		status:      StatusIdle,
		exercise:    "squat",
	}
}

// clampDur protects duration accounting against wall-clock skew.
func clampDur(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func (m *Manager) noteCommandLocked(name string, at time.Time) {
	m.lastCommand = name
	m.lastCommandAt = at
}

func (m *Manager) viewLocked(now time.Time) View {
	v := View{
		SessionID:     m.sessionID,
		Status:        m.status,
		Exercise:      m.exercise,
		StartedAt:     m.startedAt,
		LastCommand:   m.lastCommand,
		LastCommandAt: m.lastCommandAt,
	}
	if !m.startedAt.IsZero() {
		v.DurationTotal = clampDur(now.Sub(m.startedAt))
	}
	v.DurationActive = m.accumulated
	if m.status == StatusActive {
		v.DurationActive += clampDur(now.Sub(m.activeSince))
	}
	if m.voiceEvent != nil {
		ev := *m.voiceEvent
		v.VoiceEvent = &ev
	}
	return v
}

// Start opens a fresh session, or resumes a paused one when opts.Resume is
// set or opts.ResetTotals is false. It never fails; a redundant Start on an
// active session opens a fresh session per the command's reset semantics.
func (m *Manager) Start(opts StartOptions) (View, error) {
	now := m.now()

	m.mu.Lock()
	resumed := m.status == StatusPaused && (opts.Resume || !opts.ResetTotals)
	newExercise := false
	hadSession := false
	if resumed {
		m.status = StatusActive
		m.activeSince = now
		m.lastSummary = nil
	} else {
		hadSession = !m.startedAt.IsZero()
		m.status = StatusActive
		m.sessionID = uuid.NewString()
		m.startedAt = now
		m.activeSince = now
		m.accumulated = 0
		if opts.Exercise != "" {
			m.exercise = opts.Exercise
			newExercise = true
		}
		m.lastSummary = nil
		m.generation++
	}
	m.noteCommandLocked("start", now)
	v := m.viewLocked(now)
	v.Resumed = resumed
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.reqTimeout)
	defer cancel()
	if m.posture != nil {
		if !resumed {
			if newExercise {
				if err := m.posture.SetExercise(ctx, v.Exercise, true); err != nil {
					logging.Warnw("posture set exercise failed", "error", err)
				}
			} else if err := m.posture.ResetSession(ctx, true); err != nil {
				logging.Warnw("posture session reset failed", "error", err)
			}
		}
		if err := m.posture.SetCountingEnabled(ctx, true); err != nil {
			logging.Warnw("posture counting enable failed", "error", err)
		}
	}
	if !resumed && m.recorder != nil {
		// A fresh start over an existing session must not inherit its
		// timeline: stop the running loop so Start clears the samples
		// and the monotonic origin.
		if hadSession {
			m.recorder.Stop(m.stopTimeout)
		}
		m.recorder.Start()
	}
	logging.Infow("session started", append(logging.SessionFields(v.SessionID, v.Exercise), "resumed", resumed)...)
	return v, nil
}

// Pause folds the open active interval and suspends rep counting. Pausing
// an already paused session is a no-op.
func (m *Manager) Pause() (View, error) {
	now := m.now()

	m.mu.Lock()
	if m.startedAt.IsZero() {
		m.mu.Unlock()
		return View{}, ErrNoActiveSession
	}
	wasActive := m.status == StatusActive
	if wasActive {
		m.accumulated += clampDur(now.Sub(m.activeSince))
		m.activeSince = time.Time{}
		m.status = StatusPaused
		m.noteCommandLocked("pause", now)
	}
	v := m.viewLocked(now)
	m.mu.Unlock()

	if wasActive && m.posture != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.reqTimeout)
		defer cancel()
		if err := m.posture.SetCountingEnabled(ctx, false); err != nil {
			logging.Warnw("posture counting disable failed", "error", err)
		}
	}
	logging.Infow("session paused", logging.SessionFields(v.SessionID, v.Exercise)...)
	return v, nil
}

// Stop folds the open interval, resets the session to idle atomically, then
// gathers the summary from collaborators outside the lock. A concurrent
// Pause or Stop issued after the reset sees ErrNoActiveSession; the summary
// is only published if no new session started in the meantime.
func (m *Manager) Stop() (Summary, error) {
	now := m.now()

	m.mu.Lock()
	if m.startedAt.IsZero() {
		m.mu.Unlock()
		return Summary{}, ErrNoActiveSession
	}
	if m.status == StatusActive {
		m.accumulated += clampDur(now.Sub(m.activeSince))
	}
	sum := Summary{
		SessionID:      m.sessionID,
		Exercise:       m.exercise,
		StartedAt:      m.startedAt,
		StoppedAt:      now,
		DurationTotal:  clampDur(now.Sub(m.startedAt)),
		DurationActive: m.accumulated,
	}
	gen := m.generation
	m.status = StatusIdle
	m.sessionID = ""
	m.startedAt = time.Time{}
	m.activeSince = time.Time{}
	m.accumulated = 0
	m.noteCommandLocked("stop", now)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.reqTimeout)
	defer cancel()
	if m.posture != nil {
		if res, err := m.posture.Query(ctx); err == nil {
			sum.RepCount = res.RepCount
			sum.RepBreakdown = res.RepTotals
			for _, n := range res.RepTotals {
				sum.TotalReps += n
			}
			if sum.TotalReps == 0 {
				sum.TotalReps = res.RepCount
			}
		} else {
			logging.Warnw("posture query failed on stop", "error", err)
		}
		if q, err := m.posture.AverageQuality(ctx); err == nil {
			sum.AvgQuality = q
		}
	}
	if m.heart != nil {
		if samples, err := m.heart.SamplesSince(ctx, sum.StartedAt); err != nil {
			logging.Warnw("heart rate window query failed", "error", err)
		} else {
			// The source keeps absorbing samples after the session ends;
			// only [started_at, stopped_at] belongs to this summary.
			total, count := 0, 0
			for _, s := range samples {
				if s.At.After(sum.StoppedAt) {
					continue
				}
				total += s.BPM
				if s.BPM > sum.MaxHeartRate {
					sum.MaxHeartRate = s.BPM
				}
				count++
			}
			if count > 0 {
				sum.AvgHeartRate = float64(total) / float64(count)
			}
		}
	}
	if m.store != nil {
		err := m.store.RecordSessionMetrics(ctx, Metrics{
			SessionID:      sum.SessionID,
			Exercise:       sum.Exercise,
			StartedAt:      sum.StartedAt,
			StoppedAt:      sum.StoppedAt,
			DurationTotal:  sum.DurationTotal,
			DurationActive: sum.DurationActive,
			TotalReps:      sum.TotalReps,
			RepBreakdown:   sum.RepBreakdown,
			AvgQuality:     sum.AvgQuality,
			AvgHeartRate:   sum.AvgHeartRate,
			MaxHeartRate:   sum.MaxHeartRate,
		})
		if err != nil {
			logging.Errorw("session metrics persist failed", "error", err, "session.id", sum.SessionID)
		}
	}
	if m.posture != nil {
		if err := m.posture.ResetSession(ctx, false); err != nil {
			logging.Warnw("posture reset failed on stop", "error", err)
		}
		if err := m.posture.SetCountingEnabled(ctx, false); err != nil {
			logging.Warnw("posture counting disable failed", "error", err)
		}
	}
	if m.recorder != nil {
		m.recorder.Stop(m.stopTimeout)
	}

	m.mu.Lock()
	if m.generation == gen {
		s := sum
		m.lastSummary = &s
	}
	m.mu.Unlock()

	logging.Infow("session stopped",
		append(logging.SessionFields(sum.SessionID, sum.Exercise),
			"duration.total", sum.DurationTotal,
			"duration.active", sum.DurationActive,
			"reps.total", sum.TotalReps)...)
	return sum, nil
}

// SwitchExercise changes the current exercise without touching lifecycle
// fields. Allowed in any status.
func (m *Manager) SwitchExercise(name string, reset bool) (View, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return View{}, ErrMissingField
	}
	now := m.now()

	m.mu.Lock()
	m.exercise = name
	m.noteCommandLocked("exercise", now)
	v := m.viewLocked(now)
	m.mu.Unlock()

	if m.posture != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.reqTimeout)
		defer cancel()
		if err := m.posture.SetExercise(ctx, name, reset); err != nil {
			logging.Warnw("posture set exercise failed", "error", err)
		}
	}
	logging.Infow("exercise switched", logging.SessionFields(v.SessionID, name)...)
	return v, nil
}

// Status returns a snapshot with live durations. Safe to call at arbitrary
// frequency concurrently with mutators.
func (m *Manager) Status() View {
	now := m.now()
	m.mu.Lock()
	v := m.viewLocked(now)
	m.mu.Unlock()
	return v
}

// CurrentStatus returns only the lifecycle status. Cheap read for pollers
// like the posture recorder.
func (m *Manager) CurrentStatus() Status {
	m.mu.Lock()
	s := m.status
	m.mu.Unlock()
	return s
}

// RecordVoiceEvent publishes a voice notice with the next sequence number.
func (m *Manager) RecordVoiceEvent(message, intent string) (VoiceEvent, error) {
	if strings.TrimSpace(message) == "" {
		return VoiceEvent{}, ErrMissingField
	}
	now := m.now()

	m.mu.Lock()
	m.voiceSeq++
	ev := VoiceEvent{Message: message, Intent: intent, At: now, Sequence: m.voiceSeq}
	stored := ev
	m.voiceEvent = &stored
	m.mu.Unlock()

	logging.Debugw("voice event recorded", append(logging.IntentFields(message, intent), "sequence", ev.Sequence)...)
	return ev, nil
}

// LastSummary returns the summary of the most recently stopped session.
func (m *Manager) LastSummary() (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSummary == nil {
		return Summary{}, false
	}
	return *m.lastSummary, true
}

// LastVoiceEvent returns the most recent voice notice.
func (m *Manager) LastVoiceEvent() (VoiceEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.voiceEvent == nil {
		return VoiceEvent{}, false
	}
	return *m.voiceEvent, true
}
