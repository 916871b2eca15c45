package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePosture struct {
	mu         sync.Mutex
	calls      []string
	queryRes   PostureResult
	queryErr   error
	queryHook  func()
	avgQuality float64
}

func (f *fakePosture) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakePosture) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakePosture) Query(ctx context.Context) (PostureResult, error) {
	f.record("query")
	if f.queryHook != nil {
		f.queryHook()
	}
	return f.queryRes, f.queryErr
}

func (f *fakePosture) SetExercise(ctx context.Context, name string, reset bool) error {
	f.record(fmt.Sprintf("set_exercise:%s:%t", name, reset))
	return nil
}

func (f *fakePosture) ResetSession(ctx context.Context, preserveTotals bool) error {
	f.record(fmt.Sprintf("reset:%t", preserveTotals))
	return nil
}

func (f *fakePosture) SetCountingEnabled(ctx context.Context, enabled bool) error {
	f.record(fmt.Sprintf("counting:%t", enabled))
	return nil
}

func (f *fakePosture) AverageQuality(ctx context.Context) (float64, error) {
	return f.avgQuality, nil
}

type fakeHeart struct {
	samples []HeartRateSample
	err     error
}

func (f *fakeHeart) SamplesSince(ctx context.Context, since time.Time) ([]HeartRateSample, error) {
	return f.samples, f.err
}

type fakeStore struct {
	mu       sync.Mutex
	recorded []Metrics
	err      error
}

func (f *fakeStore) RecordSessionMetrics(ctx context.Context, m Metrics) error {
	f.mu.Lock()
	f.recorded = append(f.recorded, m)
	f.mu.Unlock()
	return f.err
}

type fakeTimeline struct {
	mu     sync.Mutex
	starts int
	stops  int
	calls  []string
}

func (f *fakeTimeline) Start() {
	f.mu.Lock()
	f.starts++
	f.calls = append(f.calls, "start")
	f.mu.Unlock()
}

func (f *fakeTimeline) Stop(timeout time.Duration) {
	f.mu.Lock()
	f.stops++
	f.calls = append(f.calls, "stop")
	f.mu.Unlock()
}

func (f *fakeTimeline) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestManager(clk *fakeClock, deps Deps) *Manager {
	m := NewManager(deps)
	m.now = clk.Now
	return m
}

func TestDurationAccounting(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk, Deps{})

	v, err := m.Start(StartOptions{Exercise: "squat", ResetTotals: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if v.Status != StatusActive || v.SessionID == "" {
		t.Fatalf("start view = %+v", v)
	}

	clk.Advance(10 * time.Second)
	v, err = m.Pause()
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if v.DurationActive != 10*time.Second {
		t.Errorf("active after pause = %v, want 10s", v.DurationActive)
	}

	clk.Advance(5 * time.Second)
	v, err = m.Start(StartOptions{Resume: true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !v.Resumed {
		t.Error("expected resumed view")
	}

	clk.Advance(10 * time.Second)
	sum, err := m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sum.DurationActive != 20*time.Second {
		t.Errorf("duration_active = %v, want 20s", sum.DurationActive)
	}
	if sum.DurationTotal != 25*time.Second {
		t.Errorf("duration_total = %v, want 25s", sum.DurationTotal)
	}
	if m.Status().Status != StatusIdle {
		t.Errorf("status after stop = %v, want idle", m.Status().Status)
	}
}

func TestActiveNeverExceedsTotal(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk, Deps{})
	m.Start(StartOptions{ResetTotals: true})
	steps := []struct {
		advance time.Duration
		op      func()
	}{
		{3 * time.Second, func() { m.Pause() }},
		{2 * time.Second, func() { m.Start(StartOptions{Resume: true}) }},
		{4 * time.Second, func() { m.Pause() }},
		{1 * time.Second, func() { m.Pause() }},
		{2 * time.Second, func() { m.Start(StartOptions{Resume: true}) }},
	}
	for _, s := range steps {
		clk.Advance(s.advance)
		s.op()
		v := m.Status()
		if v.DurationActive > v.DurationTotal {
			t.Fatalf("active %v > total %v", v.DurationActive, v.DurationTotal)
		}
	}
}

func TestPauseIdempotent(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk, Deps{})
	m.Start(StartOptions{ResetTotals: true})
	clk.Advance(7 * time.Second)
	first, err := m.Pause()
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clk.Advance(3 * time.Second)
	second, err := m.Pause()
	if err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if second.Status != StatusPaused {
		t.Errorf("status = %v, want paused", second.Status)
	}
	if second.DurationActive != first.DurationActive {
		t.Errorf("active changed on redundant pause: %v -> %v", first.DurationActive, second.DurationActive)
	}
}

func TestNoActiveSessionErrors(t *testing.T) {
	m := newTestManager(newFakeClock(), Deps{})
	if _, err := m.Stop(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Stop err = %v, want ErrNoActiveSession", err)
	}
	if _, err := m.Pause(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Pause err = %v, want ErrNoActiveSession", err)
	}
	if v := m.Status(); v.Status != StatusIdle || !v.StartedAt.IsZero() {
		t.Errorf("state changed by failed ops: %+v", v)
	}
}

func TestStartSideEffects(t *testing.T) {
	tests := []struct {
		name string
		opts StartOptions
		want []string
	}{
		{
			name: "fresh with exercise resets that exercise",
			opts: StartOptions{Exercise: "pushup", ResetTotals: true},
			want: []string{"set_exercise:pushup:true", "counting:true"},
		},
		{
			name: "fresh without exercise keeps lifetime totals",
			opts: StartOptions{ResetTotals: true},
			want: []string{"reset:true", "counting:true"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posture := &fakePosture{}
			rec := &fakeTimeline{}
			m := newTestManager(newFakeClock(), Deps{Posture: posture, Recorder: rec})
			if _, err := m.Start(tt.opts); err != nil {
				t.Fatalf("Start: %v", err)
			}
			got := posture.Calls()
			if len(got) != len(tt.want) {
				t.Fatalf("posture calls = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("call[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
			if rec.starts != 1 {
				t.Errorf("recorder starts = %d, want 1", rec.starts)
			}
		})
	}
}

func TestFreshStartOverRunningSessionRestartsRecorder(t *testing.T) {
	rec := &fakeTimeline{}
	clk := newFakeClock()
	m := newTestManager(clk, Deps{Recorder: rec})

	m.Start(StartOptions{ResetTotals: true})
	clk.Advance(5 * time.Second)
	m.Start(StartOptions{ResetTotals: true})

	want := []string{"start", "stop", "start"}
	got := rec.Calls()
	if len(got) != len(want) {
		t.Fatalf("recorder calls = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("recorder calls = %v, want %v", got, want)
		}
	}
}

func TestFreshStartClearsTimeline(t *testing.T) {
	posture := &fakePosture{queryRes: PostureResult{RepCount: 1}}
	rec := NewRecorder(posture, nil, 50)
	clk := newFakeClock()
	m := newTestManager(clk, Deps{Posture: posture, Recorder: rec, RecorderStopTimeout: time.Second})
	defer rec.Stop(time.Second)

	m.Start(StartOptions{ResetTotals: true})
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Samples()) < 5 {
		if time.Now().After(deadline) {
			t.Fatal("recorder produced no samples")
		}
		time.Sleep(10 * time.Millisecond)
	}

	clk.Advance(5 * time.Second)
	m.Start(StartOptions{ResetTotals: true})

	// The second session starts a new run: no samples carried over and
	// the time origin is reset.
	s := rec.Samples()
	if len(s) >= 5 {
		t.Fatalf("timeline kept %d samples from the previous session", len(s))
	}
	if len(s) > 0 && s[0].T >= 0.08 {
		t.Errorf("first sample t = %v, want a fresh origin", s[0].T)
	}
}

func TestResumeDoesNotRestartRecorder(t *testing.T) {
	rec := &fakeTimeline{}
	clk := newFakeClock()
	m := newTestManager(clk, Deps{Recorder: rec})
	m.Start(StartOptions{ResetTotals: true})
	clk.Advance(time.Second)
	m.Pause()
	m.Start(StartOptions{Resume: true})
	if rec.starts != 1 {
		t.Errorf("recorder starts = %d, want 1", rec.starts)
	}
}

func TestStopSummary(t *testing.T) {
	clk := newFakeClock()
	posture := &fakePosture{
		queryRes: PostureResult{
			RepCount:  4,
			RepTotals: map[string]int{"squat": 4, "pushup": 6},
		},
		avgQuality: 0.82,
	}
	heart := &fakeHeart{samples: []HeartRateSample{
		{At: clk.Now(), BPM: 90},
		{At: clk.Now().Add(10 * time.Second), BPM: 110},
		{At: clk.Now().Add(20 * time.Second), BPM: 100},
	}}
	store := &fakeStore{}
	rec := &fakeTimeline{}
	m := newTestManager(clk, Deps{Posture: posture, HeartRate: heart, Store: store, Recorder: rec})

	m.Start(StartOptions{Exercise: "squat", ResetTotals: true})
	clk.Advance(30 * time.Second)
	sum, err := m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sum.TotalReps != 10 {
		t.Errorf("total reps = %d, want 10", sum.TotalReps)
	}
	if sum.AvgQuality != 0.82 {
		t.Errorf("avg quality = %v, want 0.82", sum.AvgQuality)
	}
	if sum.AvgHeartRate != 100 {
		t.Errorf("avg hr = %v, want 100", sum.AvgHeartRate)
	}
	if sum.MaxHeartRate != 110 {
		t.Errorf("max hr = %d, want 110", sum.MaxHeartRate)
	}
	if len(store.recorded) != 1 {
		t.Fatalf("persisted %d records, want 1", len(store.recorded))
	}
	if store.recorded[0].SessionID != sum.SessionID {
		t.Errorf("persisted session id %q != %q", store.recorded[0].SessionID, sum.SessionID)
	}
	if rec.stops != 1 {
		t.Errorf("recorder stops = %d, want 1", rec.stops)
	}

	calls := posture.Calls()
	sawReset, sawDisable := false, false
	for _, c := range calls {
		if c == "reset:false" {
			sawReset = true
		}
		if c == "counting:false" {
			sawDisable = true
		}
	}
	if !sawReset || !sawDisable {
		t.Errorf("posture not reset/disabled on stop: %v", calls)
	}

	got, ok := m.LastSummary()
	if !ok || got.SessionID != sum.SessionID {
		t.Errorf("LastSummary = %+v, %v", got, ok)
	}
}

func TestStopIgnoresHeartRateOutsideWindow(t *testing.T) {
	clk := newFakeClock()
	heart := &fakeHeart{samples: []HeartRateSample{
		{At: clk.Now(), BPM: 90},
		{At: clk.Now().Add(10 * time.Second), BPM: 110},
		{At: clk.Now().Add(40 * time.Second), BPM: 200},
	}}
	m := newTestManager(clk, Deps{HeartRate: heart})

	m.Start(StartOptions{ResetTotals: true})
	clk.Advance(30 * time.Second)
	sum, err := m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sum.AvgHeartRate != 100 {
		t.Errorf("avg hr = %v, want 100", sum.AvgHeartRate)
	}
	if sum.MaxHeartRate != 110 {
		t.Errorf("max hr = %d, want 110", sum.MaxHeartRate)
	}
}

func TestStopCollaboratorFailuresNonFatal(t *testing.T) {
	clk := newFakeClock()
	posture := &fakePosture{queryErr: errors.New("sidecar down")}
	heart := &fakeHeart{err: errors.New("no fitbit")}
	store := &fakeStore{err: errors.New("disk full")}
	m := newTestManager(clk, Deps{Posture: posture, HeartRate: heart, Store: store})

	m.Start(StartOptions{ResetTotals: true})
	clk.Advance(5 * time.Second)
	sum, err := m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sum.AvgHeartRate != 0 || sum.MaxHeartRate != 0 || sum.TotalReps != 0 {
		t.Errorf("expected zero fallbacks, got %+v", sum)
	}
}

func TestStopSummaryNotPublishedAfterRacingStart(t *testing.T) {
	clk := newFakeClock()
	posture := &fakePosture{}
	m := newTestManager(clk, Deps{Posture: posture})
	// A start racing in while Stop gathers collaborator data must not be
	// handed the stale summary.
	posture.queryHook = func() {
		m.Start(StartOptions{ResetTotals: true})
	}

	m.Start(StartOptions{ResetTotals: true})
	clk.Advance(5 * time.Second)
	if _, err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := m.LastSummary(); ok {
		t.Error("stale summary published into the new session")
	}
}

func TestSwitchExercise(t *testing.T) {
	posture := &fakePosture{}
	m := newTestManager(newFakeClock(), Deps{Posture: posture})
	v, err := m.SwitchExercise("Crunch", false)
	if err != nil {
		t.Fatalf("SwitchExercise: %v", err)
	}
	if v.Exercise != "crunch" {
		t.Errorf("exercise = %q, want crunch", v.Exercise)
	}
	if v.Status != StatusIdle {
		t.Errorf("switch touched lifecycle: %v", v.Status)
	}
	calls := posture.Calls()
	if len(calls) != 1 || calls[0] != "set_exercise:crunch:false" {
		t.Errorf("posture calls = %v", calls)
	}

	if _, err := m.SwitchExercise("  ", false); !errors.Is(err, ErrMissingField) {
		t.Errorf("blank name err = %v, want ErrMissingField", err)
	}
}

func TestRecordVoiceEvent(t *testing.T) {
	m := newTestManager(newFakeClock(), Deps{})
	if _, err := m.RecordVoiceEvent("", "start"); !errors.Is(err, ErrMissingField) {
		t.Fatalf("err = %v, want ErrMissingField", err)
	}
	ev1, err := m.RecordVoiceEvent("dijiste: iniciar", "start")
	if err != nil {
		t.Fatalf("RecordVoiceEvent: %v", err)
	}
	ev2, _ := m.RecordVoiceEvent("dijiste: pausa", "pause")
	if ev2.Sequence != ev1.Sequence+1 {
		t.Errorf("sequence %d -> %d, want monotonic increment", ev1.Sequence, ev2.Sequence)
	}
	last, ok := m.LastVoiceEvent()
	if !ok || last.Sequence != ev2.Sequence || last.Intent != "pause" {
		t.Errorf("LastVoiceEvent = %+v, %v", last, ok)
	}
}

func TestStartClearsLastSummary(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk, Deps{})
	m.Start(StartOptions{ResetTotals: true})
	clk.Advance(time.Second)
	m.Stop()
	if _, ok := m.LastSummary(); !ok {
		t.Fatal("expected summary after stop")
	}
	m.Start(StartOptions{ResetTotals: true})
	if _, ok := m.LastSummary(); ok {
		t.Error("summary survived a new start")
	}
}
