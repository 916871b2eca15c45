package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smartmirror-lab/internal/logging"
)

// PostureSample is one timeline entry captured by the Recorder.
type PostureSample struct {
	T         float64
	Angle     *float64
	RepCount  int
	IsRep     bool
	LatencyMS float64
	FPS       float64
	Status    Status
}

// Recorder samples the posture analyzer at a fixed rate for the duration of
// a session window. It keeps running through pauses so paused spans show up
// in the exported timeline; each sample carries the session status observed
// at sample time.
type Recorder struct {
	posture      PostureAnalyzer
	status       func() Status
	hz           float64
	queryTimeout time.Duration

	mu      sync.Mutex
	samples []PostureSample
	lastRep int
	haveRep bool
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRecorder builds a recorder sampling at sampleHz, clamped to 0.5 Hz
// minimum. status may be nil.
func NewRecorder(posture PostureAnalyzer, status func() Status, sampleHz float64) *Recorder {
	if sampleHz < 0.5 {
		sampleHz = 0.5
	}
	return &Recorder{
		posture:      posture,
		status:       status,
		hz:           sampleHz,
		queryTimeout: time.Second,
	}
}

// Start clears prior samples and begins the sampling loop. Calling Start on
// a running recorder is a no-op.
func (r *Recorder) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.samples = nil
	r.lastRep = 0
	r.haveRep = false
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go r.run(time.Now(), stop, done)
}

func (r *Recorder) run(origin time.Time, stop, done chan struct{}) {
	defer close(done)
	interval := time.Duration(float64(time.Second) / r.hz)
	for {
		select {
		case <-stop:
			return
		default:
		}
		tick := time.Now()
		r.sample(origin, tick)
		// Never sleep a negative duration: an overrunning query rolls
		// straight into the next tick.
		remain := interval - time.Since(tick)
		if remain > 0 {
			select {
			case <-stop:
				return
			case <-time.After(remain):
			}
		}
	}
}

func (r *Recorder) sample(origin, tick time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), r.queryTimeout)
	defer cancel()
	res, err := r.posture.Query(ctx)
	if err != nil {
		logging.Debugw("posture sample skipped", "error", err)
		return
	}

	s := PostureSample{
		T:         tick.Sub(origin).Seconds(),
		Angle:     primaryAngle(strings.ToLower(res.Exercise), res.Angles),
		RepCount:  res.RepCount,
		LatencyMS: res.LatencyMS,
		FPS:       res.FPS,
	}
	if r.status != nil {
		s.Status = r.status()
	}

	r.mu.Lock()
	if r.haveRep && res.RepCount > r.lastRep {
		s.IsRep = true
	}
	r.lastRep = res.RepCount
	r.haveRep = true
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

// primaryAngle picks the representative joint angle for an exercise:
// squats track knees, pushups elbows, crunches hips with a shoulder-hip
// alignment fallback.
func primaryAngle(exercise string, angles map[string]float64) *float64 {
	avg := func(keys ...string) *float64 {
		var sum float64
		n := 0
		for _, k := range keys {
			if v, ok := angles[k]; ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			return nil
		}
		v := sum / float64(n)
		return &v
	}
	switch exercise {
	case "squat":
		return avg("left_knee", "right_knee")
	case "pushup":
		return avg("left_elbow", "right_elbow")
	default:
		if a := avg("left_hip", "right_hip"); a != nil {
			return a
		}
		return avg("shoulder_hip_alignment")
	}
}

// Stop signals the loop and waits up to timeout for a clean exit. The
// caller proceeds either way.
func (r *Recorder) Stop(timeout time.Duration) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		logging.Warnw("posture recorder did not stop in time", "timeout", timeout)
	}
}

// Samples returns a copy of the captured timeline.
func (r *Recorder) Samples() []PostureSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PostureSample, len(r.samples))
	copy(out, r.samples)
	return out
}
