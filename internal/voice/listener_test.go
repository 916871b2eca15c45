package voice

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeCommander struct {
	mu        sync.Mutex
	status    string
	statusErr error
	cmdErr    error
	calls     []string
	notices   []string
}

func (f *fakeCommander) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.cmdErr
}

func (f *fakeCommander) StartSession(exercise string) error { return f.record("start:" + exercise) }
func (f *fakeCommander) PauseSession() error                { return f.record("pause") }
func (f *fakeCommander) StopSession() error                 { return f.record("stop") }
func (f *fakeCommander) SwitchExercise(exercise string) error {
	return f.record("switch:" + exercise)
}

func (f *fakeCommander) NotifyVoiceEvent(message, intent string) error {
	f.mu.Lock()
	f.notices = append(f.notices, message+"|"+intent)
	f.mu.Unlock()
	return nil
}

func (f *fakeCommander) SessionStatus() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeCommander) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeCommander) Notices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.notices))
	copy(out, f.notices)
	return out
}

// echoDecoder treats each PCM block as the utterance text itself.
type echoDecoder struct {
	mu     sync.Mutex
	closed bool
}

func (d *echoDecoder) DecodeBlock(pcm []byte) (string, bool) {
	text := strings.TrimSpace(string(pcm))
	return text, text != ""
}

func (d *echoDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *echoDecoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeCapture struct {
	mu     sync.Mutex
	emit   func([]byte)
	closed bool
}

func (f *fakeCapture) opener() CaptureOpener {
	return func(onBlock func([]byte)) (io.Closer, error) {
		f.mu.Lock()
		f.emit = onBlock
		f.mu.Unlock()
		return f, nil
	}
}

func (f *fakeCapture) Emit(text string) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	emit([]byte(text))
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type listenerClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *listenerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *listenerClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestListener(cmd *fakeCommander) (*Listener, *echoDecoder, *fakeCapture, *listenerClock) {
	dec := &echoDecoder{}
	cap := &fakeCapture{}
	clk := &listenerClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	l := NewListener(Config{}, cmd, NewIntentTable(nil),
		func() (Decoder, error) { return dec, nil }, cap.opener())
	l.now = clk.Now
	return l, dec, cap, clk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestListenerStartFailures(t *testing.T) {
	cmd := &fakeCommander{status: "idle"}

	t.Run("decoder dial failure", func(t *testing.T) {
		cap := &fakeCapture{}
		l := NewListener(Config{}, cmd, NewIntentTable(nil),
			func() (Decoder, error) { return nil, ErrDecoderUnavailable }, cap.opener())
		if err := l.Start(); !errors.Is(err, ErrDecoderUnavailable) {
			t.Fatalf("err = %v", err)
		}
		if l.State() != StateStopped {
			t.Errorf("state = %v, want stopped", l.State())
		}
	})

	t.Run("device failure closes decoder", func(t *testing.T) {
		dec := &echoDecoder{}
		l := NewListener(Config{}, cmd, NewIntentTable(nil),
			func() (Decoder, error) { return dec, nil },
			func(onBlock func([]byte)) (io.Closer, error) { return nil, ErrDeviceUnavailable })
		if err := l.Start(); !errors.Is(err, ErrDeviceUnavailable) {
			t.Fatalf("err = %v", err)
		}
		if l.State() != StateStopped {
			t.Errorf("state = %v, want stopped", l.State())
		}
		if !dec.Closed() {
			t.Error("decoder leaked on failed start")
		}
	})

	t.Run("missing prerequisites", func(t *testing.T) {
		l := NewListener(Config{}, nil, nil, nil, nil)
		if err := l.Start(); err == nil {
			t.Fatal("expected error")
		}
		if l.State() != StateStopped {
			t.Errorf("state = %v, want stopped", l.State())
		}
	})
}

func TestListenerLifecycle(t *testing.T) {
	cmd := &fakeCommander{status: "idle"}
	l, dec, cap, _ := newTestListener(cmd)

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if l.State() != StateRunning {
		t.Fatalf("state = %v, want running", l.State())
	}
	if err := l.Start(); err != nil {
		t.Fatalf("redundant Start: %v", err)
	}

	cap.Emit("iniciar")
	waitFor(t, func() bool { return len(cmd.Calls()) >= 1 })
	calls := cmd.Calls()
	if calls[0] != "start:squat" {
		t.Errorf("calls = %v", calls)
	}

	l.Stop()
	if l.State() != StateStopped {
		t.Errorf("state after stop = %v", l.State())
	}
	if !cap.closed || !dec.Closed() {
		t.Error("capture/decoder not closed on stop")
	}
	l.Stop() // idempotent
}

func TestDedupeWindow(t *testing.T) {
	cmd := &fakeCommander{status: "active"}
	l, _, _, clk := newTestListener(cmd)

	l.handleUtterance("iniciar")
	clk.Advance(500 * time.Millisecond)
	l.handleUtterance("iniciar")
	if got := len(cmd.Calls()); got != 1 {
		t.Fatalf("calls within dedupe window = %d, want 1", got)
	}

	clk.Advance(2 * time.Second)
	l.handleUtterance("iniciar")
	if got := len(cmd.Calls()); got != 2 {
		t.Fatalf("calls after dedupe window = %d, want 2", got)
	}
}

func TestExerciseRotation(t *testing.T) {
	cmd := &fakeCommander{status: "active"}
	l, _, _, clk := newTestListener(cmd)

	script := []string{"iniciar", "siguiente", "siguiente", "siguiente"}
	for _, u := range script {
		l.handleUtterance(u)
		clk.Advance(3 * time.Second)
	}
	want := []string{"start:squat", "switch:pushup", "switch:crunch", "switch:squat"}
	got := cmd.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSessionGatingWithReminder(t *testing.T) {
	cmd := &fakeCommander{status: "idle"}
	l, _, _, clk := newTestListener(cmd)

	// Rapid gated intents: no dispatch, a single reminder per window.
	for i := 0; i < 5; i++ {
		l.handleUtterance("siguiente")
		clk.Advance(100 * time.Millisecond)
	}
	if got := len(cmd.Calls()); got != 0 {
		t.Fatalf("gated intent dispatched: %v", cmd.Calls())
	}
	if got := len(cmd.Notices()); got != 1 {
		t.Fatalf("reminders = %d, want 1", got)
	}

	clk.Advance(2 * time.Second)
	l.handleUtterance("pausa")
	if got := len(cmd.Notices()); got != 2 {
		t.Fatalf("reminders after window = %d, want 2", got)
	}
}

func TestStartStopBypassGating(t *testing.T) {
	cmd := &fakeCommander{status: "idle"}
	l, _, _, clk := newTestListener(cmd)

	l.handleUtterance("detener")
	clk.Advance(3 * time.Second)
	l.handleUtterance("iniciar")
	got := cmd.Calls()
	if len(got) != 2 || got[0] != "stop" || got[1] != "start:squat" {
		t.Errorf("calls = %v", got)
	}
}

func TestGatedIntentAllowedWhenPaused(t *testing.T) {
	cmd := &fakeCommander{status: "paused"}
	l, _, _, _ := newTestListener(cmd)
	l.handleUtterance("siguiente")
	got := cmd.Calls()
	if len(got) != 1 || got[0] != "switch:squat" {
		t.Errorf("calls = %v", got)
	}
}

func TestDispatchNoticePostedEvenOnCommandFailure(t *testing.T) {
	cmd := &fakeCommander{status: "active", cmdErr: errors.New("api down")}
	l, _, _, _ := newTestListener(cmd)
	l.handleUtterance("pausa")
	notices := cmd.Notices()
	if len(notices) != 1 || !strings.Contains(notices[0], "pausa") {
		t.Errorf("notices = %v", notices)
	}
}

func TestUnknownUtteranceIgnored(t *testing.T) {
	cmd := &fakeCommander{status: "active"}
	l, _, _, _ := newTestListener(cmd)
	l.handleUtterance("hola espejo")
	if len(cmd.Calls()) != 0 || len(cmd.Notices()) != 0 {
		t.Errorf("calls = %v, notices = %v", cmd.Calls(), cmd.Notices())
	}
}

func TestEnqueueDropsOldest(t *testing.T) {
	l := NewListener(Config{QueueSize: 2}, &fakeCommander{}, NewIntentTable(nil), nil, nil)
	queue := make(chan []byte, 2)
	l.enqueue(queue, []byte("a"))
	l.enqueue(queue, []byte("b"))
	l.enqueue(queue, []byte("c"))
	if l.Drops() != 1 {
		t.Errorf("drops = %d, want 1", l.Drops())
	}
	if got := string(<-queue); got != "b" {
		t.Errorf("front = %q, want b (oldest dropped)", got)
	}
	if got := string(<-queue); got != "c" {
		t.Errorf("next = %q, want c", got)
	}
}
