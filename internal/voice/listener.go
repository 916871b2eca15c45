package voice

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartmirror-lab/internal/logging"
)

// State is the listener lifecycle.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// CaptureOpener opens an audio source delivering PCM blocks to onBlock.
// Production uses OpenCapture; tests inject a fake.
type CaptureOpener func(onBlock func([]byte)) (io.Closer, error)

// Config is the immutable listener configuration snapshot.
type Config struct {
	QueueSize int
	Dedupe    time.Duration
	Reminder  time.Duration
	Rotation  []string
}

// Listener drains PCM blocks from a bounded queue fed by the audio
// producer, decodes them, and dispatches recognized intents as session
// commands. The producer callback never blocks: when the queue is full
// the oldest block is dropped.
type Listener struct {
	cfg         Config
	commander   Commander
	intents     *IntentTable
	newDecoder  func() (Decoder, error)
	openCapture CaptureOpener
	now         func() time.Time

	dropped uint64

	mu           sync.Mutex
	state        State
	capture      io.Closer
	decoder      Decoder
	queue        chan []byte
	stop         chan struct{}
	done         chan struct{}
	lastTrigger  map[string]time.Time
	lastReminder time.Time
	rotationIdx  int
	dispatch     map[string]func() error
}

func NewListener(cfg Config, commander Commander, intents *IntentTable, newDecoder func() (Decoder, error), openCapture CaptureOpener) *Listener {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Dedupe <= 0 {
		cfg.Dedupe = 2 * time.Second
	}
	if cfg.Reminder <= 0 {
		cfg.Reminder = 2 * time.Second
	}
	if len(cfg.Rotation) == 0 {
		cfg.Rotation = []string{"squat", "pushup", "crunch"}
	}
	l := &Listener{
		cfg:         cfg,
		commander:   commander,
		intents:     intents,
		newDecoder:  newDecoder,
		openCapture: openCapture,
		now:         time.Now,
		lastTrigger: make(map[string]time.Time),
		rotationIdx: -1,
	}
	l.dispatch = map[string]func() error{
		"start": l.cmdStart,
		"next":  l.cmdNext,
		"pause": l.cmdPause,
		"stop":  l.cmdStop,
	}
	return l
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Drops returns how many blocks were discarded under backpressure.
func (l *Listener) Drops() uint64 {
	return atomic.LoadUint64(&l.dropped)
}

// Start validates prerequisites, connects the decoder, and opens the
// audio stream. Any failure leaves the listener Stopped; there is no
// retry loop, a later explicit Start is required.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != StateStopped {
		l.mu.Unlock()
		return nil
	}
	l.state = StateStarting
	l.mu.Unlock()

	fail := func(err error) error {
		l.mu.Lock()
		l.state = StateStopped
		l.mu.Unlock()
		logging.Warnw("voice listener disabled", "err", err)
		return err
	}

	if l.commander == nil || l.intents == nil || l.newDecoder == nil || l.openCapture == nil {
		return fail(fmt.Errorf("%w: listener prerequisites missing", ErrDecoderUnavailable))
	}
	decoder, err := l.newDecoder()
	if err != nil {
		return fail(err)
	}

	queue := make(chan []byte, l.cfg.QueueSize)
	capture, err := l.openCapture(func(block []byte) {
		l.enqueue(queue, block)
	})
	if err != nil {
		_ = decoder.Close()
		return fail(err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	l.mu.Lock()
	l.state = StateRunning
	l.capture = capture
	l.decoder = decoder
	l.queue = queue
	l.stop = stop
	l.done = done
	l.mu.Unlock()

	go l.consume(queue, decoder, stop, done)
	logging.Infow("voice listener running", "queue_size", l.cfg.QueueSize)
	return nil
}

// enqueue never blocks: a full queue sheds its oldest block first.
func (l *Listener) enqueue(queue chan []byte, block []byte) {
	select {
	case queue <- block:
		return
	default:
	}
	select {
	case <-queue:
		atomic.AddUint64(&l.dropped, 1)
	default:
	}
	select {
	case queue <- block:
	default:
		atomic.AddUint64(&l.dropped, 1)
	}
}

func (l *Listener) consume(queue chan []byte, decoder Decoder, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case block := <-queue:
			text, ok := decoder.DecodeBlock(block)
			if !ok || strings.TrimSpace(text) == "" {
				continue
			}
			logging.Infow("utterance finalized", logging.IntentFields(text, "")...)
			l.handleUtterance(text)
		}
	}
}

func (l *Listener) handleUtterance(text string) {
	intent, ok := l.intents.Map(text)
	if !ok {
		logging.Infow("no intent for utterance", logging.IntentFields(text, "")...)
		return
	}
	now := l.now()

	l.mu.Lock()
	if last, seen := l.lastTrigger[intent]; seen && now.Sub(last) < l.cfg.Dedupe {
		l.mu.Unlock()
		logging.Debugw("duplicate intent suppressed", logging.IntentFields(text, intent)...)
		return
	}
	l.mu.Unlock()

	// start and stop pass through; everything else needs a session.
	if intent != "start" && intent != "stop" {
		status, err := l.commander.SessionStatus()
		if err != nil {
			logging.Warnw("session status check failed", "err", err)
			return
		}
		if status != "active" && status != "paused" {
			l.mu.Lock()
			remind := now.Sub(l.lastReminder) >= l.cfg.Reminder || l.lastReminder.IsZero()
			if remind {
				l.lastReminder = now
			}
			l.mu.Unlock()
			if remind {
				if err := l.commander.NotifyVoiceEvent("di 'iniciar' para comenzar", ""); err != nil {
					logging.Debugw("reminder notify failed", "err", err)
				}
			}
			return
		}
	}

	l.mu.Lock()
	l.lastTrigger[intent] = now
	fn := l.dispatch[intent]
	l.mu.Unlock()

	if err := l.commander.NotifyVoiceEvent(fmt.Sprintf("comando de voz: %s", text), intent); err != nil {
		logging.Debugw("voice event notify failed", "err", err)
	}
	if fn == nil {
		logging.Infow("intent without configured action", logging.IntentFields(text, intent)...)
		return
	}
	if err := fn(); err != nil {
		logging.Warnw("command dispatch failed", append(logging.IntentFields(text, intent), "err", err)...)
	}
}

// advance moves one position through the rotation and returns the new
// entry, so repeated start/next commands cycle squat, pushup, crunch.
func (l *Listener) advance() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotationIdx = (l.rotationIdx + 1) % len(l.cfg.Rotation)
	return l.cfg.Rotation[l.rotationIdx]
}

func (l *Listener) cmdStart() error {
	return l.commander.StartSession(l.advance())
}

func (l *Listener) cmdNext() error {
	return l.commander.SwitchExercise(l.advance())
}

func (l *Listener) cmdPause() error { return l.commander.PauseSession() }
func (l *Listener) cmdStop() error  { return l.commander.StopSession() }

// IngestPCM feeds externally sourced PCM, such as the companion-device
// audio stream, into the same queue as local capture. Dropped silently
// while the listener is not running.
func (l *Listener) IngestPCM(block []byte) {
	l.mu.Lock()
	queue := l.queue
	l.mu.Unlock()
	if queue != nil {
		l.enqueue(queue, block)
	}
}

// Stop signals the consumer, waits for it with a bounded timeout, and
// closes the audio stream and decoder either way.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return
	}
	l.state = StateStopped
	capture, decoder := l.capture, l.decoder
	stop, done := l.stop, l.done
	l.capture, l.decoder, l.queue, l.stop, l.done = nil, nil, nil, nil, nil
	l.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logging.Warnw("voice listener consumer did not exit in time")
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			logging.Warnw("capture close failed", "err", err)
		}
	}
	if decoder != nil {
		if err := decoder.Close(); err != nil {
			logging.Warnw("decoder close failed", "err", err)
		}
	}
	logging.Infow("voice listener stopped", "drops", l.Drops())
}
