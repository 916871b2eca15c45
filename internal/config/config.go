package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration of the mirror service, parsed
// from the environment. Every knob has a default that works on a dev
// machine with the vision and speech sidecars on localhost.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string `env:"DB_PATH" envDefault:"mirror.db"`

	// Sidecar endpoints.
	VisionURL string `env:"VISION_URL" envDefault:"http://127.0.0.1:8765"`
	SpeechURL string `env:"SPEECH_WS_URL" envDefault:"ws://127.0.0.1:2700/stt"`

	// Where the voice listener posts session commands. Defaults to the
	// local API so a single-process deployment works out of the box, but
	// the listener can point at a remote mirror as well.
	CommandURL string `env:"COMMAND_URL" envDefault:"http://127.0.0.1:8080"`

	// Voice capture.
	VoiceDeviceIndex int           `env:"VOICE_DEVICE_INDEX" envDefault:"-1"`
	VoiceSampleRate  int           `env:"VOICE_SAMPLE_RATE" envDefault:"16000"`
	VoiceBlock       time.Duration `env:"VOICE_BLOCK" envDefault:"500ms"`
	VoiceQueueSize   int           `env:"VOICE_QUEUE_SIZE" envDefault:"64"`
	VoiceDedupe      time.Duration `env:"VOICE_DEDUPE" envDefault:"2s"`
	VoiceReminder    time.Duration `env:"VOICE_REMINDER" envDefault:"2s"`
	VoiceAutoStart   bool          `env:"VOICE_AUTOSTART" envDefault:"true"`

	// Posture recorder.
	RecorderHz          float64       `env:"RECORDER_HZ" envDefault:"5"`
	RecorderStopTimeout time.Duration `env:"RECORDER_STOP_TIMEOUT" envDefault:"2s"`

	// Fitbit OAuth. Empty client id leaves biometrics in offline mode.
	FitbitClientID     string        `env:"FITBIT_CLIENT_ID"`
	FitbitClientSecret string        `env:"FITBIT_CLIENT_SECRET"`
	FitbitRedirectURL  string        `env:"FITBIT_REDIRECT_URL" envDefault:"http://127.0.0.1:8080/auth/fitbit/callback"`
	FitbitPollInterval time.Duration `env:"FITBIT_POLL_INTERVAL" envDefault:"60s"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"3s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.VoiceQueueSize < 1 {
		cfg.VoiceQueueSize = 1
	}
	return cfg, nil
}
