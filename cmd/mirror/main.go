// Command mirror runs the smart-mirror service: the session lifecycle
// API, the voice command listener, posture timeline recording, Fitbit
// biometrics, and the MCP tool endpoint, all in one process.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/smartmirror-lab/internal/biometrics"
	"github.com/smartmirror-lab/internal/config"
	"github.com/smartmirror-lab/internal/httpapi"
	"github.com/smartmirror-lab/internal/logging"
	"github.com/smartmirror-lab/internal/mcpserver"
	"github.com/smartmirror-lab/internal/posture"
	"github.com/smartmirror-lab/internal/session"
	"github.com/smartmirror-lab/internal/storage/sqlite"
	"github.com/smartmirror-lab/internal/trainer"
	"github.com/smartmirror-lab/internal/voice"
)

// tokenStore adapts the sqlite store to the biometrics token interface.
type tokenStore struct{ store *sqlite.Store }

func (ts tokenStore) SaveTokens(ctx context.Context, t biometrics.Tokens) error {
	return ts.store.SaveTokens(ctx, sqlite.Tokens(t))
}

func (ts tokenStore) LoadTokens(ctx context.Context) (biometrics.Tokens, bool, error) {
	t, ok, err := ts.store.LoadTokens(ctx)
	return biometrics.Tokens(t), ok, err
}

func main() {
	logging.Init()
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalw("config load failed", "error", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logging.Fatalw("storage open failed", "error", err, "path", cfg.DBPath)
	}
	defer store.Close()

	postureClient := posture.NewClient(cfg.VisionURL, cfg.RequestTimeout)

	fitbit := biometrics.NewClient(biometrics.Config{
		ClientID:     cfg.FitbitClientID,
		ClientSecret: cfg.FitbitClientSecret,
		RedirectURL:  cfg.FitbitRedirectURL,
		PollInterval: cfg.FitbitPollInterval,
	}, tokenStore{store: store})
	fitbit.StartPolling()
	defer fitbit.StopPolling()

	// The manager and recorder reference each other; the status func is
	// bound late so both can share one manager instance.
	var manager *session.Manager
	recorder := session.NewRecorder(postureClient, func() session.Status {
		return manager.CurrentStatus()
	}, cfg.RecorderHz)
	manager = session.NewManager(session.Deps{
		Posture:             postureClient,
		HeartRate:           fitbit,
		Store:               store,
		Recorder:            recorder,
		RecorderStopTimeout: cfg.RecorderStopTimeout,
		RequestTimeout:      cfg.RequestTimeout,
	})

	synonyms, err := store.ListSynonyms(context.Background())
	if err != nil {
		logging.Warnw("synonym load failed", "error", err)
	}
	intents := voice.NewIntentTable(synonyms)

	listener := voice.NewListener(
		voice.Config{
			QueueSize: cfg.VoiceQueueSize,
			Dedupe:    cfg.VoiceDedupe,
			Reminder:  cfg.VoiceReminder,
		},
		voice.NewHTTPCommander(cfg.CommandURL),
		intents,
		func() (voice.Decoder, error) {
			return voice.DialStreamDecoder(cfg.SpeechURL, cfg.VoiceSampleRate)
		},
		func(onBlock func([]byte)) (io.Closer, error) {
			return voice.OpenCapture(voice.CaptureConfig{
				DeviceIndex: cfg.VoiceDeviceIndex,
				SampleRate:  cfg.VoiceSampleRate,
				Block:       cfg.VoiceBlock,
			}, onBlock)
		},
	)
	if cfg.VoiceAutoStart {
		if err := listener.Start(); err != nil {
			logging.Warnw("voice listener autostart failed, API remains available", "error", err)
		}
	}
	defer listener.Stop()

	api := httpapi.NewServer(httpapi.Deps{
		Manager:    manager,
		Recorder:   recorder,
		Store:      store,
		Fitbit:     fitbit,
		Trainer:    trainer.NewEngine(),
		Intents:    intents,
		Listener:   listener,
		SampleRate: cfg.VoiceSampleRate,
	})
	mux := api.Routes()
	mux.HandleFunc("GET /mcp/ws", mcpserver.New(manager).Handler())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		logging.Infow("mirror service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatalw("http server failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logging.Infow("shutting down")

	listener.Stop()
	recorder.Stop(cfg.RecorderStopTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warnw("http shutdown incomplete", "error", err)
	}
}
