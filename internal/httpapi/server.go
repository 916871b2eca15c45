// Package httpapi exposes the mirror's REST surface. Every response uses
// the {success, data, error} envelope.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartmirror-lab/internal/biometrics"
	"github.com/smartmirror-lab/internal/logging"
	"github.com/smartmirror-lab/internal/session"
	"github.com/smartmirror-lab/internal/storage/sqlite"
	"github.com/smartmirror-lab/internal/trainer"
	"github.com/smartmirror-lab/internal/voice"
)

// Server holds the handler dependencies. Store, fitbit, trainer, intents
// and listener may be nil; the matching endpoints then answer 503.
type Server struct {
	manager    *session.Manager
	recorder   *session.Recorder
	store      *sqlite.Store
	fitbit     *biometrics.Client
	trainer    *trainer.Engine
	intents    *voice.IntentTable
	listener   *voice.Listener
	sampleRate int
	upgrader   websocket.Upgrader
}

// Deps wires the server.
type Deps struct {
	Manager    *session.Manager
	Recorder   *session.Recorder
	Store      *sqlite.Store
	Fitbit     *biometrics.Client
	Trainer    *trainer.Engine
	Intents    *voice.IntentTable
	Listener   *voice.Listener
	SampleRate int
}

func NewServer(deps Deps) *Server {
	if deps.SampleRate <= 0 {
		deps.SampleRate = 16000
	}
	return &Server{
		manager:    deps.Manager,
		recorder:   deps.Recorder,
		store:      deps.Store,
		fitbit:     deps.Fitbit,
		trainer:    deps.Trainer,
		intents:    deps.Intents,
		listener:   deps.Listener,
		sampleRate: deps.SampleRate,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 1024},
	}
}

// Routes builds the full mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /session/start", s.handleSessionStart)
	mux.HandleFunc("POST /session/pause", s.handleSessionPause)
	mux.HandleFunc("POST /session/stop", s.handleSessionStop)
	mux.HandleFunc("POST /session/exercise", s.handleSessionExercise)
	mux.HandleFunc("GET /session/status", s.handleSessionStatus)
	mux.HandleFunc("GET /session/last", s.handleSessionLast)
	mux.HandleFunc("GET /session/history", s.handleSessionHistory)
	mux.HandleFunc("GET /session/timeline.csv", s.handleSessionTimeline)

	mux.HandleFunc("POST /voice/test", s.handleVoiceTest)
	mux.HandleFunc("POST /voice/event", s.handleVoiceEvent)
	mux.HandleFunc("GET /voice/last", s.handleVoiceLast)
	mux.HandleFunc("POST /voice/synonym", s.handleVoiceSynonym)
	mux.HandleFunc("GET /voice/stream", s.handleVoiceStream)

	mux.HandleFunc("POST /biometrics", s.handleBiometrics)
	mux.HandleFunc("GET /biometrics/last", s.handleBiometricsLast)
	mux.HandleFunc("GET /auth/fitbit/login", s.handleFitbitLogin)
	mux.HandleFunc("GET /auth/fitbit/callback", s.handleFitbitCallback)
	mux.HandleFunc("POST /fitbit/refresh", s.handleFitbitRefresh)
	mux.HandleFunc("GET /fitbit/status", s.handleFitbitStatus)

	mux.HandleFunc("GET /config", s.handleConfigGet)
	mux.HandleFunc("POST /config", s.handleConfigSet)
	mux.HandleFunc("POST /routine", s.handleRoutine)
	return mux
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		logging.Debugw("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(into); err != nil {
		// An empty body means "all defaults"; a truncated or malformed
		// one is a caller error.
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.listener != nil {
		data["voice_listener"] = s.listener.State().String()
		data["voice_drops"] = s.listener.Drops()
	}
	writeData(w, http.StatusOK, data)
}
