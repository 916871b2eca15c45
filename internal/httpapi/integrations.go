package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/smartmirror-lab/internal/storage/sqlite"
	"github.com/smartmirror-lab/internal/trainer"
)

func (s *Server) handleBiometrics(w http.ResponseWriter, r *http.Request) {
	if s.fitbit == nil {
		writeError(w, http.StatusServiceUnavailable, "biometrics not configured")
		return
	}
	writeData(w, http.StatusOK, s.fitbit.Latest(r.Context()))
}

func (s *Server) handleBiometricsLast(w http.ResponseWriter, r *http.Request) {
	if s.fitbit == nil {
		writeError(w, http.StatusServiceUnavailable, "biometrics not configured")
		return
	}
	writeData(w, http.StatusOK, s.fitbit.Cached())
}

func (s *Server) handleFitbitLogin(w http.ResponseWriter, r *http.Request) {
	if s.fitbit == nil {
		writeError(w, http.StatusServiceUnavailable, "biometrics not configured")
		return
	}
	http.Redirect(w, r, s.fitbit.AuthorizeURL(uuid.NewString()), http.StatusFound)
}

func (s *Server) handleFitbitCallback(w http.ResponseWriter, r *http.Request) {
	if s.fitbit == nil {
		writeError(w, http.StatusServiceUnavailable, "biometrics not configured")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}
	if err := s.fitbit.ExchangeCode(r.Context(), code); err != nil {
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"connected": true})
}

func (s *Server) handleFitbitRefresh(w http.ResponseWriter, r *http.Request) {
	if s.fitbit == nil {
		writeError(w, http.StatusServiceUnavailable, "biometrics not configured")
		return
	}
	if err := s.fitbit.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "token refresh failed")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"refreshed": true})
}

func (s *Server) handleFitbitStatus(w http.ResponseWriter, r *http.Request) {
	if s.fitbit == nil {
		writeError(w, http.StatusServiceUnavailable, "biometrics not configured")
		return
	}
	expiresAt, connected := s.fitbit.TokenStatus()
	data := map[string]interface{}{"connected": connected}
	if connected {
		data["expires_at"] = expiresAt.UTC()
	}
	writeData(w, http.StatusOK, data)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	cfg, err := s.store.LoadUserConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config load failed")
		return
	}
	writeData(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	var cfg sqlite.UserConfig
	if !readJSON(w, r, &cfg) {
		return
	}
	if err := s.store.SaveUserConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "config save failed")
		return
	}
	saved, err := s.store.LoadUserConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config load failed")
		return
	}
	writeData(w, http.StatusOK, saved)
}

// handleRoutine generates a routine; when the caller omits performance
// data the cached heart rate stands in, so the routine still adapts.
func (s *Server) handleRoutine(w http.ResponseWriter, r *http.Request) {
	if s.trainer == nil {
		writeError(w, http.StatusServiceUnavailable, "trainer not configured")
		return
	}
	var body struct {
		UserID      string               `json:"user_id"`
		Performance *trainer.Performance `json:"performance"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	perf := body.Performance
	if perf == nil && s.fitbit != nil {
		if cached := s.fitbit.Cached(); cached.HeartRateBPM > 0 {
			perf = &trainer.Performance{HeartRateBPM: cached.HeartRateBPM}
		}
	}
	writeData(w, http.StatusOK, s.trainer.GenerateRoutine(body.UserID, perf))
}
