package httpapi

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartmirror-lab/internal/logging"
	"github.com/smartmirror-lab/internal/session"
	"github.com/smartmirror-lab/internal/voice"
)

func viewPayload(v session.View) map[string]interface{} {
	p := map[string]interface{}{
		"status":              string(v.Status),
		"exercise":            v.Exercise,
		"duration_total_sec":  v.DurationTotal.Seconds(),
		"duration_active_sec": v.DurationActive.Seconds(),
	}
	if v.SessionID != "" {
		p["session_id"] = v.SessionID
	}
	if !v.StartedAt.IsZero() {
		p["started_at"] = v.StartedAt.UTC()
	}
	if v.LastCommand != "" {
		p["last_command"] = v.LastCommand
		p["last_command_at"] = v.LastCommandAt.UTC()
	}
	if v.VoiceEvent != nil {
		p["voice_event"] = eventPayload(*v.VoiceEvent)
	}
	if v.Resumed {
		p["resumed"] = true
	}
	return p
}

func summaryPayload(sum session.Summary) map[string]interface{} {
	breakdown := sum.RepBreakdown
	if breakdown == nil {
		breakdown = map[string]int{}
	}
	return map[string]interface{}{
		"session_id":          sum.SessionID,
		"exercise":            sum.Exercise,
		"started_at":          sum.StartedAt.UTC(),
		"stopped_at":          sum.StoppedAt.UTC(),
		"duration_total_sec":  sum.DurationTotal.Seconds(),
		"duration_active_sec": sum.DurationActive.Seconds(),
		"rep_count":           sum.RepCount,
		"total_reps":          sum.TotalReps,
		"rep_breakdown":       breakdown,
		"avg_quality":         sum.AvgQuality,
		"avg_heart_rate":      sum.AvgHeartRate,
		"max_heart_rate":      sum.MaxHeartRate,
	}
}

func eventPayload(ev session.VoiceEvent) map[string]interface{} {
	return map[string]interface{}{
		"message":   ev.Message,
		"intent":    ev.Intent,
		"timestamp": ev.At.UTC(),
		"sequence":  ev.Sequence,
	}
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Exercise string `json:"exercise"`
		Reset    *bool  `json:"reset"`
		Resume   bool   `json:"resume"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	opts := session.StartOptions{
		Exercise:    body.Exercise,
		ResetTotals: body.Reset == nil || *body.Reset,
		Resume:      body.Resume,
	}
	v, err := s.manager.Start(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, viewPayload(v))
}

func (s *Server) handleSessionPause(w http.ResponseWriter, r *http.Request) {
	v, err := s.manager.Pause()
	if errors.Is(err, session.ErrNoActiveSession) {
		writeError(w, http.StatusBadRequest, "no active session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, viewPayload(v))
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	sum, err := s.manager.Stop()
	if errors.Is(err, session.ErrNoActiveSession) {
		writeError(w, http.StatusBadRequest, "no active session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, summaryPayload(sum))
}

func (s *Server) handleSessionExercise(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Exercise string `json:"exercise"`
		Reset    bool   `json:"reset"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	v, err := s.manager.SwitchExercise(body.Exercise, body.Reset)
	if errors.Is(err, session.ErrMissingField) {
		writeError(w, http.StatusBadRequest, "exercise is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, viewPayload(v))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, viewPayload(s.manager.Status()))
}

func (s *Server) handleSessionLast(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.manager.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no finished session")
		return
	}
	writeData(w, http.StatusOK, summaryPayload(sum))
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	metrics, err := s.store.ListRecentSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	items := make([]map[string]interface{}, 0, len(metrics))
	for _, m := range metrics {
		items = append(items, map[string]interface{}{
			"session_id":          m.SessionID,
			"exercise":            m.Exercise,
			"started_at":          m.StartedAt,
			"stopped_at":          m.StoppedAt,
			"duration_total_sec":  m.DurationTotal.Seconds(),
			"duration_active_sec": m.DurationActive.Seconds(),
			"total_reps":          m.TotalReps,
			"rep_breakdown":       m.RepBreakdown,
			"avg_quality":         m.AvgQuality,
			"avg_heart_rate":      m.AvgHeartRate,
			"max_heart_rate":      m.MaxHeartRate,
		})
	}
	writeData(w, http.StatusOK, map[string]interface{}{"sessions": items})
}

// handleSessionTimeline streams the recorder's posture samples as CSV.
func (s *Server) handleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recorder not configured")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="angulo_tiempo.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"t", "angle", "rep_count", "is_rep", "latency_ms", "fps", "status"})
	for _, sample := range s.recorder.Samples() {
		angle := ""
		if sample.Angle != nil {
			angle = strconv.FormatFloat(*sample.Angle, 'f', 2, 64)
		}
		isRep := "0"
		if sample.IsRep {
			isRep = "1"
		}
		_ = cw.Write([]string{
			strconv.FormatFloat(sample.T, 'f', 3, 64),
			angle,
			strconv.Itoa(sample.RepCount),
			isRep,
			strconv.FormatFloat(sample.LatencyMS, 'f', 1, 64),
			strconv.FormatFloat(sample.FPS, 'f', 1, 64),
			string(sample.Status),
		})
	}
	cw.Flush()
}

func (s *Server) handleVoiceTest(w http.ResponseWriter, r *http.Request) {
	if s.intents == nil {
		writeError(w, http.StatusServiceUnavailable, "intent table not configured")
		return
	}
	var body struct {
		Utterance string `json:"utterance"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Utterance == "" {
		writeError(w, http.StatusBadRequest, "utterance is required")
		return
	}
	intent, matched := s.intents.Map(body.Utterance)
	writeData(w, http.StatusOK, map[string]interface{}{
		"utterance": body.Utterance,
		"intent":    intent,
		"matched":   matched,
	})
}

func (s *Server) handleVoiceEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
		Intent  string `json:"intent"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	ev, err := s.manager.RecordVoiceEvent(body.Message, body.Intent)
	if errors.Is(err, session.ErrMissingField) {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, eventPayload(ev))
}

// handleVoiceLast answers pollers: an event is only returned when its
// sequence is beyond the caller's ?after= cursor.
func (s *Server) handleVoiceLast(w http.ResponseWriter, r *http.Request) {
	after := uint64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		after = n
	}
	ev, ok := s.manager.LastVoiceEvent()
	if !ok || ev.Sequence <= after {
		writeData(w, http.StatusOK, map[string]interface{}{"event": nil})
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"event": eventPayload(ev)})
}

func (s *Server) handleVoiceSynonym(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.intents == nil {
		writeError(w, http.StatusServiceUnavailable, "synonyms not configured")
		return
	}
	var body struct {
		Utterance string `json:"utterance"`
		Intent    string `json:"intent"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Utterance == "" || body.Intent == "" {
		writeError(w, http.StatusBadRequest, "utterance and intent are required")
		return
	}
	if err := s.store.AddSynonym(r.Context(), body.Utterance, body.Intent); err != nil {
		writeError(w, http.StatusInternalServerError, "synonym persist failed")
		return
	}
	s.intents.Add(body.Utterance, body.Intent)
	writeData(w, http.StatusOK, map[string]interface{}{
		"utterance": body.Utterance,
		"intent":    body.Intent,
	})
}

// handleVoiceStream ingests opus frames from a companion device over a
// websocket and feeds the decoded PCM into the listener queue.
func (s *Server) handleVoiceStream(w http.ResponseWriter, r *http.Request) {
	if s.listener == nil {
		writeError(w, http.StatusServiceUnavailable, "voice listener not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("voice stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ingest, err := voice.NewOpusIngest(s.sampleRate, s.listener.IngestPCM)
	if err != nil {
		logging.Errorw("opus ingest setup failed", "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "decoder unavailable"),
			time.Now().Add(time.Second))
		return
	}
	logging.Infow("voice stream connected", "remote", r.RemoteAddr)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logging.Infow("voice stream closed", "remote", r.RemoteAddr,
				"decode_errors", ingest.DecodeErrors())
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		ingest.Frame(data)
	}
}
