// Package sqlite persists mirror state: Fitbit tokens, finished session
// metrics, voice synonyms, and the user config row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smartmirror-lab/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  access_token TEXT NOT NULL,
  refresh_token TEXT NOT NULL,
  expires_at INTEGER NOT NULL,
  scope TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS session_metrics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  exercise TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  stopped_at INTEGER NOT NULL,
  duration_total_ms INTEGER NOT NULL,
  duration_active_ms INTEGER NOT NULL,
  total_reps INTEGER NOT NULL DEFAULT 0,
  rep_breakdown TEXT NOT NULL DEFAULT '{}',
  avg_quality REAL NOT NULL DEFAULT 0,
  avg_heart_rate REAL NOT NULL DEFAULT 0,
  max_heart_rate INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_metrics_stopped_at ON session_metrics (stopped_at DESC);
CREATE TABLE IF NOT EXISTS voice_synonyms (
  utterance TEXT PRIMARY KEY,
  intent TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS user_config (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  name TEXT NOT NULL DEFAULT '',
  daily_goal_reps INTEGER NOT NULL DEFAULT 50,
  preferred_exercise TEXT NOT NULL DEFAULT 'squat',
  updated_at INTEGER NOT NULL
);
`

// Store wraps a SQLite handle.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database and creates the schema when missing.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Tokens is the single persisted OAuth credential set.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	UserID       string
}

// SaveTokens upserts the single token row.
func (s *Store) SaveTokens(ctx context.Context, t Tokens) error {
	if t.AccessToken == "" || t.RefreshToken == "" {
		return fmt.Errorf("access and refresh tokens are required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO tokens (id, access_token, refresh_token, expires_at, scope, user_id)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   scope = excluded.scope,
		   user_id = excluded.user_id`,
		t.AccessToken, t.RefreshToken, toMillis(t.ExpiresAt), t.Scope, t.UserID,
	)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// LoadTokens returns the stored credentials; ok is false when none exist.
func (s *Store) LoadTokens(ctx context.Context) (Tokens, bool, error) {
	var t Tokens
	var expires int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, user_id FROM tokens WHERE id = 1`,
	).Scan(&t.AccessToken, &t.RefreshToken, &expires, &t.Scope, &t.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tokens{}, false, nil
	}
	if err != nil {
		return Tokens{}, false, fmt.Errorf("load tokens: %w", err)
	}
	t.ExpiresAt = fromMillis(expires)
	return t, true, nil
}

// RecordSessionMetrics appends one finished session to the history.
func (s *Store) RecordSessionMetrics(ctx context.Context, m session.Metrics) error {
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	breakdown := m.RepBreakdown
	if breakdown == nil {
		breakdown = map[string]int{}
	}
	raw, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("encode rep breakdown: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO session_metrics (
		   session_id, exercise, started_at, stopped_at,
		   duration_total_ms, duration_active_ms,
		   total_reps, rep_breakdown, avg_quality, avg_heart_rate, max_heart_rate
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Exercise, toMillis(m.StartedAt), toMillis(m.StoppedAt),
		m.DurationTotal.Milliseconds(), m.DurationActive.Milliseconds(),
		m.TotalReps, string(raw), m.AvgQuality, m.AvgHeartRate, m.MaxHeartRate,
	)
	if err != nil {
		return fmt.Errorf("record session metrics: %w", err)
	}
	return nil
}

// ListRecentSessions returns up to limit sessions, most recent first.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]session.Metrics, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT session_id, exercise, started_at, stopped_at,
		        duration_total_ms, duration_active_ms,
		        total_reps, rep_breakdown, avg_quality, avg_heart_rate, max_heart_rate
		   FROM session_metrics
		   ORDER BY stopped_at DESC
		   LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Metrics
	for rows.Next() {
		var m session.Metrics
		var started, stopped, totalMS, activeMS int64
		var breakdown string
		if err := rows.Scan(&m.SessionID, &m.Exercise, &started, &stopped,
			&totalMS, &activeMS, &m.TotalReps, &breakdown,
			&m.AvgQuality, &m.AvgHeartRate, &m.MaxHeartRate); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		m.StartedAt = fromMillis(started)
		m.StoppedAt = fromMillis(stopped)
		m.DurationTotal = time.Duration(totalMS) * time.Millisecond
		m.DurationActive = time.Duration(activeMS) * time.Millisecond
		if err := json.Unmarshal([]byte(breakdown), &m.RepBreakdown); err != nil {
			m.RepBreakdown = map[string]int{}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// AddSynonym stores one utterance → intent mapping, replacing any previous
// intent for the same utterance.
func (s *Store) AddSynonym(ctx context.Context, utterance, intent string) error {
	utterance = strings.TrimSpace(utterance)
	intent = strings.TrimSpace(intent)
	if utterance == "" || intent == "" {
		return fmt.Errorf("utterance and intent are required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO voice_synonyms (utterance, intent, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (utterance) DO UPDATE SET intent = excluded.intent`,
		utterance, intent, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("add synonym: %w", err)
	}
	return nil
}

// ListSynonyms returns all stored utterance → intent mappings.
func (s *Store) ListSynonyms(ctx context.Context) (map[string]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT utterance, intent FROM voice_synonyms`)
	if err != nil {
		return nil, fmt.Errorf("list synonyms: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var utterance, intent string
		if err := rows.Scan(&utterance, &intent); err != nil {
			return nil, fmt.Errorf("scan synonym row: %w", err)
		}
		out[utterance] = intent
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list synonyms: %w", err)
	}
	return out, nil
}

// UserConfig is the single user preferences row.
type UserConfig struct {
	Name              string    `json:"name"`
	DailyGoalReps     int       `json:"daily_goal_reps"`
	PreferredExercise string    `json:"preferred_exercise"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// LoadUserConfig returns the stored preferences, or defaults when the row
// does not exist yet.
func (s *Store) LoadUserConfig(ctx context.Context) (UserConfig, error) {
	var c UserConfig
	var updated int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, daily_goal_reps, preferred_exercise, updated_at FROM user_config WHERE id = 1`,
	).Scan(&c.Name, &c.DailyGoalReps, &c.PreferredExercise, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return UserConfig{DailyGoalReps: 50, PreferredExercise: "squat"}, nil
	}
	if err != nil {
		return UserConfig{}, fmt.Errorf("load user config: %w", err)
	}
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

// SaveUserConfig upserts the preferences row.
func (s *Store) SaveUserConfig(ctx context.Context, c UserConfig) error {
	if c.DailyGoalReps <= 0 {
		c.DailyGoalReps = 50
	}
	if c.PreferredExercise == "" {
		c.PreferredExercise = "squat"
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO user_config (id, name, daily_goal_reps, preferred_exercise, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   daily_goal_reps = excluded.daily_goal_reps,
		   preferred_exercise = excluded.preferred_exercise,
		   updated_at = excluded.updated_at`,
		c.Name, c.DailyGoalReps, c.PreferredExercise, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save user config: %w", err)
	}
	return nil
}
