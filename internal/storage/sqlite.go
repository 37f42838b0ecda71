package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/ghost-voice/internal/rtc"
)

// maxSampleBytes bounds the raw payload kept for an unrecognized event.
const maxSampleBytes = 2048

// Session is the lifecycle record of one conversation attempt. Transcript
// text is never stored.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	State     string     `json:"state"`
	Model     string     `json:"model"`
	Error     string     `json:"error,omitempty"`
}

type StateEvent struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type RemoteError struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// UnrecognizedEvent aggregates every occurrence of an event type the
// demultiplexer could not place but that looked like it carried content.
type UnrecognizedEvent struct {
	Type        string    `json:"type"`
	Count       int       `json:"count"`
	Sample      string    `json:"sample"`
	LastSession string    `json:"last_session"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "ghost-voice.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			state TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS state_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create state_events table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS remote_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create remote_errors table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS unrecognized_events (
			type TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			sample TEXT NOT NULL,
			last_session TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create unrecognized_events table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)"); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_state_events_session_id ON state_events(session_id, id)"); err != nil {
		return fmt.Errorf("create state_events index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SessionStateChanged implements rtc.Observer.
func (s *SQLiteStore) SessionStateChanged(change rtc.StateChange) {
	if err := s.RecordStateChange(change); err != nil {
		slog.Error("record state change", "session", change.SessionID, "error", err)
	}
}

// RemoteErrorReported implements rtc.Observer.
func (s *SQLiteStore) RemoteErrorReported(remote *rtc.RemoteError) {
	if err := s.RecordRemoteError(remote.SessionID, remote.Type, remote.Message); err != nil {
		slog.Error("record remote error", "session", remote.SessionID, "error", err)
	}
}

// RecordUnrecognized implements rtc.DiagnosticSink.
func (s *SQLiteStore) RecordUnrecognized(sessionID, eventType string, raw []byte) {
	if err := s.recordUnrecognized(sessionID, eventType, raw); err != nil {
		slog.Error("record unrecognized event", "type", eventType, "error", err)
	}
}

func (s *SQLiteStore) RecordStateChange(change rtc.StateChange) error {
	if strings.TrimSpace(change.SessionID) == "" {
		return errors.New("session id is required")
	}
	at := change.At
	if at.IsZero() {
		at = s.now()
	}
	ts := at.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin state change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO sessions(id, started_at, state, model, error) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			model = CASE WHEN excluded.model = '' THEN sessions.model ELSE excluded.model END,
			error = CASE WHEN excluded.error = '' THEN sessions.error ELSE excluded.error END`,
		change.SessionID, ts, string(change.To), change.Model, change.Error,
	); err != nil {
		return fmt.Errorf("upsert session %s: %w", change.SessionID, err)
	}

	if change.To == rtc.StateIdle {
		if _, err := tx.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, ts, change.SessionID); err != nil {
			return fmt.Errorf("end session %s: %w", change.SessionID, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO state_events(session_id, from_state, to_state, error, at) VALUES(?, ?, ?, ?, ?)`,
		change.SessionID, string(change.From), string(change.To), change.Error, ts,
	); err != nil {
		return fmt.Errorf("append state event for session %s: %w", change.SessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state change: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordRemoteError(sessionID, errType, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO remote_errors(session_id, type, message, at) VALUES(?, ?, ?, ?)`,
		sessionID, errType, message, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record remote error for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) recordUnrecognized(sessionID, eventType string, raw []byte) error {
	if eventType == "" {
		eventType = "(untyped)"
	}
	sample := raw
	if len(sample) > maxSampleBytes {
		sample = sample[:maxSampleBytes]
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.Exec(
		`INSERT INTO unrecognized_events(type, count, sample, last_session, first_seen, last_seen)
		 VALUES(?, 1, ?, ?, ?, ?)
		 ON CONFLICT(type) DO UPDATE SET
			count = unrecognized_events.count + 1,
			sample = excluded.sample,
			last_session = excluded.last_session,
			last_seen = excluded.last_seen`,
		eventType, string(sample), sessionID, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("record unrecognized event %s: %w", eventType, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, ended_at, state, model, error FROM sessions WHERE id = ?`,
		id,
	)

	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *SQLiteStore) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, started_at, ended_at, state, model, error
		 FROM sessions
		 ORDER BY started_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) GetStateEvents(sessionID string) ([]StateEvent, error) {
	rows, err := s.db.Query(
		`SELECT session_id, from_state, to_state, error, at
		 FROM state_events
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query state events for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]StateEvent, 0, 8)
	for rows.Next() {
		var ev StateEvent
		var at string
		if err := rows.Scan(&ev.SessionID, &ev.From, &ev.To, &ev.Error, &at); err != nil {
			return nil, fmt.Errorf("scan state event for session %s: %w", sessionID, err)
		}
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse state event time for session %s: %w", sessionID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state event rows for session %s: %w", sessionID, err)
	}
	return events, nil
}

func (s *SQLiteStore) RemoteErrors(limit int) ([]RemoteError, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT session_id, type, message, at FROM remote_errors ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query remote errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RemoteError
	for rows.Next() {
		var re RemoteError
		var at string
		if err := rows.Scan(&re.SessionID, &re.Type, &re.Message, &at); err != nil {
			return nil, fmt.Errorf("scan remote error: %w", err)
		}
		if re.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse remote error time: %w", err)
		}
		out = append(out, re)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote error rows: %w", err)
	}
	return out, nil
}

// UnrecognizedEvents returns every recorded event type, most frequent first.
func (s *SQLiteStore) UnrecognizedEvents() ([]UnrecognizedEvent, error) {
	rows, err := s.db.Query(
		`SELECT type, count, sample, last_session, first_seen, last_seen
		 FROM unrecognized_events
		 ORDER BY count DESC, type ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query unrecognized events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]UnrecognizedEvent, 0, 8)
	for rows.Next() {
		var ev UnrecognizedEvent
		var first, last string
		if err := rows.Scan(&ev.Type, &ev.Count, &ev.Sample, &ev.LastSession, &first, &last); err != nil {
			return nil, fmt.Errorf("scan unrecognized event: %w", err)
		}
		if ev.FirstSeen, err = time.Parse(time.RFC3339Nano, first); err != nil {
			return nil, fmt.Errorf("parse first_seen: %w", err)
		}
		if ev.LastSeen, err = time.Parse(time.RFC3339Nano, last); err != nil {
			return nil, fmt.Errorf("parse last_seen: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unrecognized event rows: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.State, &sess.Model, &sess.Error); err != nil {
		return Session{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &parsedEnd
	}

	return sess, nil
}
