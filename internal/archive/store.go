// Package archive provides the optional SQLite-backed history store.
// The message log remains the source of truth; the archive exists so task
// and session history can be queried after the fact without replaying the
// whole log.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/Dicklesworthstone/hive/internal/queue"
)

// Store wraps the history database. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// TaskRecord is one archived task.
type TaskRecord struct {
	ID         string          `json:"id"`
	Target     string          `json:"target"`
	Source     string          `json:"source,omitempty"`
	Payload    string          `json:"payload"`
	State      queue.TaskState `json:"state"`
	Detail     string          `json:"detail,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	FinishedAt time.Time       `json:"finished_at"`
	LogSeq     uint64          `json:"log_seq,omitempty"`
}

// SessionRecord is one archived session lifetime.
type SessionRecord struct {
	ID         int64     `json:"id"`
	Identity   string    `json:"identity"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	EndState   string    `json:"end_state,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
}

// Open opens or creates the history database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	target      TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	state       TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	log_seq     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_target ON tasks(target);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

CREATE TABLE IF NOT EXISTS session_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	identity    TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP NOT NULL,
	end_state   TEXT NOT NULL DEFAULT '',
	stop_reason TEXT NOT NULL DEFAULT '',
	delivered   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_history_identity ON session_history(identity);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply archive schema: %w", err)
	}
	return nil
}

// ========================
// Task Operations
// ========================

// RecordTask inserts or updates one task record. Later calls for the same
// id overwrite state, detail, finish time, and log position.
func (s *Store) RecordTask(rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, target, source, payload, state, detail, enqueued_at, finished_at, log_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			detail = excluded.detail,
			finished_at = excluded.finished_at,
			log_seq = excluded.log_seq`,
		rec.ID, rec.Target, rec.Source, rec.Payload, string(rec.State), rec.Detail, rec.EnqueuedAt, rec.FinishedAt, rec.LogSeq,
	)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// GetTask retrieves one task by id, or nil when unknown.
func (s *Store) GetTask(id string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &TaskRecord{}
	var state string
	err := s.db.QueryRow(`
		SELECT id, target, source, payload, state, detail, enqueued_at, finished_at, log_seq
		FROM tasks WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Target, &rec.Source, &rec.Payload, &state, &rec.Detail, &rec.EnqueuedAt, &rec.FinishedAt, &rec.LogSeq)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	rec.State = queue.TaskState(state)
	return rec, nil
}

// ListTasks returns archived tasks, newest first, optionally filtered by
// target and state. A limit of 0 means 100.
func (s *Store) ListTasks(target string, state queue.TaskState, limit int) ([]TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, target, source, payload, state, detail, enqueued_at, finished_at, log_seq
		FROM tasks`
	var (
		conds []string
		args  []any
	)
	if target != "" {
		conds = append(conds, "target = ?")
		args = append(args, target)
	}
	if state != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(state))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY enqueued_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var st string
		if err := rows.Scan(&rec.ID, &rec.Target, &rec.Source, &rec.Payload, &st, &rec.Detail, &rec.EnqueuedAt, &rec.FinishedAt, &rec.LogSeq); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		rec.State = queue.TaskState(st)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ========================
// Session History Operations
// ========================

// RecordSessionStart inserts a history row for a session that just
// started and returns its row id for the matching end record.
func (s *Store) RecordSessionStart(identity string, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO session_history (identity, started_at, ended_at)
		VALUES (?, ?, ?)`,
		identity, startedAt, time.Time{},
	)
	if err != nil {
		return 0, fmt.Errorf("record session start: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get session history id: %w", err)
	}
	return id, nil
}

// RecordSessionEnd completes a history row.
func (s *Store) RecordSessionEnd(id int64, endState, stopReason string, delivered, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE session_history SET ended_at = ?, end_state = ?, stop_reason = ?, delivered = ?, failed = ?
		WHERE id = ?`,
		time.Now().UTC(), endState, stopReason, delivered, failed, id,
	)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session history row not found: %d", id)
	}
	return nil
}

// ListSessionHistory returns history rows, newest first, optionally for
// one identity. A limit of 0 means 100.
func (s *Store) ListSessionHistory(identity string, limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if identity == "" {
		rows, err = s.db.Query(`
			SELECT id, identity, started_at, ended_at, end_state, stop_reason, delivered, failed
			FROM session_history ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, identity, started_at, ended_at, end_state, stop_reason, delivered, failed
			FROM session_history WHERE identity = ? ORDER BY id DESC LIMIT ?`, identity, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list session history: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Identity, &rec.StartedAt, &rec.EndedAt, &rec.EndState, &rec.StopReason, &rec.Delivered, &rec.Failed); err != nil {
			return nil, fmt.Errorf("scan session history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
