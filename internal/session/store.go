// Package session provides a SQLite-backed index of EngineSession records
// (spec.md's [SUPPLEMENT] data model addition): which engine session/thread
// id a task's agent conversation is using, so a retried attempt can resume
// it instead of re-explaining context from scratch (spec.md §4.6 step 4).
// This index is supplementary, not authoritative — the Task Store (YAML,
// internal/tasks) remains the single source of truth for task completion.
// Grounded on the teacher's internal/persistence package, narrowed to drop
// the tasks/task_dependencies tables the teacher used as its own authority,
// since that role belongs to internal/tasks here.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Turn is one message in a task's conversation history.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Store indexes engine sessions and conversation history per task id.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite database at dbPath with WAL mode and a
// busy timeout, mirroring the teacher's NewSQLiteStore connection string.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("session: creating parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("session: opening database: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory creates an in-memory store for tests, using a shared cache so
// the pool's two connections see the same database.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("session: opening memory database: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS engine_sessions (
		task_id     TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		engine_type TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversation_history (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id   TEXT NOT NULL,
		role      TEXT NOT NULL,
		content   TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_conversation_history_task_timestamp
		ON conversation_history(task_id, timestamp);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("session: initializing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts the engine session/thread id in use for a task.
func (s *Store) SaveSession(ctx context.Context, taskID, sessionID, engineType string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_sessions (task_id, session_id, engine_type)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			engine_type = excluded.engine_type
	`, taskID, sessionID, engineType)
	if err != nil {
		return fmt.Errorf("session: saving session for task %q: %w", taskID, err)
	}
	return nil
}

// GetSession returns the engine session id and engine type for a task, or
// ok=false if no prior session is recorded.
func (s *Store) GetSession(ctx context.Context, taskID string) (sessionID, engineType string, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, engine_type FROM engine_sessions WHERE task_id = ?
	`, taskID)
	switch scanErr := row.Scan(&sessionID, &engineType); scanErr {
	case nil:
		return sessionID, engineType, true, nil
	case sql.ErrNoRows:
		return "", "", false, nil
	default:
		return "", "", false, fmt.Errorf("session: querying session for task %q: %w", taskID, scanErr)
	}
}

// AppendMessage records one conversation turn. Append-only: history is
// never rewritten, matching the Artifact Writer's append-only contract.
func (s *Store) AppendMessage(ctx context.Context, taskID, role, content string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_history (task_id, role, content) VALUES (?, ?, ?)
	`, taskID, role, content)
	if err != nil {
		return fmt.Errorf("session: appending message for task %q: %w", taskID, err)
	}
	return nil
}

// History returns every conversation turn for a task in chronological
// order. Returns an empty (non-nil) slice if none exist.
func (s *Store) History(ctx context.Context, taskID string) ([]Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp FROM conversation_history
		WHERE task_id = ? ORDER BY timestamp ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("session: querying history for task %q: %w", taskID, err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("session: scanning history row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterating history: %w", err)
	}
	return turns, nil
}
