package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/session"
)

// SQLiteStore is the durable implementation of all three store contracts.
// Session rows persist as JSON bodies; listing keys (script_id,
// updated_at) are lifted into columns so paging stays in SQL. Every save
// also appends a row with the session's current status to the
// session_events journal.
type SQLiteStore struct {
	db      *sql.DB
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// timeLayout is a fixed-width UTC timestamp, so updated_at sorts
// chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLiteStore) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scripts (
		id         TEXT PRIMARY KEY,
		envelope   TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		script_id  TEXT NOT NULL,
		status     TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		body       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_script ON sessions(script_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC, id ASC);

	CREATE TABLE IF NOT EXISTS session_events (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status     TEXT NOT NULL,
		at         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) PutScript(ctx context.Context, scriptID string, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scripts (id, envelope, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET envelope = excluded.envelope`,
		scriptID, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put script: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetScript(ctx context.Context, scriptID string) (*envelope.Envelope, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope FROM scripts WHERE id = ?`, scriptID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("script %q: %w", scriptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

func (s *SQLiteStore) DeleteScript(ctx context.Context, scriptID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, scriptID)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("script %q: %w", scriptID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, row *session.Session) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	updatedAt := row.UpdatedAt.UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, script_id, status, updated_at, body) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   script_id = excluded.script_id,
		   status = excluded.status,
		   updated_at = excluded.updated_at,
		   body = excluded.body`,
		row.SessionID, row.ScriptID, string(row.Status), updatedAt, string(data))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, status, at) VALUES (?, ?, ?, ?)`,
		s.newID(), row.SessionID, string(row.Status), updatedAt)
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM sessions WHERE id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var row session.Session
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &row, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return nil
}

// Touch is satisfied by PutSession lifting script_id and updated_at into
// columns; it refreshes them for callers driving the index independently.
func (s *SQLiteStore) Touch(ctx context.Context, scriptID, sessionID string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET script_id = ?, updated_at = ? WHERE id = ?`,
		scriptID, updatedAt.UTC().Format(timeLayout), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Remove is satisfied by DeleteSession; present to complete the index
// contract for callers composing stores.
func (s *SQLiteStore) Remove(ctx context.Context, sessionID string) error {
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, scriptID string, offset, limit int) ([]string, bool, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id FROM sessions`
	args := []any{}
	if scriptID != "" {
		query += ` WHERE script_id = ?`
		args = append(args, scriptID)
	}
	// Fetch one extra row to learn whether more pages follow.
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit+1, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate sessions: %w", err)
	}

	more := len(ids) > limit
	if more {
		ids = ids[:limit]
	}
	return ids, more, nil
}
