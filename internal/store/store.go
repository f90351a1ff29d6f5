// Package store persists sessions and everything their queries produce in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stellarlinkco/warden/internal/session"
	_ "modernc.org/sqlite"
)

const schemaVersion = 2

// Decisions are append-only: a policy verdict and a later hook veto for the
// same tool use are both kept.
const decisionsTable = `CREATE TABLE IF NOT EXISTS permission_decisions (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			tool_use_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL,
			source TEXT NOT NULL,
			decided_at TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (session_id, tool_use_id, source)
		)`

// timeFormat is fixed-width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate upgrades a version 1 database, which kept one decision per tool use.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmts := []string{
		`ALTER TABLE permission_decisions RENAME TO permission_decisions_v1`,
		decisionsTable,
		`INSERT INTO permission_decisions (session_id, tool_use_id, tool_name, outcome, reason, source, decided_at, data)
			SELECT session_id, tool_use_id, tool_name, outcome, reason, source, decided_at, data FROM permission_decisions_v1`,
		`DROP TABLE permission_decisions_v1`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			organization_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, completed_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			tool_use_id TEXT NOT NULL DEFAULT '',
			incomplete INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			tool_use_id TEXT NOT NULL,
			id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (session_id, tool_use_id)
		)`,
		decisionsTable,
		`CREATE TABLE IF NOT EXISTS hook_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			hook_name TEXT NOT NULL,
			hook_type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started_at TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_session ON hook_executions(session_id, started_at)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}

// CreateSession inserts a new session. It fails if the id is taken.
func (s *Store) CreateSession(ctx context.Context, st session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, organization_id, mode, status, parent_id, created_at, updated_at, completed_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.OwnerID, st.OrganizationID, string(st.Mode), string(st.Status), st.ParentID,
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt), completedAt(st), string(data))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", st.ID, err)
	}
	return nil
}

// UpdateSession upserts the full session state.
func (s *Store) UpdateSession(ctx context.Context, st session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, organization_id, mode, status, parent_id, created_at, updated_at, completed_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			state = excluded.state
	`, st.ID, st.OwnerID, st.OrganizationID, string(st.Mode), string(st.Status), st.ParentID,
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt), completedAt(st), string(data))
	if err != nil {
		return fmt.Errorf("update session %s: %w", st.ID, err)
	}
	return nil
}

func completedAt(st session.State) string {
	if st.CompletedAt == nil {
		return ""
	}
	return formatTime(*st.CompletedAt)
}

func (s *Store) GetSession(ctx context.Context, id string) (session.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return session.State{}, fmt.Errorf("session %s: %w", id, session.ErrSessionNotFound)
	}
	if err != nil {
		return session.State{}, fmt.Errorf("get session %s: %w", id, err)
	}
	var st session.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return session.State{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return st, nil
}

// Filter narrows ListSessions. Zero fields match everything.
type Filter struct {
	OwnerID        string
	OrganizationID string
	ParentID       string
	Statuses       []session.Status
	// CompletedBefore keeps sessions that reached a terminal status before it.
	CompletedBefore time.Time
	Limit           int
}

// ListSessions returns matching sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, f Filter) ([]session.State, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.CompletedBefore.IsZero() {
		where = append(where, "completed_at != '' AND completed_at < ?")
		args = append(args, formatTime(f.CompletedBefore))
	}

	query := `SELECT state FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.State
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var st session.State
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
