// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists command outcomes and connection sessions with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			connected_at TEXT NOT NULL,
			disconnected_at TEXT,
			close_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_connected
			ON sessions(connected_at);

		CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			command_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			client_name TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_commands_started
			ON commands(started_at);

		CREATE INDEX IF NOT EXISTS idx_commands_session
			ON commands(session_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// InsertCommand records a command. Terminal outcomes should carry FinishedAt.
func (s *SQLiteStore) InsertCommand(ctx context.Context, rec *CommandRecord) error {
	query := `
		INSERT INTO commands (id, command_id, session_id, client_name, method, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.CommandID,
		rec.SessionID,
		rec.ClientName,
		rec.Method,
		string(rec.Outcome),
		rec.Error,
		rec.StartedAt.UTC().Format(timeFormat),
		formatTimePtr(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// FinishCommand sets the terminal outcome of a forwarded command.
// Returns ErrNotFound if no such row exists.
func (s *SQLiteStore) FinishCommand(ctx context.Context, id string, outcome Outcome, errText string, at time.Time) error {
	query := `UPDATE commands SET outcome = ?, error = ?, finished_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, string(outcome), errText, at.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCommand retrieves a command by ledger row id.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*CommandRecord, error) {
	query := `
		SELECT id, command_id, session_id, client_name, method, outcome, error, started_at, finished_at
		FROM commands
		WHERE id = ?
	`

	rec, err := scanCommand(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return rec, nil
}

// ListCommands returns commands newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, f CommandFilter) ([]*CommandRecord, error) {
	limit := clampLimit(f.Limit)

	var where []string
	var args []any
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}

	query := `
		SELECT id, command_id, session_id, client_name, method, outcome, error, started_at, finished_at
		FROM commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var recs []*CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command rows: %w", err)
	}
	return recs, nil
}

// OpenSession records a newly identified connection.
func (s *SQLiteStore) OpenSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, role, name, agent_id, remote_addr, connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.Role,
		sess.Name,
		sess.AgentID,
		sess.RemoteAddr,
		sess.ConnectedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// CloseSession marks a session disconnected. Returns ErrNotFound if no such session exists.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, reason string, at time.Time) error {
	query := `UPDATE sessions SET disconnected_at = ?, close_reason = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, at.UTC().Format(timeFormat), reason, id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	query := `
		SELECT id, role, name, agent_id, remote_addr, connected_at, disconnected_at, close_reason
		FROM sessions
		ORDER BY connected_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var connectedAt string
		var disconnectedAt sql.NullString

		if err := rows.Scan(
			&sess.ID,
			&sess.Role,
			&sess.Name,
			&sess.AgentID,
			&sess.RemoteAddr,
			&connectedAt,
			&disconnectedAt,
			&sess.CloseReason,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}

		sess.ConnectedAt, err = time.Parse(timeFormat, connectedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing connected_at: %w", err)
		}
		sess.DisconnectedAt, err = parseTimePtr(disconnectedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing disconnected_at: %w", err)
		}

		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*CommandRecord, error) {
	var rec CommandRecord
	var outcome, startedAt string
	var finishedAt sql.NullString

	if err := row.Scan(
		&rec.ID,
		&rec.CommandID,
		&rec.SessionID,
		&rec.ClientName,
		&rec.Method,
		&outcome,
		&rec.Error,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	rec.Outcome = Outcome(outcome)

	var err error
	rec.StartedAt, err = time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	rec.FinishedAt, err = parseTimePtr(finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &rec, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
