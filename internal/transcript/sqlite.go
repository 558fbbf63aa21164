// ABOUTME: SQLite implementation of the transcript Store using modernc.org/sqlite
// ABOUTME: Provides entry persistence with automatic schema creation

package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "transcript")

	// Ensure parent directory exists
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

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("transcript store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_name TEXT,
			tool_id TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entries_session_seq
			ON entries(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append writes one entry, assigning Seq and ID.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, session_id, kind, content, tool_name, tool_id, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), e.SessionID, e.Kind, e.Content, e.ToolName, e.ToolID,
		boolToInt(e.IsError), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting transcript entry: %w", err)
	}
	return nil
}

// Since returns entries for a session after the given sequence cursor.
func (s *SQLiteStore) Since(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, session_id, kind, content, tool_name, tool_id, is_error, created_at
		FROM entries
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transcript entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Recent returns the last n entries for a session in ascending order.
func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, session_id, kind, content, tool_name, tool_id, is_error, created_at
		FROM (
			SELECT * FROM entries
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC`,
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// LastSeq returns the highest sequence number, or 0 for an empty store.
func (s *SQLiteStore) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM entries`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying last seq: %w", err)
	}
	return seq.Int64, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var toolName, toolID sql.NullString
		var isError int
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &e.Kind, &e.Content,
			&toolName, &toolID, &isError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.ToolName = toolName.String
		e.ToolID = toolID.String
		e.IsError = isError != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
