// ABOUTME: SQLite implementation of the Cache interface using modernc.org/sqlite
// ABOUTME: Thread and message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-chat/internal/chatkit"
)

// SQLiteStore implements Cache using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens or creates a cache database at path.
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

	logger.Info("SQLite cache initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			placement TEXT NOT NULL,
			title TEXT,
			context_json TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_placement_updated
			ON threads(placement, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_created
			ON messages(thread_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite cache")
	return s.db.Close()
}

// SaveThreads upserts threads in a single transaction.
func (s *SQLiteStore) SaveThreads(ctx context.Context, threads []chatkit.Thread) error {
	if len(threads) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO threads (id, placement, title, context_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			placement = excluded.placement,
			title = excluded.title,
			context_json = excluded.context_json,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("preparing thread insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range threads {
		var contextJSON any
		if len(t.Context) > 0 {
			data, err := json.Marshal(t.Context)
			if err != nil {
				return fmt.Errorf("encoding context for thread %s: %w", t.ID, err)
			}
			contextJSON = string(data)
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.Placement, nullString(t.Title), contextJSON, formatTime(t.UpdatedAt)); err != nil {
			return fmt.Errorf("saving thread %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing threads: %w", err)
	}
	return nil
}

// Thread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) Thread(ctx context.Context, id string) (*chatkit.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, placement, title, context_json, updated_at
		FROM threads
		WHERE id = ?
	`, id)

	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Threads lists a placement's threads, most recently updated first.
func (s *SQLiteStore) Threads(ctx context.Context, placement string, limit int) ([]chatkit.Thread, error) {
	query := `
		SELECT id, placement, title, context_json, updated_at
		FROM threads
		WHERE placement = ?
		ORDER BY updated_at DESC, id ASC
	`
	args := []any{placement}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []chatkit.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}
	return threads, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*chatkit.Thread, error) {
	var t chatkit.Thread
	var title, contextJSON sql.NullString
	var updatedAt string

	if err := row.Scan(&t.ID, &t.Placement, &title, &contextJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning thread row: %w", err)
	}

	t.Title = title.String
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &t.Context); err != nil {
			return nil, fmt.Errorf("decoding context for thread %s: %w", t.ID, err)
		}
	}

	var err error
	t.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// SaveMessages upserts confirmed messages in a single transaction.
func (s *SQLiteStore) SaveMessages(ctx context.Context, msgs []chatkit.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO messages (id, client_id, thread_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	saved := 0
	for _, m := range msgs {
		c, ok := cacheable(m)
		if !ok {
			continue
		}
		if _, err := stmt.ExecContext(ctx, c.ID, nullString(c.ClientID), c.ThreadID, string(c.Role), c.Content, formatTime(c.CreatedAt)); err != nil {
			return fmt.Errorf("saving message %s: %w", c.ID, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing messages: %w", err)
	}

	s.logger.Debug("cached messages", "count", saved)
	return nil
}

// Messages retrieves a thread's messages, limited to the most recent limit.
// Messages are returned in chronological order (oldest first).
func (s *SQLiteStore) Messages(ctx context.Context, threadID string, limit int) ([]chatkit.Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Most recent N, returned ascending
		query = `
			SELECT id, client_id, thread_id, role, content, created_at
			FROM (
				SELECT id, client_id, thread_id, role, content, created_at
				FROM messages
				WHERE thread_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, id ASC
		`
		args = []any{threadID, limit}
	} else {
		query = `
			SELECT id, client_id, thread_id, role, content, created_at
			FROM messages
			WHERE thread_id = ?
			ORDER BY created_at ASC, id ASC
		`
		args = []any{threadID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []chatkit.Message
	for rows.Next() {
		var m chatkit.Message
		var clientID sql.NullString
		var role, createdAt string

		if err := rows.Scan(&m.ID, &clientID, &m.ThreadID, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		m.ClientID = clientID.String
		m.Role = chatkit.Role(role)
		m.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// nullString converts empty strings to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
