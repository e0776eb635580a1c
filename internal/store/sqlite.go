// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Automatic schema creation, WAL mode, keyset-paged transcript reads.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path (":memory:" for tests).
// The schema is created if it doesn't exist; parent directories are created
// as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			surface TEXT NOT NULL,
			address TEXT NOT NULL,
			thinking TEXT NOT NULL,
			verbose INTEGER NOT NULL DEFAULT 0,
			activation TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transcript (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			author TEXT NOT NULL,
			direction TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transcript_session_created
			ON transcript(session_key, created_at);

		CREATE TABLE IF NOT EXISTS cron_jobs (
			id TEXT PRIMARY KEY,
			every TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS runtime_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// SaveSession inserts or replaces a session row.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, surface, address, thinking, verbose, activation, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			surface = excluded.surface,
			address = excluded.address,
			thinking = excluded.thinking,
			verbose = excluded.verbose,
			activation = excluded.activation,
			last_activity = excluded.last_activity`,
		rec.Key, rec.Surface, rec.Address, rec.Thinking, boolToInt(rec.Verbose),
		rec.Activation, rec.CreatedAt.UTC(), rec.LastActivity.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", rec.Key, err)
	}
	return nil
}

// GetSession loads one session row by key.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, surface, address, thinking, verbose, activation, created_at, last_activity
		FROM sessions WHERE key = ?`, key)
	return scanSession(row)
}

// ListSessions returns all session rows ordered by last activity, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, surface, address, thinking, verbose, activation, created_at, last_activity
		FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var recs []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteSession removes a session row. Deleting a missing row is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}

// AppendTranscript persists one transcript line.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, entry *TranscriptEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript (id, session_key, author, direction, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionKey, entry.Author, entry.Direction, entry.Text, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending transcript for %s: %w", entry.SessionKey, err)
	}
	return nil
}

// Transcript returns up to limit entries for a session, newest first.
// A non-empty beforeID restricts to entries created before that entry.
func (s *SQLiteStore) Transcript(ctx context.Context, sessionKey string, limit int, beforeID string) ([]*TranscriptEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_key, author, direction, text, created_at
		FROM transcript WHERE session_key = ?`
	args := []any{sessionKey}

	if beforeID != "" {
		query += ` AND created_at < (SELECT created_at FROM transcript WHERE id = ?)`
		args = append(args, beforeID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading transcript for %s: %w", sessionKey, err)
	}
	defer rows.Close()

	var entries []*TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.Author, &e.Direction, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transcript row: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteTranscript removes all transcript lines for a session.
func (s *SQLiteStore) DeleteTranscript(ctx context.Context, sessionKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transcript WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("deleting transcript for %s: %w", sessionKey, err)
	}
	return nil
}

// SaveCronJob inserts or replaces a cron job row.
func (s *SQLiteStore) SaveCronJob(ctx context.Context, job *CronJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cron_jobs (id, every, at, message, session_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Every, job.At, job.Message, job.SessionKey, job.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving cron job %s: %w", job.ID, err)
	}
	return nil
}

// ListCronJobs returns all cron jobs ordered by creation time.
func (s *SQLiteStore) ListCronJobs(ctx context.Context) ([]*CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, every, at, message, session_key, created_at
		FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CronJob
	for rows.Next() {
		var j CronJob
		if err := rows.Scan(&j.ID, &j.Every, &j.At, &j.Message, &j.SessionKey, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning cron job row: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// DeleteCronJob removes a cron job row.
func (s *SQLiteStore) DeleteCronJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting cron job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRuntime stores one runtime override.
func (s *SQLiteStore) SetRuntime(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runtime_config (key, value, updated_at)
		VALUES (?, ?, ?)`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting runtime config %s: %w", key, err)
	}
	return nil
}

// GetRuntime reads one runtime override.
func (s *SQLiteStore) GetRuntime(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM runtime_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading runtime config %s: %w", key, err)
	}
	return value, nil
}

// AllRuntime reads every runtime override.
func (s *SQLiteStore) AllRuntime(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM runtime_config`)
	if err != nil {
		return nil, fmt.Errorf("listing runtime config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning runtime config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var verbose int
	err := row.Scan(&rec.Key, &rec.Surface, &rec.Address, &rec.Thinking,
		&verbose, &rec.Activation, &rec.CreatedAt, &rec.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session row: %w", err)
	}
	rec.Verbose = verbose != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
