package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/A2gent/bpchat/internal/llm"
	_ "modernc.org/sqlite"
)

const dbFile = "bpchat.db"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database under dataPath.
func NewSQLiteStore(dataPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dsn := "file:" + filepath.Join(dataPath, dbFile) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id TEXT PRIMARY KEY,
			systolic INTEGER NOT NULL,
			diastolic INTEGER NOT NULL,
			source TEXT DEFAULT '',
			taken_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_taken_at ON readings(taken_at)`,
		`CREATE TABLE IF NOT EXISTS checkin_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			session_id TEXT DEFAULT '',
			status TEXT NOT NULL,
			output TEXT DEFAULT '',
			error TEXT DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkin_runs_name ON checkin_runs(name, started_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveSession upserts the session and replaces its transcript.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, sess.ID, sess.Title, sess.Status, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	for i, msg := range sess.Messages {
		content, err := json.Marshal(llm.Blocks(msg.Content))
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, role, content, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.ID, sess.ID, i, string(msg.Role), string(content), msg.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	return tx.Commit()
}

// GetSession retrieves a session and its transcript by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var title sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &title, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sess.Title = title.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp
		FROM messages WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var role, content string
		if err := rows.Scan(&msg.ID, &role, &content, &msg.Timestamp); err != nil {
			return nil, err
		}
		var blocks []llm.Block
		if err := json.Unmarshal([]byte(content), &blocks); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", msg.ID, err)
		}
		msg.Role = llm.Role(role)
		msg.Content = llm.Unwrap(blocks)
		sess.Messages = append(sess.Messages, msg)
	}
	return &sess, rows.Err()
}

// ListSessions lists sessions newest first, without transcripts.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, created_at, updated_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var title sql.NullString
		if err := rows.Scan(&sess.ID, &title, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Title = title.String
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// SaveReading inserts or replaces a reading.
func (s *SQLiteStore) SaveReading(ctx context.Context, r *Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (id, systolic, diastolic, source, taken_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			systolic = excluded.systolic,
			diastolic = excluded.diastolic,
			source = excluded.source,
			taken_at = excluded.taken_at
	`, r.ID, r.Systolic, r.Diastolic, r.Source, r.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save reading: %w", err)
	}
	return nil
}

// LatestReading returns the most recent reading or ErrNotFound.
func (s *SQLiteStore) LatestReading(ctx context.Context) (*Reading, error) {
	readings, err := s.ListReadings(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("reading: %w", ErrNotFound)
	}
	return &readings[0], nil
}

// ListReadings returns up to limit readings, newest first. A non-positive
// limit returns all of them.
func (s *SQLiteStore) ListReadings(ctx context.Context, limit int) ([]Reading, error) {
	query := `SELECT id, systolic, diastolic, source, taken_at FROM readings ORDER BY taken_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var r Reading
		var source sql.NullString
		if err := rows.Scan(&r.ID, &r.Systolic, &r.Diastolic, &source, &r.TakenAt); err != nil {
			return nil, err
		}
		r.Source = source.String
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// SaveCheckinRun upserts a check-in run record.
func (s *SQLiteStore) SaveCheckinRun(ctx context.Context, run *CheckinRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkin_runs (id, name, session_id, status, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			finished_at = excluded.finished_at
	`, run.ID, run.Name, run.SessionID, run.Status, run.Output, run.Error, run.StartedAt.UTC(), run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save check-in run: %w", err)
	}
	return nil
}

// ListCheckinRuns returns runs newest first. An empty name lists every
// check-in.
func (s *SQLiteStore) ListCheckinRuns(ctx context.Context, name string, limit int) ([]*CheckinRun, error) {
	var (
		where []string
		args  []any
	)
	if name != "" {
		where = append(where, "name = ?")
		args = append(args, name)
	}
	query := `SELECT id, name, session_id, status, output, error, started_at, finished_at FROM checkin_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*CheckinRun
	for rows.Next() {
		var run CheckinRun
		var sessionID, output, errText sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Name, &sessionID, &run.Status, &output, &errText, &run.StartedAt, &finished); err != nil {
			return nil, err
		}
		run.SessionID = sessionID.String
		run.Output = output.String
		run.Error = errText.String
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
