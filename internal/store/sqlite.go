package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// NewID generates a new ULID identifier for runs and attempts.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// SQLiteStore implements AttemptStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// RecordAttempt inserts or updates an attempt record.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (
			id, run_id, window_start, window_end, stage, attempt, status,
			exit_code, started_at, finished_at, duration_ms, stdout_tail,
			stderr_tail, error_msg, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			exit_code = excluded.exit_code,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			stdout_tail = excluded.stdout_tail,
			stderr_tail = excluded.stderr_tail,
			error_msg = excluded.error_msg`,
		a.ID,
		a.RunID,
		a.WindowStart,
		a.WindowEnd,
		a.Stage,
		a.Attempt,
		a.Status,
		a.ExitCode,
		formatTime(a.StartedAt),
		formatTimePtr(a.FinishedAt),
		a.DurationMs,
		nullString(a.StdoutTail),
		nullString(a.StderrTail),
		nullString(a.ErrorMsg),
		formatTime(a.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) scanAttempt(row interface{ Scan(...any) error }) (*Attempt, error) {
	var a Attempt
	var startedAt, createdAt string
	var finishedAt, stdoutTail, stderrTail, errorMsg sql.NullString
	var exitCode, durationMs sql.NullInt64

	err := row.Scan(
		&a.ID,
		&a.RunID,
		&a.WindowStart,
		&a.WindowEnd,
		&a.Stage,
		&a.Attempt,
		&a.Status,
		&exitCode,
		&startedAt,
		&finishedAt,
		&durationMs,
		&stdoutTail,
		&stderrTail,
		&errorMsg,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	a.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	a.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	a.FinishedAt, err = parseTimePtr(finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}

	a.ExitCode = int(exitCode.Int64)
	a.DurationMs = durationMs.Int64
	a.StdoutTail = stdoutTail.String
	a.StderrTail = stderrTail.String
	a.ErrorMsg = errorMsg.String

	return &a, nil
}

const selectAttemptCols = `id, run_id, window_start, window_end, stage, attempt,
	status, exit_code, started_at, finished_at, duration_ms, stdout_tail,
	stderr_tail, error_msg, created_at`

// GetAttempt retrieves a single attempt by ID. Returns nil, nil if absent.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectAttemptCols+" FROM attempts WHERE id = ?", id)
	a, err := s.scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListAttempts returns attempts matching opts, newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, opts ListOpts) ([]*Attempt, error) {
	query := "SELECT " + selectAttemptCols + " FROM attempts WHERE 1=1"
	var args []any

	if opts.WindowStart != "" {
		query += " AND window_start = ?"
		args = append(args, opts.WindowStart)
	}
	if opts.Stage != "" {
		query += " AND stage = ?"
		args = append(args, opts.Stage)
	}
	if opts.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, opts.RunID)
	}
	query += " ORDER BY started_at DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := s.scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetWindowStats returns aggregate statistics for the window [start, end].
func (s *SQLiteStore) GetWindowStats(ctx context.Context, start, end string) (*WindowStats, error) {
	var stats WindowStats
	var lastAttempt sql.NullString
	var avgDuration sql.NullFloat64
	var successes, failures sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total_attempts,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS successes,
			SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END) AS failures,
			MAX(started_at) AS last_attempt,
			AVG(duration_ms) AS avg_duration_ms
		FROM attempts
		WHERE window_start = ? AND window_end = ?`, start, end).Scan(
		&stats.TotalAttempts,
		&successes,
		&failures,
		&lastAttempt,
		&avgDuration,
	)
	if err != nil {
		return nil, err
	}
	stats.Successes = int(successes.Int64)
	stats.Failures = int(failures.Int64)

	if lastAttempt.Valid {
		t, err := parseTime(lastAttempt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_attempt: %w", err)
		}
		stats.LastAttempt = &t
	}
	if avgDuration.Valid {
		stats.AvgDurationMs = avgDuration.Float64
	}

	return &stats, nil
}
