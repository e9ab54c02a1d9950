package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/coderunner/internal/storage"

	_ "modernc.org/sqlite"
)

// Fixed width, so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const selectColumns = `SELECT id, language, status, exit_code, code, dependencies, output, error,
	setup_failure, timed_out, duration_ms, created_at FROM executions`

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, e *storage.Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	deps, err := json.Marshal(e.Dependencies)
	if err != nil {
		return fmt.Errorf("marshaling dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, language, status, exit_code, code, dependencies, output, error,
			setup_failure, timed_out, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Language, string(e.Status), e.ExitCode, e.Code, string(deps),
		storage.Truncate(e.Output), e.Error, e.SetupFailure, e.TimedOut,
		e.Duration.Milliseconds(), e.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*storage.Execution, error) {
	// Try exact match first, then prefix match
	e, err := scanExecution(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying execution: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE id LIKE ? || '%' LIMIT 2`, id)
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous execution prefix %q", id)
	}
}

func (s *SQLiteStore) List(ctx context.Context, opts storage.ListOptions) ([]storage.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := selectColumns + ` WHERE 1 = 1`
	var args []any

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.Language != "" {
		query += ` AND language = ?`
		args = append(args, opts.Language)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var executions []storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`,
		before.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*storage.Execution, error) {
	var (
		e          storage.Execution
		status     string
		deps       string
		durationMS int64
		createdAt  string
	)
	err := s.Scan(&e.ID, &e.Language, &status, &e.ExitCode, &e.Code, &deps, &e.Output, &e.Error,
		&e.SetupFailure, &e.TimedOut, &durationMS, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Status = storage.Status(status)
	if err := json.Unmarshal([]byte(deps), &e.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshaling dependencies: %w", err)
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &e, nil
}
