package archive

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

const migrationSQL = `
CREATE TABLE IF NOT EXISTS archived_runs (
    id TEXT PRIMARY KEY,
    routine_name TEXT NOT NULL,
    path TEXT NOT NULL,
    filename TEXT NOT NULL UNIQUE,
    rows INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    archived_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archived_runs_routine ON archived_runs(routine_name);
CREATE INDEX IF NOT EXISTS idx_archived_runs_started_at ON archived_runs(started_at);
`

// NewRunID generates a new ULID-based run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Index keeps one row per archived run in SQLite.
type Index struct {
	db *sql.DB
}

// OpenIndex opens the SQLite database at dbPath and applies the schema.
func OpenIndex(dbPath string) (*Index, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
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

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// Upsert inserts or refreshes the entry for info.Filename. The stored ID of an
// existing entry wins over info.ID.
func (ix *Index) Upsert(ctx context.Context, info RunInfo) error {
	if info.ID == "" {
		info.ID = NewRunID()
	}
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO archived_runs (id, routine_name, path, filename, rows, started_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			routine_name = excluded.routine_name,
			path = excluded.path,
			rows = excluded.rows,
			archived_at = excluded.archived_at`,
		info.ID,
		info.RoutineName,
		info.Path,
		info.Filename,
		info.Rows,
		formatTime(info.StartedAt),
		formatTime(info.ArchivedAt),
	)
	return err
}

// IDForFilename returns the run ID registered for filename, or "" if none.
func (ix *Index) IDForFilename(ctx context.Context, filename string) (string, error) {
	var id string
	err := ix.db.QueryRowContext(ctx,
		`SELECT id FROM archived_runs WHERE filename = ?`, filename).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup filename: %w", err)
	}
	return id, nil
}

const selectColumns = `id, routine_name, path, filename, rows, started_at, archived_at`

func scanInfo(row interface{ Scan(...any) error }) (*RunInfo, error) {
	var (
		info                RunInfo
		started, archivedAt string
	)
	if err := row.Scan(&info.ID, &info.RoutineName, &info.Path, &info.Filename,
		&info.Rows, &started, &archivedAt); err != nil {
		return nil, err
	}
	var err error
	if info.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if info.ArchivedAt, err = parseTime(archivedAt); err != nil {
		return nil, fmt.Errorf("parse archived_at: %w", err)
	}
	return &info, nil
}

// Get returns the entry for id.
func (ix *Index) Get(ctx context.Context, id string) (*RunInfo, error) {
	row := ix.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM archived_runs WHERE id = ?`, id)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{RunID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return info, nil
}

// List returns entries newest first.
func (ix *Index) List(ctx context.Context, opts ListOpts) ([]RunInfo, error) {
	query := `SELECT ` + selectColumns + ` FROM archived_runs`
	var args []any
	if opts.RoutineName != "" {
		query += ` WHERE routine_name = ?`
		args = append(args, opts.RoutineName)
	}
	query += ` ORDER BY started_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

// Delete removes the entry for id.
func (ix *Index) Delete(ctx context.Context, id string) error {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM archived_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{RunID: id}
	}
	return nil
}
