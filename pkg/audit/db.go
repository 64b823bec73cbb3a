// Package audit keeps a SQLite journal of copy runs and the uploads of their
// results, so a run id can be resumed, skipped or refused on the next attempt.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	RunsTblName    = "runs"
	UploadsTblName = "uploads"
)

var runsTblCreateStmt = `CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    try_num INTEGER NOT NULL,
    engine TEXT NOT NULL,
    src_path TEXT NOT NULL,
    dst_path TEXT NOT NULL,
    batch_size INTEGER NOT NULL,
    started_by TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK (status IN ('started', 'running', 'errored', 'failed', 'succeeded')),
    pages INTEGER NOT NULL DEFAULT 0,
    steps INTEGER NOT NULL DEFAULT 0,
    retries INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
    )`

var uploadsTblCreateStmt = `CREATE TABLE IF NOT EXISTS uploads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    try_num INTEGER NOT NULL,
    target TEXT NOT NULL,
    location TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
    )`

// Run is one row of the runs table.
type Run struct {
	ID          string
	TryNum      int
	Engine      string
	Source      string
	Destination string
	BatchSize   int
	StartedBy   string
	Status      string
	Pages       int
	Steps       uint64
	Retries     uint64
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Upload is one row of the uploads table.
type Upload struct {
	RunID     string
	TryNum    int
	Target    string
	Location  string
	Error     string
	CreatedAt time.Time
}

// Journal is the audit database.
type Journal struct {
	db *sql.DB
}

// Open opens, creating if needed, the journal at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("error creating audit directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening audit db %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()

		return nil, err
	}

	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate(ctx context.Context) error {
	for _, stmt := range []string{
		runsTblCreateStmt,
		uploadsTblCreateStmt,
		`CREATE INDEX IF NOT EXISTS idx_uploads_run ON uploads(run_id, try_num)`,
	} {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error migrating audit db: %w", err)
		}
	}

	return nil
}

// CreateRun inserts run with try_num 1 and status started.
func (j *Journal) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UnixMilli()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, try_num, engine, src_path, dst_path, batch_size, started_by, status, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?, ?, ?, 'started', ?, ?)`,
		run.ID, run.Engine, run.Source, run.Destination, run.BatchSize, run.StartedBy, now, now,
	)
	if err != nil {
		return fmt.Errorf("error creating run entry %s: %w", run.ID, err)
	}
	run.TryNum = 1
	run.Status = "started"

	return nil
}

// RunStatus returns the status of runID, or "" if it was never journaled.
func (j *Journal) RunStatus(ctx context.Context, runID string) (string, error) {
	var status string
	err := j.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE run_id = ?", runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error reading status of run %s: %w", runID, err)
	}

	return status, nil
}

// GetRun returns the journaled run, or nil if there is none.
func (j *Journal) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run              Run
		created, updated int64
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT run_id, try_num, engine, src_path, dst_path, batch_size, started_by, status, pages, steps, retries, error, created_at, updated_at
		FROM runs WHERE run_id = ?`, runID,
	).Scan(&run.ID, &run.TryNum, &run.Engine, &run.Source, &run.Destination, &run.BatchSize, &run.StartedBy,
		&run.Status, &run.Pages, &run.Steps, &run.Retries, &run.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // caller handles a missing run
	}
	if err != nil {
		return nil, fmt.Errorf("error reading run %s: %w", runID, err)
	}
	run.CreatedAt = time.UnixMilli(created)
	run.UpdatedAt = time.UnixMilli(updated)

	return &run, nil
}

// SetStatus updates the status of runID. It runs even if ctx was cancelled.
func (j *Journal) SetStatus(ctx context.Context, runID, status string) error {
	ctx = context.WithoutCancel(ctx)
	_, err := j.db.ExecContext(ctx, "UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?", status, time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("error setting status of run %s: %w", runID, err)
	}

	return nil
}

// FinishRun records the outcome of the current try of runID. It runs even if
// ctx was cancelled.
func (j *Journal) FinishRun(ctx context.Context, run *Run) error {
	ctx = context.WithoutCancel(ctx)
	_, err := j.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, pages = ?, steps = ?, retries = ?, error = ?, updated_at = ? WHERE run_id = ?",
		run.Status, run.Pages, run.Steps, run.Retries, run.Error, time.Now().UnixMilli(), run.ID,
	)
	if err != nil {
		return fmt.Errorf("error finishing run %s: %w", run.ID, err)
	}

	return nil
}

// RestartRun bumps try_num, resets the status to started and returns the new
// try_num.
func (j *Journal) RestartRun(ctx context.Context, runID string) (int, error) {
	var tryNum int
	err := j.db.QueryRowContext(ctx,
		"UPDATE runs SET try_num = try_num + 1, status = 'started', error = '', updated_at = ? WHERE run_id = ? RETURNING try_num",
		time.Now().UnixMilli(), runID,
	).Scan(&tryNum)
	if err != nil {
		return -1, fmt.Errorf("error restarting run %s: %w", runID, err)
	}

	return tryNum, nil
}

// RecordUpload journals an upload attempt of the result of runID.
func (j *Journal) RecordUpload(ctx context.Context, upload *Upload) error {
	ctx = context.WithoutCancel(ctx)
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO uploads (run_id, try_num, target, location, error, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		upload.RunID, upload.TryNum, upload.Target, upload.Location, upload.Error, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error recording upload for run %s: %w", upload.RunID, err)
	}

	return nil
}

// Uploads lists the uploads journaled for runID, oldest first.
func (j *Journal) Uploads(ctx context.Context, runID string) ([]Upload, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT run_id, try_num, target, location, error, created_at FROM uploads WHERE run_id = ? ORDER BY id", runID)
	if err != nil {
		return nil, fmt.Errorf("error listing uploads for run %s: %w", runID, err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var (
			u       Upload
			created int64
		)
		if err := rows.Scan(&u.RunID, &u.TryNum, &u.Target, &u.Location, &u.Error, &created); err != nil {
			return nil, fmt.Errorf("error scanning upload: %w", err)
		}
		u.CreatedAt = time.UnixMilli(created)
		uploads = append(uploads, u)
	}

	return uploads, rows.Err()
}
