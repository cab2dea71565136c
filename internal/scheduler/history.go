package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// History is the sqlite-backed audit trail of schedule fires. Every fire
// appends a row when it starts and finalizes it when the task reaches a
// terminal state, so the trail survives restarts even when the schedule
// file itself is rewritten.
type History struct {
	db *sql.DB
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// NewHistory opens (creating if needed) the run-history database at path.
// An empty path uses an in-memory database.
func NewHistory(path string, opts ...HistoryOption) (*History, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	h := &History{db: db}
	for _, opt := range opts {
		opt(h)
	}

	if err := h.init(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// NewHistoryWithDB wraps an already-open database handle. The schema must
// exist; used by tests that stub the database layer.
func NewHistoryWithDB(db *sql.DB) *History {
	return &History{db: db}
}

func (h *History) init() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedule_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			session_id TEXT,
			tool TEXT,
			task_id TEXT,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schedule_runs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_schedule_runs_job ON schedule_runs(job_id)",
		"CREATE INDEX IF NOT EXISTS idx_schedule_runs_started ON schedule_runs(started_at)",
	}
	for _, idx := range indexes {
		if _, err := h.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Begin records the start of a run and returns the row id used to finalize
// it later.
func (h *History) Begin(ctx context.Context, run models.ScheduleRun) (int64, error) {
	res, err := h.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (job_id, session_id, tool, task_id, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.JobID, run.SessionID, run.Tool, run.TaskID, run.Status, run.StartedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}
	return id, nil
}

// Finish finalizes a run row with the task id, terminal status, and finish
// time.
func (h *History) Finish(ctx context.Context, id int64, taskID, status string, finished time.Time) error {
	res, err := h.db.ExecContext(ctx, `
		UPDATE schedule_runs SET task_id = ?, status = ?, finished_at = ? WHERE id = ?
	`, taskID, status, models.Timestamp(finished), id)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %d not found", id)
	}
	return nil
}

// ListForJob returns the most recent runs of one job, newest first. A
// limit of zero or less defaults to 50.
func (h *History) ListForJob(ctx context.Context, jobID string, limit int) ([]models.ScheduleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, job_id, session_id, tool, task_id, status, started_at, COALESCE(finished_at, '')
		FROM schedule_runs
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRecent returns the most recent runs across all jobs, newest first.
func (h *History) ListRecent(ctx context.Context, limit int) ([]models.ScheduleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, job_id, session_id, tool, task_id, status, started_at, COALESCE(finished_at, '')
		FROM schedule_runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]models.ScheduleRun, error) {
	runs := []models.ScheduleRun{}
	for rows.Next() {
		var r models.ScheduleRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.SessionID, &r.Tool, &r.TaskID, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}
