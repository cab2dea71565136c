package models

import "encoding/json"

// ScheduleType distinguishes one-shot from recurring jobs.
type ScheduleType string

const (
	ScheduleOnce ScheduleType = "once"
	ScheduleCron ScheduleType = "cron"
)

// ScheduleStatus is the lifecycle state of a scheduled job.
type ScheduleStatus string

const (
	ScheduleScheduled ScheduleStatus = "scheduled"
	ScheduleRunning   ScheduleStatus = "running"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleDisabled  ScheduleStatus = "disabled"
)

// ScheduledJob is a deferred or recurring tool run against a session.
// Parameters is kept as raw JSON so the command builder sees the original
// key order.
type ScheduledJob struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Type       ScheduleType    `json:"schedule_type"`
	RunAt      string          `json:"run_at,omitempty"`
	CronExpr   string          `json:"cron_expr,omitempty"`
	Label      string          `json:"label,omitempty"`
	Status     ScheduleStatus  `json:"status"`
	CreatedAt  string          `json:"created_at"`
	CreatedBy  string          `json:"created_by,omitempty"`
	LastRun    string          `json:"last_run,omitempty"`
	NextRun    string          `json:"next_run,omitempty"`
	LastTaskID string          `json:"last_task_id,omitempty"`
	RunCount   int             `json:"run_count"`
}

// ScheduleRun is one row of the scheduler's run-history audit trail.
type ScheduleRun struct {
	ID         int64  `json:"id"`
	JobID      string `json:"job_id"`
	SessionID  string `json:"session_id"`
	Tool       string `json:"tool"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}
