package models

// TaskStatus is the lifecycle state of a single tool invocation.
type TaskStatus string

const (
	TaskStarting  TaskStatus = "starting"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskError     TaskStatus = "error"
	TaskTimeout   TaskStatus = "timeout"
	TaskKilled    TaskStatus = "killed"
)

// Terminal reports whether the status is final. A task reaches exactly one
// terminal status and is never mutated afterward.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskError, TaskTimeout, TaskKilled:
		return true
	}
	return false
}

// Task is the wire snapshot of a tool invocation. The executor owns the live
// record; handlers and streamers only ever see copies.
type Task struct {
	ID         string     `json:"task_id"`
	Tool       string     `json:"tool"`
	Command    string     `json:"command"`
	Status     TaskStatus `json:"status"`
	StartedAt  string     `json:"started_at"`
	Output     string     `json:"output"`
	Error      string     `json:"error"`
	ReturnCode *int       `json:"return_code"`
	PID        *int       `json:"pid"`
	FinishedAt *string    `json:"finished_at"`
}
