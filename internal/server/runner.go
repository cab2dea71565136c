package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jsarkisian/PTBudgetBuster/internal/executor"
	"github.com/jsarkisian/PTBudgetBuster/internal/scope"
	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/internal/tasks"
	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// Run sources recorded on session events. The agent stamps its own.
const (
	sourceOperator  = "operator"
	sourceScheduler = "scheduler"
)

// eventOutputLimit clips tool output stored in the session event log.
const eventOutputLimit = 5000

// awaitSlack is how much longer than the task's own timeout the runner
// keeps polling before declaring the task stuck and killing it.
const awaitSlack = 30 * time.Second

var errUnknownSession = errors.New("unknown session")

// scopeViolationError marks a run blocked by the engagement scope.
type scopeViolationError struct {
	target  string
	message string
}

func (e *scopeViolationError) Error() string { return e.message }

// runRequest is one tool run flowing through the shared pipeline used by
// /execute, /execute/sync, and scheduled fires. The agent has its own
// pipeline because its results feed back into the conversation.
type runRequest struct {
	SessionID string
	Tool      string
	Params    tooldefs.Params
	TaskID    string
	Timeout   time.Duration
	User      string
	Source    string
}

// startRun validates and launches one run: scope check when a session is
// attached, event log + broadcast, then submit. Returns the task ID and
// the rendered command line.
func (s *Server) startRun(req runRequest) (string, string, error) {
	var sess *sessions.Session
	if req.SessionID != "" {
		var ok bool
		sess, ok = s.sessions.Get(req.SessionID)
		if !ok {
			return "", "", errUnknownSession
		}
	}

	var (
		argv    []string
		stdin   string
		rawCmd  string
		isShell = req.Tool == models.ToolBash
	)
	if isShell {
		rawCmd = req.Params.String("command")
		if rawCmd == "" {
			return "", "", errors.New("no command provided")
		}
		argv = tooldefs.ShellArgv(rawCmd)
	} else {
		def, ok := s.tools.Get(req.Tool)
		if !ok {
			return "", "", fmt.Errorf("unknown tool %q", req.Tool)
		}
		argv, stdin = tooldefs.BuildCommand(def, req.Params)
	}

	// Scheduled and operator runs on a session honor the same scope the
	// agent does.
	if sess != nil {
		var target string
		var found bool
		if isShell {
			target, found = scope.TargetFromCommand(rawCmd)
		} else {
			target, found = scope.TargetFromParams(req.Params.Map())
		}
		if found {
			if sc := sess.Scope(); !scope.InScope(target, sc) {
				msg := scope.ViolationMessage(target, sc)
				sess.AppendEvent(models.EventToolResult, map[string]any{
					"tool":   req.Tool,
					"status": "blocked",
					"error":  msg,
					"source": req.Source,
				}, req.User)
				if s.metrics != nil {
					s.metrics.RecordScopeViolation(req.Tool)
				}
				s.logger.Warn("scope violation blocked",
					"session_id", sess.ID(),
					"tool", req.Tool,
					"target", target,
					"source", req.Source,
				)
				return "", "", &scopeViolationError{target: target, message: msg}
			}
		}
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = tasks.NewID()
	}
	command := tooldefs.CommandLine(req.Tool, argv, rawCmd)

	if sess != nil {
		execEvent := models.EventToolExec
		fields := map[string]any{
			"task_id":    taskID,
			"tool":       req.Tool,
			"parameters": req.Params.Map(),
			"source":     req.Source,
		}
		if isShell {
			execEvent = models.EventBashExec
			fields = map[string]any{
				"task_id": taskID,
				"tool":    req.Tool,
				"command": rawCmd,
				"source":  req.Source,
			}
		}
		sess.AppendEvent(execEvent, fields, req.User)
		s.bus.Publish(sess.ID(), models.EventToolStart, map[string]any{
			"tool":       req.Tool,
			"task_id":    taskID,
			"parameters": req.Params.Map(),
			"user":       req.User,
			"source":     req.Source,
		})
	}

	if _, err := s.executor.Submit(executor.Request{
		TaskID:  taskID,
		Tool:    req.Tool,
		Argv:    argv,
		Stdin:   stdin,
		Command: command,
		Timeout: req.Timeout,
	}); err != nil {
		return "", "", err
	}
	return taskID, command, nil
}

// awaitTask polls the registry until the task reaches a terminal status.
// The poll is bounded by the task's own timeout plus slack; an expired
// bound or cancelled context kills the task and returns the last
// snapshot with done=false.
func (s *Server) awaitTask(ctx context.Context, taskID string, timeout time.Duration) (models.Task, bool) {
	if timeout <= 0 {
		timeout = executor.DefaultTimeout
	}
	bound := timeout + awaitSlack

	var span trace.Span
	if s.tracer != nil {
		tool := ""
		if task, ok := s.tasks.Get(taskID); ok {
			tool = task.Tool
		}
		ctx, span = s.tracer.TraceTaskExecution(ctx, tool, taskID)
		defer span.End()
	}

	waited := time.Duration(0)
	for {
		task, ok := s.tasks.Get(taskID)
		if ok && task.Status.Terminal() {
			return task, true
		}
		if waited >= bound {
			s.executor.Cancel(taskID)
			s.logger.Warn("task wait expired", "task_id", taskID)
			if s.tracer != nil {
				s.tracer.RecordError(span, errors.New("task wait expired"))
			}
			task, _ = s.tasks.Get(taskID)
			return task, false
		}
		select {
		case <-ctx.Done():
			s.executor.Cancel(taskID)
			if s.tracer != nil {
				s.tracer.RecordError(span, ctx.Err())
			}
			task, _ = s.tasks.Get(taskID)
			return task, false
		case <-time.After(s.taskPoll):
			waited += s.taskPoll
		}
	}
}

// finishRun mirrors the terminal task state into the session event log
// and onto the bus. No-op when the run has no session.
func (s *Server) finishRun(req runRequest, task models.Task) {
	if req.SessionID == "" {
		return
	}
	sess, ok := s.sessions.Get(req.SessionID)
	if !ok {
		return
	}

	if req.Tool == models.ToolBash {
		sess.AppendEvent(models.EventBashResult, map[string]any{
			"task_id": task.ID,
			"status":  string(task.Status),
			"output":  clip(task.Output, eventOutputLimit),
			"source":  req.Source,
		}, req.User)
	} else {
		sess.AppendEvent(models.EventToolResult, map[string]any{
			"task_id": task.ID,
			"tool":    req.Tool,
			"status":  string(task.Status),
			"output":  clip(task.Output, eventOutputLimit),
			"source":  req.Source,
		}, req.User)
	}
	s.bus.Publish(sess.ID(), models.EventToolResult, map[string]any{
		"task_id": task.ID,
		"tool":    req.Tool,
		"result": map[string]any{
			"status":      string(task.Status),
			"output":      task.Output,
			"error":       task.Error,
			"return_code": task.ReturnCode,
			"parameters":  req.Params.Map(),
		},
		"user":   req.User,
		"source": req.Source,
	})
}

// RunScheduled implements scheduler.ToolRunner: a schedule fire runs the
// same pipeline an operator-posted execution does, including event
// logging and scope enforcement against the target session.
func (s *Server) RunScheduled(ctx context.Context, job models.ScheduledJob) (string, models.TaskStatus, error) {
	params, err := tooldefs.ParamsFromJSON(job.Parameters)
	if err != nil {
		return "", models.TaskError, fmt.Errorf("invalid parameters: %w", err)
	}

	req := runRequest{
		SessionID: job.SessionID,
		Tool:      job.Tool,
		Params:    params,
		User:      job.CreatedBy,
		Source:    sourceScheduler,
	}
	taskID, _, err := s.startRun(req)
	if err != nil {
		return "", models.TaskError, err
	}

	task, done := s.awaitTask(ctx, taskID, 0)
	s.finishRun(req, task)
	if !done {
		return taskID, models.TaskTimeout, nil
	}
	return taskID, task.Status, nil
}

func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "\n... (truncated)"
}
