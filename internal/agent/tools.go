package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jsarkisian/PTBudgetBuster/internal/executor"
	"github.com/jsarkisian/PTBudgetBuster/internal/redact"
	"github.com/jsarkisian/PTBudgetBuster/internal/scope"
	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/internal/tasks"
	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// Names of the tools exposed to the model.
const (
	ToolExecuteTool   = "execute_tool"
	ToolExecuteBash   = "execute_bash"
	ToolRecordFinding = "record_finding"
	ToolReadFile      = "read_file"
	ToolAddToScope    = "add_to_scope"
)

// eventOutputLimit bounds tool output stored in the session event log.
const eventOutputLimit = 5000

// previewLimit bounds tool result previews in approval payloads.
const previewLimit = 500

const agentSource = "ai_agent"

// toolSchemaJSON holds each tool's input schema as JSON Schema source. The
// same document is compiled for server-side validation and handed to the
// model as the tool's input_schema.
var toolSchemaJSON = map[string]string{
	ToolExecuteTool: `{
		"type": "object",
		"properties": {
			"tool": {"type": "string", "description": "Name of the tool to execute"},
			"parameters": {"type": "object", "description": "Tool-specific parameters as key-value pairs"}
		},
		"required": ["tool", "parameters"]
	}`,
	ToolExecuteBash: `{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The bash command to execute"}
		},
		"required": ["command"]
	}`,
	ToolRecordFinding: `{
		"type": "object",
		"properties": {
			"severity": {"type": "string", "enum": ["critical", "high", "medium", "low", "info"], "description": "Severity level of the finding"},
			"title": {"type": "string", "description": "Brief title of the finding"},
			"description": {"type": "string", "description": "Detailed description including impact and remediation"},
			"evidence": {"type": "string", "description": "Tool output or proof supporting the finding"}
		},
		"required": ["severity", "title", "description"]
	}`,
	ToolReadFile: `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the data directory, typically task_id/filename"}
		},
		"required": ["path"]
	}`,
	ToolAddToScope: `{
		"type": "object",
		"properties": {
			"hosts": {"type": "array", "items": {"type": "string"}, "description": "Hosts, domains, or CIDR ranges to add to the engagement scope"},
			"reason": {"type": "string", "description": "Why these hosts belong in scope, e.g. discovered subdomains of an in-scope domain"}
		},
		"required": ["hosts"]
	}`,
}

var toolDescriptions = map[string]string{
	ToolExecuteBash:   "Execute a bash command for tool chaining, piping, or custom operations. Use for complex commands that combine multiple tools.",
	ToolRecordFinding: "Record a security finding discovered during testing.",
	ToolReadFile:      "Read a file from the scan data directory.",
	ToolAddToScope:    "Request an addition to the engagement target scope. The tester must approve the request before the hosts become testable.",
}

// compiledSchemas validates tool inputs before dispatch. Compiled once; a
// malformed schema source is a programming error.
var compiledSchemas = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(toolSchemaJSON))
	for name, src := range toolSchemaJSON {
		out[name] = jsonschema.MustCompileString(name+".schema.json", src)
	}
	return out
}()

var inputSchemaMaps = func() map[string]map[string]any {
	out := make(map[string]map[string]any, len(toolSchemaJSON))
	for name, src := range toolSchemaJSON {
		var m map[string]any
		if err := json.Unmarshal([]byte(src), &m); err != nil {
			panic(fmt.Sprintf("tool schema %s: %v", name, err))
		}
		out[name] = m
	}
	return out
}()

// toolSchemas builds the tool list sent to the model. The execute_tool
// description embeds the current catalog so the model only reaches for tools
// the registry can actually build.
func toolSchemas(toolNames []string) []ToolSchema {
	executeDesc := "Execute a security testing tool."
	if len(toolNames) > 0 {
		executeDesc = fmt.Sprintf("Execute a security testing tool. Available tools: %s.", strings.Join(toolNames, ", "))
	}
	return []ToolSchema{
		{Name: ToolExecuteTool, Description: executeDesc, InputSchema: inputSchemaMaps[ToolExecuteTool]},
		{Name: ToolExecuteBash, Description: toolDescriptions[ToolExecuteBash], InputSchema: inputSchemaMaps[ToolExecuteBash]},
		{Name: ToolRecordFinding, Description: toolDescriptions[ToolRecordFinding], InputSchema: inputSchemaMaps[ToolRecordFinding]},
		{Name: ToolReadFile, Description: toolDescriptions[ToolReadFile], InputSchema: inputSchemaMaps[ToolReadFile]},
		{Name: ToolAddToScope, Description: toolDescriptions[ToolAddToScope], InputSchema: inputSchemaMaps[ToolAddToScope]},
	}
}

// validateToolInput checks the raw input against the tool's schema. The raw
// JSON is preferred so validation sees exactly what the model sent.
func validateToolInput(name string, raw json.RawMessage, input map[string]any) error {
	schema, ok := compiledSchemas[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	var instance any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &instance); err != nil {
			return fmt.Errorf("decoding input: %w", err)
		}
	} else {
		instance = map[string]any(input)
	}
	return schema.Validate(instance)
}

// executeToolCall dispatches one model tool call and returns the result text
// fed back as the tool_result block. Scope is enforced before credential
// tokens are resolved, so a blocked call never touches raw secrets. The
// cancelled hook, when non-nil, is polled while waiting on tester approvals;
// a subprocess that is already running always finishes and has its result
// logged, a stop only prevents new work from starting.
func (d *Driver) executeToolCall(ctx context.Context, sess *sessions.Session, call Block, cancelled func() bool) string {
	if _, known := compiledSchemas[call.Name]; !known {
		return "Unknown tool"
	}
	if err := validateToolInput(call.Name, call.Raw, call.Input); err != nil {
		d.logger.Warn("tool input rejected", "session_id", sess.ID(), "tool", call.Name, "error", err)
		return fmt.Sprintf("Invalid input for %s: %v", call.Name, err)
	}

	// Scope check runs on the tokenized input. Targets are never
	// credentials, so tokenization leaves them readable.
	if call.Name == ToolExecuteTool || call.Name == ToolExecuteBash {
		if target, ok := scope.ExtractTarget(call.Name, call.Input); ok {
			if sc := sess.Scope(); !scope.InScope(target, sc) {
				msg := scope.ViolationMessage(target, sc)
				sess.AppendEvent(models.EventToolResult, map[string]any{
					"tool":   call.Name,
					"status": "blocked",
					"error":  msg,
					"source": agentSource,
				}, "")
				if d.metrics != nil {
					d.metrics.RecordScopeViolation(innerToolName(call))
				}
				d.logger.Warn("scope violation blocked",
					"session_id", sess.ID(),
					"tool", innerToolName(call),
					"target", target,
				)
				return msg
			}
		}
	}

	switch call.Name {
	case ToolExecuteTool:
		return d.runCatalogTool(ctx, sess, call)
	case ToolExecuteBash:
		return d.runBash(ctx, sess, call)
	case ToolRecordFinding:
		return d.recordFinding(sess, call.Input)
	case ToolReadFile:
		return d.readFile(call.Input)
	case ToolAddToScope:
		return d.addToScope(ctx, sess, call.Input, cancelled)
	}
	return "Unknown tool"
}

func innerToolName(call Block) string {
	if call.Name == ToolExecuteBash {
		return models.ToolBash
	}
	if name, ok := call.Input["tool"].(string); ok && name != "" {
		return name
	}
	return call.Name
}

// runCatalogTool builds and runs one catalog tool invocation synchronously.
func (d *Driver) runCatalogTool(ctx context.Context, sess *sessions.Session, call Block) string {
	toolName, _ := call.Input["tool"].(string)

	// Decode parameters from the raw JSON so positional ordering survives.
	var envelope struct {
		Tool       string          `json:"tool"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if len(call.Raw) > 0 {
		if err := json.Unmarshal(call.Raw, &envelope); err != nil {
			return fmt.Sprintf("Invalid input for %s: %v", ToolExecuteTool, err)
		}
	}
	params, err := tooldefs.ParamsFromJSON(envelope.Parameters)
	if err != nil {
		return fmt.Sprintf("Invalid parameters for %s: %v", toolName, err)
	}

	def, ok := d.tools.Get(toolName)
	if !ok {
		return fmt.Sprintf("Unknown tool %q. Use a tool from the catalog or execute_bash.", toolName)
	}

	taskID := tasks.NewID()
	paramsLog := call.Input["parameters"]
	sess.AppendEvent(models.EventToolExec, map[string]any{
		"task_id":    taskID,
		"tool":       toolName,
		"parameters": paramsLog,
		"source":     agentSource,
	}, "")
	d.bus.Publish(sess.ID(), models.EventToolStart, map[string]any{
		"tool":       toolName,
		"task_id":    taskID,
		"parameters": paramsLog,
		"source":     agentSource,
	})

	// Credential tokens resolve only now, on the subprocess side.
	params = params.Transform(sess.Vault().DetokenizeValue)

	var argv []string
	var stdin string
	if toolName == models.ToolBash {
		cmd := params.String("command")
		if cmd == "" {
			return "No command provided"
		}
		argv = tooldefs.ShellArgv(cmd)
	} else {
		argv, stdin = tooldefs.BuildCommand(def, params)
	}

	task, errText := d.runTask(ctx, sess, executor.Request{
		TaskID:  taskID,
		Tool:    toolName,
		Argv:    argv,
		Stdin:   stdin,
		Command: tooldefs.CommandLine(toolName, argv, params.String("command")),
		Timeout: d.execTimeout,
	})
	if errText != "" {
		return errText
	}

	// The event log keeps the raw output (operator-visible); redaction is
	// applied only to what flows back to the model.
	sess.AppendEvent(models.EventToolResult, map[string]any{
		"task_id": task.ID,
		"tool":    toolName,
		"status":  string(task.Status),
		"output":  clip(task.Output, eventOutputLimit),
		"source":  agentSource,
	}, "")
	d.bus.Publish(sess.ID(), models.EventToolResult, map[string]any{
		"task_id": task.ID,
		"tool":    toolName,
		"result": map[string]any{
			"status":      string(task.Status),
			"output":      task.Output,
			"error":       task.Error,
			"return_code": task.ReturnCode,
			"parameters":  paramsLog,
		},
		"source": agentSource,
	})

	result := fmt.Sprintf("Status: %s\nOutput:\n%s\n", task.Status, redact.Output(task.Output))
	if task.Error != "" {
		result += "Errors: " + redact.Output(task.Error)
	}
	return result
}

// runBash runs one shell command synchronously.
func (d *Driver) runBash(ctx context.Context, sess *sessions.Session, call Block) string {
	command, _ := call.Input["command"].(string)
	if command == "" {
		return "No command provided"
	}

	taskID := tasks.NewID()
	sess.AppendEvent(models.EventBashExec, map[string]any{
		"task_id": taskID,
		"tool":    models.ToolBash,
		"command": command,
		"source":  agentSource,
	}, "")
	d.bus.Publish(sess.ID(), models.EventToolStart, map[string]any{
		"tool":       models.ToolBash,
		"task_id":    taskID,
		"parameters": map[string]any{"command": command},
		"source":     agentSource,
	})

	real := sess.Vault().Detokenize(command)
	task, errText := d.runTask(ctx, sess, executor.Request{
		TaskID:  taskID,
		Tool:    models.ToolBash,
		Argv:    tooldefs.ShellArgv(real),
		Command: real,
		Timeout: d.execTimeout,
	})
	if errText != "" {
		return errText
	}

	sess.AppendEvent(models.EventBashResult, map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
		"output":  clip(task.Output, eventOutputLimit),
		"source":  agentSource,
	}, "")
	d.bus.Publish(sess.ID(), models.EventToolResult, map[string]any{
		"task_id": task.ID,
		"tool":    models.ToolBash,
		"result": map[string]any{
			"status":      string(task.Status),
			"output":      task.Output,
			"error":       task.Error,
			"return_code": task.ReturnCode,
		},
		"source": agentSource,
	})

	result := fmt.Sprintf("Output:\n%s\n", redact.Output(task.Output))
	if task.Error != "" {
		result += "Errors: " + redact.Output(task.Error)
	}
	return result
}

// runTask submits a request and blocks until the task reaches a terminal
// status. The wait outlives an operator stop of autonomous mode: a
// subprocess already running is never killed for it, so its result still
// reaches the event log. Only the wait bound and server shutdown kill the
// process group; the second return value carries the result text for
// those abnormal paths.
func (d *Driver) runTask(ctx context.Context, sess *sessions.Session, req executor.Request) (models.Task, string) {
	id, err := d.exec.Submit(req)
	if err != nil {
		d.logger.Error("submitting agent task", "session_id", sess.ID(), "tool", req.Tool, "error", err)
		return models.Task{}, fmt.Sprintf("Error executing %s: %v", req.Tool, err)
	}

	waited := time.Duration(0)
	for {
		if task, ok := d.tasks.Get(id); ok && task.Status.Terminal() {
			return task, ""
		}
		if waited >= d.taskWait {
			d.exec.Cancel(id)
			d.logger.Warn("agent task wait expired", "task_id", id, "tool", req.Tool)
			return models.Task{}, fmt.Sprintf("Task %s did not finish in time and was killed", id)
		}
		select {
		case <-ctx.Done():
			d.exec.Cancel(id)
			return models.Task{}, "Execution cancelled - server shutting down"
		case <-time.After(d.pollInterval):
			waited += d.pollInterval
		}
	}
}

func (d *Driver) recordFinding(sess *sessions.Session, input map[string]any) string {
	severity, _ := input["severity"].(string)
	title, _ := input["title"].(string)
	description, _ := input["description"].(string)
	evidence, _ := input["evidence"].(string)

	finding := sess.AddFinding(severity, title, description, evidence)
	d.bus.Publish(sess.ID(), models.EventNewFinding, map[string]any{
		"finding": finding,
	})
	d.logger.Info("finding recorded",
		"session_id", sess.ID(),
		"finding_id", finding.ID,
		"severity", finding.Severity,
	)
	return fmt.Sprintf("Finding recorded: [%s] %s", strings.ToUpper(finding.Severity), finding.Title)
}

func (d *Driver) readFile(input map[string]any) string {
	path, _ := input["path"].(string)
	data, err := d.exec.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "Error reading file: not found"
		}
		return fmt.Sprintf("Error reading file: %v", err)
	}
	return string(data)
}

// addToScope requests a scope widening and blocks until the tester decides
// or the request times out. The model only ever learns the outcome.
func (d *Driver) addToScope(ctx context.Context, sess *sessions.Session, input map[string]any, cancelled func() bool) string {
	hosts := stringSlice(input["hosts"])
	reason, _ := input["reason"].(string)
	if len(hosts) == 0 {
		return "No hosts provided for scope addition"
	}

	approval := sess.CreateScopeApproval(hosts, reason)
	d.bus.Publish(sess.ID(), models.EventScopeAdditionPending, map[string]any{
		"approval_id": approval.ID,
		"hosts":       approval.Hosts,
		"reason":      approval.Reason,
	})
	d.logger.Info("scope addition requested",
		"session_id", sess.ID(),
		"approval_id", approval.ID,
		"hosts", hosts,
	)

	waited := time.Duration(0)
	for waited < d.scopeApprovalTimeout {
		if cancelled != nil && cancelled() {
			sess.RemoveScopeApproval(approval.ID)
			return "Scope addition cancelled - autonomous mode stopped"
		}
		current, ok := sess.ScopeApprovalByID(approval.ID)
		if !ok {
			return "Scope addition request was cancelled"
		}
		if current.Resolved {
			sess.RemoveScopeApproval(approval.ID)
			if current.Approved != nil && *current.Approved {
				updated := sess.AddToScope(hosts)
				d.bus.Publish(sess.ID(), models.EventScopeUpdated, map[string]any{
					"added":        hosts,
					"target_scope": updated,
					"reason":       reason,
				})
				if d.metrics != nil {
					d.metrics.RecordApproval("scope", "approved")
				}
				return fmt.Sprintf("Scope updated. Added: %s. Current scope: %s",
					strings.Join(hosts, ", "), strings.Join(updated, ", "))
			}
			if d.metrics != nil {
				d.metrics.RecordApproval("scope", "rejected")
			}
			return "Scope addition was rejected by the tester. Continue testing within the existing scope."
		}
		select {
		case <-ctx.Done():
			sess.RemoveScopeApproval(approval.ID)
			return "Scope addition cancelled - server shutting down"
		case <-time.After(d.pollInterval):
			waited += d.pollInterval
		}
	}

	sess.RemoveScopeApproval(approval.ID)
	if d.metrics != nil {
		d.metrics.RecordApproval("scope", "timeout")
	}
	return "Scope addition request timed out waiting for tester approval. Continue testing within the existing scope."
}

func stringSlice(v any) []string {
	switch typed := v.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
