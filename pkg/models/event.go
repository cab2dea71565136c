package models

// Websocket event types published on a session stream. Every payload carries
// "type" and "timestamp"; the remaining fields are event-specific. tool_result
// doubles as a session event-log entry type.
const (
	EventPresenceUpdate       = "presence_update"
	EventToolStart            = "tool_start"
	EventToolResult           = "tool_result"
	EventNewFinding           = "new_finding"
	EventAutoModeChanged      = "auto_mode_changed"
	EventAutoStatus           = "auto_status"
	EventAutoStepPending      = "auto_step_pending"
	EventAutoStepDecision     = "auto_step_decision"
	EventAutoStepComplete     = "auto_step_complete"
	EventAutoPhaseChanged     = "auto_phase_changed"
	EventAutoAIReply          = "auto_ai_reply"
	EventScopeAdditionPending = "scope_addition_pending"
	EventScopeUpdated         = "scope_updated"
	EventChatMessage          = "chat_message"
)

// Session event-log entry types recorded alongside the websocket stream.
const (
	EventToolExec   = "tool_exec"
	EventBashExec   = "bash_exec"
	EventBashResult = "bash_result"
)
