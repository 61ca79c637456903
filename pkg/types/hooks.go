package types

import (
	"encoding/json"
)

// Hook event kinds emitted by the Claude Code lifecycle hooks
const (
	EventSessionStart      = "SessionStart"
	EventSessionEnd        = "SessionEnd"
	EventUserPromptSubmit  = "UserPromptSubmit"
	EventPreToolUse        = "PreToolUse"
	EventPostToolUse       = "PostToolUse"
	EventPermissionRequest = "PermissionRequest"
	EventNotification      = "Notification"
	EventStop              = "Stop"
	EventSubagentStop      = "SubagentStop"
	EventPreCompact        = "PreCompact"
)

// Permission decisions written back to the hook process
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// HookEvent is one JSON object written by a hook invocation over the
// Unix socket. Only session_id, cwd, event and status are always present.
type HookEvent struct {
	SessionID        string                 `json:"session_id"`
	CWD              string                 `json:"cwd"`
	Event            string                 `json:"event"`
	Status           string                 `json:"status"`
	PID              int                    `json:"pid,omitempty"`
	TTY              string                 `json:"tty,omitempty"`
	Tool             string                 `json:"tool,omitempty"`
	ToolInput        map[string]interface{} `json:"tool_input,omitempty"`
	ToolUseID        string                 `json:"tool_use_id,omitempty"`
	NotificationType string                 `json:"notification_type,omitempty"`
	Message          string                 `json:"message,omitempty"`
}

// DecodeHookEvent decodes a single hook event from raw bytes.
func DecodeHookEvent(data []byte) (HookEvent, error) {
	var ev HookEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return HookEvent{}, err
	}
	return ev, nil
}

// RequiresDecision reports whether the server must hold the connection
// open until a human decision is delivered.
func (e HookEvent) RequiresDecision() bool {
	return e.Event == EventPermissionRequest
}

// WithToolUseID returns a copy of the event with the tool-use id injected.
// Used when the id was resolved through the correlation cache rather than
// carried on the event itself.
func (e HookEvent) WithToolUseID(id string) HookEvent {
	e.ToolUseID = id
	return e
}

// PermissionResponse is the single JSON object written back on a held
// permission connection.
type PermissionResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}
