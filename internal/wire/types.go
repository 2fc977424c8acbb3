// Package wire defines the data types exchanged between the daemon and its
// clients, and the records persisted to disk. It has no behavior of its own.
package wire

import "encoding/json"

// SessionID identifies a session. Treated as a filesystem path component,
// so it must be filesystem-safe.
type SessionID string

// ToolDef is a tool a skill exposes to the model.
type ToolDef struct {
	Name        string          `json:"name"                  yaml:"name"`
	Description string          `json:"description"           yaml:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"  yaml:"parameters,omitempty"`

	// Exec is a literal shell command template, not interpolated with
	// arguments. Arguments reach the process via RUSTER_TOOL_ARGS. A tool
	// with no Exec is a declarative capability the runtime never executes.
	Exec string `json:"exec,omitempty" yaml:"exec,omitempty"`
}

// Skill is a loaded SKILL.md bundle. Immutable once loaded.
type Skill struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Body        string    `json:"body"`
	Tools       []ToolDef `json:"tools,omitempty"`
	RootDir     string    `json:"root_dir"`
	Location    string    `json:"location"`
	Digest      string    `json:"digest"`

	// Embedding is the cached vector of "{name}\n{description}".
	Embedding []float32 `json:"-"`
}

// Role identifies the speaker of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCallRequest is a structured tool invocation emitted by the model
// inside an assistant Turn.
type ToolCallRequest struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Turn is one message in a session's ordered history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// SkillsSnapshot is set only on user turns: the active-skills set at
	// the moment the turn was recorded.
	SkillsSnapshot []string `json:"skills_snapshot,omitempty"`

	// ToolCalls is set only on assistant turns that requested tool calls.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// CallID/ToolName are set only on tool-role turns.
	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	// Error carries a tool_exec_failed / tool_timeout / upstream_stream_error
	// message when a turn represents a failure rather than real content.
	Error string `json:"error,omitempty"`
}

// ToolCallRecord is the on-disk record of one tool execution, keyed by its
// call id (a generated UUID when the model supplied none).
type ToolCallRecord struct {
	CallID      string          `json:"call_id"`
	Tool        string          `json:"tool"`
	Arguments   json.RawMessage `json:"arguments_json,omitempty"`
	StdoutPath  string          `json:"stdout_path"`
	StderrPath  string          `json:"stderr_path"`
	ExitCode    int             `json:"exit_code"`
	StartedAt   string          `json:"started_at"`
	EndedAt     string          `json:"ended_at"`
	TimedOut    bool            `json:"timed_out,omitempty"`
}

// SessionMeta is the small, frequently-rewritten piece of session state
// that is not itself part of history: model choice, active/banned skills.
// Persisted under <session dir>/meta.json.
type SessionMeta struct {
	SessionID    SessionID `json:"session_id"`
	Model        string    `json:"model"`
	ActiveSkills []string  `json:"active_skills"`
	BannedSkills []string  `json:"banned_skills"`
}

// Event is an outbound message pushed to subscribed connections.
type Event struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`

	// response
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`

	// skill_used / skill_warning
	Skill string `json:"skill,omitempty"`

	// tool_call
	ToolName       string `json:"tool_name,omitempty"`
	CallID         string `json:"call_id,omitempty"`
	ResultPreview  string `json:"result_preview,omitempty"`

	// created / deleted
	Model string `json:"model,omitempty"`

	// sessions
	Items any `json:"items,omitempty"`

	// error
	Reason string `json:"reason,omitempty"`

	// warning field on conflict responses
	Warning string `json:"warning,omitempty"`
}

// SessionListItem is one entry of a session.list reply.
type SessionListItem struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// HistoryItem is one entry of a session.history reply.
type HistoryItem struct {
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	SkillsSnapshot []string          `json:"skills_snapshot,omitempty"`
	ToolCalls      []ToolCallRequest `json:"tool_calls,omitempty"`
	CallID         string            `json:"call_id,omitempty"`
	ToolName       string            `json:"tool_name,omitempty"`
	Error          string            `json:"error,omitempty"`
}
