// Package streamjson implements the streaming-JSON stdio protocol spoken by
// Claude-style coding agents: one JSON object per line on stdout, user
// messages and control frames on stdin, and in-band control requests that the
// host must answer.
package streamjson

import "encoding/json"

// Frame types on the stdout stream
const (
	// MessageTypeSystem carries session info (init, compact_boundary, hook_response)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser echoes user turns and carries tool_result blocks
	MessageTypeUser = "user"
	// MessageTypeResult is the final frame of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is an in-band request the host must answer
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse answers a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes
const (
	// SubtypeCanUseTool asks permission to run a tool
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback invokes a registered hook
	SubtypeHookCallback = "hook_callback"
	// SubtypeInterrupt aborts the current turn (host to engine)
	SubtypeInterrupt = "interrupt"
)

// System frame subtypes
const (
	SubtypeInit            = "init"
	SubtypeCompactBoundary = "compact_boundary"
	SubtypeHookResponse    = "hook_response"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Frame represents one line of the stream. The type field determines which
// of the remaining fields are populated. Raw always holds the original line.
type Frame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For control_request frames
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For system frames
	SessionID     string   `json:"session_id,omitempty"`
	Model         string   `json:"model,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`

	// For assistant and user frames
	Message         *MessageBody `json:"message,omitempty"`
	ParentToolUseID string       `json:"parent_tool_use_id,omitempty"`

	// For result frames. Result can be a string or an object.
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	Errors        []string        `json:"errors,omitempty"`

	// Raw holds the original line for downstream parsing
	Raw json.RawMessage `json:"-"`
}

// ResultString returns the result field when it is a plain string.
func (f *Frame) ResultString() string {
	if len(f.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err != nil {
		return ""
	}
	return s
}

// MessageBody is the message payload of assistant and user frames. Content
// can be a plain string or an array of content blocks.
type MessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// ContentBlocks parses the content field as a block array. Returns nil when
// the content is a plain string or absent.
func (m *MessageBody) ContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentString parses the content field as a plain string.
func (m *MessageBody) ContentString() (string, bool) {
	if len(m.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// ContentBlock represents one block inside an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content can be a string or nested text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result content field to plain text, joining
// nested text blocks with newlines.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var nested []ContentBlock
	if err := json.Unmarshal(b.Content, &nested); err != nil {
		return ""
	}
	out := ""
	for _, n := range nested {
		if n.Type == "text" && n.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += n.Text
		}
	}
	return out
}

// Usage contains token counts reported by the engine.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ControlRequest is the body of a control_request frame from the engine.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`
}

// ControlResponseMessage is the stdin frame answering a control request.
type ControlResponseMessage struct {
	Type     string           `json:"type"` // "control_response"
	Response *ControlResponse `json:"response"`
}

// ControlResponse carries the request id it answers plus either a success
// payload or an error string.
type ControlResponse struct {
	Subtype   string `json:"subtype"` // "success" or "error"
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PermissionAllowResult is the success payload for can_use_tool requests.
// UpdatedInput is always serialized, as an empty object when the request
// carried no input.
type PermissionAllowResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput"`
}

// HookCallbackResult is the success payload for hook_callback requests.
type HookCallbackResult struct {
	HookSpecificOutput HookSpecificOutput `json:"hookSpecificOutput"`
}

// HookSpecificOutput approves the pre-tool-use hook.
type HookSpecificOutput struct {
	HookEventName      string `json:"hookEventName"`
	PermissionDecision string `json:"permissionDecision"`
}

// OutgoingControlRequest is a control frame sent from host to engine,
// currently only used for interrupts.
type OutgoingControlRequest struct {
	Type      string                     `json:"type"` // "control_request"
	RequestID string                     `json:"request_id"`
	Request   OutgoingControlRequestBody `json:"request"`
}

// OutgoingControlRequestBody identifies the requested operation.
type OutgoingControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// UserMessage is the stdin frame carrying a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Tool names used by streaming-JSON engines
const (
	ToolBash         = "Bash"
	ToolRead         = "Read"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookEdit = "NotebookEdit"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolTodoWrite    = "TodoWrite"
)
