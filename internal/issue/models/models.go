// Package models defines the core issue and log-entry types shared by the
// executor, orchestrator, and repository layers.
package models

import (
	"time"
)

// EngineType identifies a coding-agent engine.
type EngineType string

const (
	// EngineClaudeCode is the Claude Code CLI driven over streaming JSON.
	EngineClaudeCode EngineType = "claude-code"
	// EngineCodex is the Codex CLI driven over its app-server JSON-RPC.
	EngineCodex EngineType = "codex"
	// EngineAmp is the Amp CLI driven in one-shot streaming JSON mode.
	EngineAmp EngineType = "amp"
)

// StatusID represents an issue's board column.
type StatusID string

const (
	StatusTodo    StatusID = "todo"
	StatusWorking StatusID = "working"
	StatusReview  StatusID = "review"
	StatusDone    StatusID = "done"
)

// SessionStatus represents the lifecycle state of an issue's engine session.
type SessionStatus string

const (
	// SessionPending - execution accepted but the engine has not produced output yet
	SessionPending SessionStatus = "pending"
	// SessionRunning - engine subprocess is active
	SessionRunning SessionStatus = "running"
	// SessionCompleted - last turn finished successfully
	SessionCompleted SessionStatus = "completed"
	// SessionFailed - last turn ended with an error
	SessionFailed SessionStatus = "failed"
	// SessionCancelled - last turn was cancelled by the user
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing until a new execution starts.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// IsActive reports whether an execution is currently owned by the issue.
func (s SessionStatus) IsActive() bool {
	return s == SessionPending || s == SessionRunning
}

// EntryType classifies a normalized log entry.
type EntryType string

const (
	EntryUserMessage      EntryType = "user-message"
	EntryAssistantMessage EntryType = "assistant-message"
	EntryToolUse          EntryType = "tool-use"
	EntrySystemMessage    EntryType = "system-message"
	EntryErrorMessage     EntryType = "error-message"
	EntryThinking         EntryType = "thinking"
	EntryLoading          EntryType = "loading"
	EntryTokenUsage       EntryType = "token-usage"
)

// Recognized metadata keys on NormalizedEntry. Metadata is free-form; these
// are the keys the pipeline itself reads or writes.
const (
	MetaToolName      = "toolName"
	MetaToolCallID    = "toolCallId"
	MetaIsResult      = "isResult"
	MetaSubtype       = "subtype"
	MetaStreaming     = "streaming"
	MetaTurnCompleted = "turnCompleted"
	MetaResultSubtype = "resultSubtype"
	MetaDuration      = "duration"
	MetaType          = "type"
	MetaDone          = "done"
	MetaSessionID     = "sessionId"
	MetaModel         = "model"
	MetaItemID        = "itemId"
	MetaExitCode      = "exitCode"
	MetaErrorKind     = "errorKind"
	MetaErrorCode     = "code"
	MetaWillRetry     = "willRetry"
)

// NormalizedEntry is the uniform unit the whole log pipeline traffics in.
// Every engine's raw output is parsed into these before buffering,
// persistence, and event delivery. Field names are the wire format consumed
// by clients.
type NormalizedEntry struct {
	// MessageID is assigned at persistence and is the sort key for log
	// merging. Empty until persisted; stays empty if persistence failed.
	MessageID        string                 `json:"messageId,omitempty"`
	ReplyToMessageID string                 `json:"replyToMessageId,omitempty"`
	EntryType        EntryType              `json:"entryType"`
	Content          string                 `json:"content"`
	TurnIndex        int                    `json:"turnIndex"`
	EntryIndex       int                    `json:"entryIndex"`
	Timestamp        string                 `json:"timestamp,omitempty"` // ISO-8601, engine-provided or wall clock
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	ToolAction       *ToolAction            `json:"toolAction,omitempty"` // present iff EntryType == tool-use
}

// MetaString returns the string value for a metadata key, or "".
func (e *NormalizedEntry) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaBool returns the boolean value for a metadata key, or false.
func (e *NormalizedEntry) MetaBool(key string) bool {
	if e.Metadata == nil {
		return false
	}
	if v, ok := e.Metadata[key].(bool); ok {
		return v
	}
	return false
}

// ToolActionKind discriminates the ToolAction variants.
type ToolActionKind string

const (
	ToolActionFileRead   ToolActionKind = "file-read"
	ToolActionFileEdit   ToolActionKind = "file-edit"
	ToolActionCommandRun ToolActionKind = "command-run"
	ToolActionSearch     ToolActionKind = "search"
	ToolActionWebFetch   ToolActionKind = "web-fetch"
	ToolActionGeneric    ToolActionKind = "tool"
	ToolActionOther      ToolActionKind = "other"
)

// CommandCategory buckets a shell command by its likely effect.
type CommandCategory string

const (
	CommandRead    CommandCategory = "read"
	CommandWrite   CommandCategory = "write"
	CommandNetwork CommandCategory = "network"
	CommandOther   CommandCategory = "other"
)

// CommandResult carries the outcome attached to a command-run action once the
// tool result arrives.
type CommandResult struct {
	ExitCode *int   `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
}

// ToolAction describes what a tool-use entry actually does, independent of
// engine-specific tool naming. Exactly the fields for its Kind are set.
type ToolAction struct {
	Kind        ToolActionKind         `json:"kind"`
	Path        string                 `json:"path,omitempty"`     // file-read, file-edit
	Command     string                 `json:"command,omitempty"`  // command-run
	Category    CommandCategory        `json:"category,omitempty"` // command-run
	Result      *CommandResult         `json:"result,omitempty"`   // command-run, after the result arrives
	Query       string                 `json:"query,omitempty"`    // search
	URL         string                 `json:"url,omitempty"`      // web-fetch
	ToolName    string                 `json:"toolName,omitempty"` // tool
	Args        map[string]interface{} `json:"args,omitempty"`     // tool
	Description string                 `json:"description,omitempty"` // other
}

// FileReadAction builds a file-read tool action.
func FileReadAction(path string) *ToolAction {
	return &ToolAction{Kind: ToolActionFileRead, Path: path}
}

// FileEditAction builds a file-edit tool action.
func FileEditAction(path string) *ToolAction {
	return &ToolAction{Kind: ToolActionFileEdit, Path: path}
}

// CommandRunAction builds a command-run tool action.
func CommandRunAction(command string, category CommandCategory) *ToolAction {
	return &ToolAction{Kind: ToolActionCommandRun, Command: command, Category: category}
}

// SearchAction builds a search tool action.
func SearchAction(query string) *ToolAction {
	return &ToolAction{Kind: ToolActionSearch, Query: query}
}

// WebFetchAction builds a web-fetch tool action.
func WebFetchAction(url string) *ToolAction {
	return &ToolAction{Kind: ToolActionWebFetch, URL: url}
}

// GenericToolAction builds a generic tool action for tools without a
// specialized rendering.
func GenericToolAction(name string, args map[string]interface{}) *ToolAction {
	return &ToolAction{Kind: ToolActionGeneric, ToolName: name, Args: args}
}

// OtherAction builds a catch-all tool action.
func OtherAction(description string) *ToolAction {
	return &ToolAction{Kind: ToolActionOther, Description: description}
}

// WriteFilterRule suppresses matching tool calls before they reach the ring
// buffer or persistence. Rules are loaded from the filter rules YAML file.
type WriteFilterRule struct {
	Type    string `json:"type" yaml:"type"` // currently only "tool-name"
	Match   string `json:"match" yaml:"match"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// FilterRuleToolName is the only rule type currently evaluated.
const FilterRuleToolName = "tool-name"

// PermissionMode is passed through to engines that support permission
// prompting granularity.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan              PermissionMode = "plan"
)

// Issue represents an issue row. Only the fields the orchestration core
// reads or writes are modeled here.
type Issue struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	StatusID          StatusID       `json:"status_id"`
	SessionStatus     SessionStatus  `json:"session_status,omitempty"` // empty until the first execution
	EngineType        EngineType     `json:"engine_type"`
	Model             string         `json:"model,omitempty"`
	Prompt            string         `json:"prompt"`
	WorkingDir        string         `json:"working_dir,omitempty"`
	ExternalSessionID string         `json:"external_session_id,omitempty"`
	DevMode           bool           `json:"dev_mode"`
	PermissionMode    PermissionMode `json:"permission_mode,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// PendingMessage is a follow-up queued while an execution was in flight.
// Rows survive restarts; they are marked dispatched only after the engine
// call that consumed them returned successfully.
type PendingMessage struct {
	ID         string    `json:"id"`
	IssueID    string    `json:"issue_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Dispatched bool      `json:"dispatched"`
}

// AuthStatus describes whether an engine binary has working credentials.
type AuthStatus string

const (
	AuthAuthenticated   AuthStatus = "authenticated"
	AuthUnauthenticated AuthStatus = "unauthenticated"
	AuthUnknown         AuthStatus = "unknown"
)

// EngineAvailability is the result of probing one engine binary.
type EngineAvailability struct {
	EngineType EngineType `json:"engine_type"`
	Installed  bool       `json:"installed"`
	Version    string     `json:"version,omitempty"`
	BinaryPath string     `json:"binary_path,omitempty"`
	AuthStatus AuthStatus `json:"auth_status"`
	Error      string     `json:"error,omitempty"`
}

// Model describes one selectable model for an engine.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// SlashCommand is a user-invocable command advertised by an engine session.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
