// Package appserver provides types and a client for engines exposing a
// JSON-RPC app-server over stdio. The dialect is JSON-RPC lite: JSONL
// frames that omit the "jsonrpc":"2.0" header.
package appserver

import (
	"encoding/json"
	"fmt"
)

// Request represents a JSON-RPC lite request (without jsonrpc field)
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC lite response
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Notification represents a notification frame (no id field)
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError represents a JSON-RPC error member. A non-null error member
// fails the pending call with this value.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Client → server method names
const (
	MethodInitialize   = "initialize"
	MethodInitialized  = "initialized" // Notification
	MethodNewThread    = "newThread"
	MethodResumeThread = "resumeThread"
	MethodStartTurn    = "startTurn"
	MethodInterrupt    = "interrupt"
	MethodModelList    = "model/list"
)

// Server → client notification methods
const (
	NotifyThreadStarted       = "thread/started"
	NotifyThreadStatusChanged = "thread/status/changed"
	NotifyTurnStarted         = "turn/started"
	NotifyTurnCompleted       = "turn/completed"
	NotifyItemStarted         = "item/started"
	NotifyItemCompleted       = "item/completed"
	NotifyItemAgentMsgDelta   = "item/agentMessage/delta"
	NotifyError               = "error"
)

// Server → client request methods (require a response)
const (
	RequestCommandApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
)

// Approval decisions for server-initiated approval requests
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
)

// ApprovalResponse answers a server-initiated approval request
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// InitializeParams for initialize
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// SandboxPolicy configures sandbox behavior for a thread.
// Type uses kebab-case values: "read-only", "workspace-write",
// "danger-full-access".
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// NewThreadParams for newThread
type NewThreadParams struct {
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"` // "untrusted", "on-failure", "on-request", "never"
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// ResumeThreadParams for resumeThread
type ResumeThreadParams struct {
	ThreadID       string         `json:"threadId"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// Thread represents a conversation thread on the agent side. The thread id
// is what the orchestrator stores as the external session id.
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// ThreadResult wraps the thread returned by newThread and resumeThread
type ThreadResult struct {
	Thread *Thread `json:"thread"`
}

// StartTurnParams for startTurn
type StartTurnParams struct {
	ThreadID string `json:"threadId"`
	Prompt   string `json:"prompt"`
}

// Turn represents one prompt/response cycle within a thread. startTurn
// returns it with status inProgress; the final state arrives later via the
// turn/completed notification.
type Turn struct {
	ID     string    `json:"id"`
	Status string    `json:"status,omitempty"` // "inProgress", "completed", "failed"
	Usage  *Usage    `json:"usage,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// TurnResult wraps the turn returned by startTurn
type TurnResult struct {
	Turn *Turn `json:"turn"`
}

// InterruptParams for interrupt
type InterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// Usage contains token counts for a turn
type Usage struct {
	InputTokens       int64 `json:"inputTokens"`
	OutputTokens      int64 `json:"outputTokens"`
	CachedInputTokens int64 `json:"cachedInputTokens,omitempty"`
	TotalTokens       int64 `json:"totalTokens,omitempty"`
}

// ModelListParams for model/list. An empty cursor requests the first page.
type ModelListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ModelListResult from model/list. NextCursor is empty on the last page.
type ModelListResult struct {
	Models     []Model `json:"models"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// Model describes one selectable model
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// Item types
const (
	ItemTypeUserMessage  = "userMessage"
	ItemTypeAgentMessage = "agentMessage"
	ItemTypeCommandExec  = "commandExecution"
	ItemTypeFileChange   = "fileChange"
	ItemTypeReasoning    = "reasoning"
	ItemTypeMCPToolCall  = "mcpToolCall"
)

// Item statuses
const (
	ItemStatusInProgress = "inProgress"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
)

// Item represents one unit of agent activity within a turn
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	// For agentMessage type
	Text string `json:"text,omitempty"`

	// For commandExecution type
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	DurationMs       *int   `json:"durationMs,omitempty"`

	// For fileChange type
	Changes []FileChange `json:"changes,omitempty"`

	// For reasoning type. Content arrives either as objects like
	// [{type: "text", text: "..."}] or as plain strings; FlexibleContent
	// accepts both.
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// For mcpToolCall type
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// ContentPart represents one typed chunk of item content
type ContentPart struct {
	Type string `json:"type,omitempty"` // "text", "output_text", "input_text", etc.
	Text string `json:"text,omitempty"`
}

// FlexibleContent unmarshals from either a string or []ContentPart.
type FlexibleContent []ContentPart

// UnmarshalJSON accepts both the string and array wire formats.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}

	*fc = nil
	return nil
}

// Text joins the text of all parts.
func (fc FlexibleContent) String() string {
	out := ""
	for _, p := range fc {
		if p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// FileChange represents a single file change within a fileChange item
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind represents the type of file change
type FileChangeKind struct {
	Type string `json:"type"` // "add", "modify", "delete"
}

// ThreadStartedParams for thread/started
type ThreadStartedParams struct {
	ThreadID string `json:"threadId"`
}

// Thread statuses reported by thread/status/changed
const (
	ThreadStatusSystemError = "systemError"
)

// ThreadStatusChangedParams for thread/status/changed
type ThreadStatusChangedParams struct {
	ThreadID string `json:"threadId"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// TurnStartedParams for turn/started
type TurnStartedParams struct {
	Turn *Turn `json:"turn"`
}

// TurnCompletedParams for turn/completed
type TurnCompletedParams struct {
	Turn *Turn `json:"turn"`
}

// ItemStartedParams for item/started
type ItemStartedParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed
type ItemCompletedParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta"`
}

// ErrorParams for the error notification
type ErrorParams struct {
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message"`
	WillRetry bool   `json:"willRetry,omitempty"`
}
