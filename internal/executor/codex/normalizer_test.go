package codex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

func TestParseTurnCompletedWithUsage(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"turn/completed","params":{"turn":{"id":"t1","usage":{"inputTokens":12500,"outputTokens":3400}}}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntrySystemMessage, entries[0].EntryType)
	assert.Equal(t, "12.5k input · 3.4k output", entries[0].Content)
	assert.Equal(t, true, entries[0].Metadata[models.MetaTurnCompleted])
}

func TestParseTurnCompletedWithoutUsage(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"turn/completed","params":{"turn":{"id":"t1"}}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, "Turn completed", entries[0].Content)
	assert.Equal(t, true, entries[0].Metadata[models.MetaTurnCompleted])
}

func TestParseTurnCompletedWithError(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"turn/completed","params":{"turn":{"id":"t1","status":"failed","error":{"code":-32000,"message":"model overloaded"}}}}`)

	require.Len(t, entries, 2)
	assert.Equal(t, models.EntryErrorMessage, entries[0].EntryType)
	assert.Equal(t, "model overloaded", entries[0].Content)
	assert.Equal(t, "engine-error", entries[0].Metadata[models.MetaErrorKind])
	assert.Equal(t, models.EntrySystemMessage, entries[1].EntryType)
	assert.Equal(t, true, entries[1].Metadata[models.MetaTurnCompleted])
}

func TestParseBlankLine(t *testing.T) {
	n := NewNormalizer(nil)
	assert.Nil(t, n.Parse("   \n"))
}

func TestParseNonJSONLine(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse("codex panicked somewhere")

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntrySystemMessage, entries[0].EntryType)
	assert.Equal(t, "codex panicked somewhere", entries[0].Content)
}

func TestParseResponseFrameIgnored(t *testing.T) {
	n := NewNormalizer(nil)
	assert.Nil(t, n.Parse(`{"id":3,"result":{"thread":{"id":"th_1"}}}`))
}

func TestParseUnknownMethodIgnored(t *testing.T) {
	n := NewNormalizer(nil)
	assert.Nil(t, n.Parse(`{"method":"thread/tokenCount","params":{}}`))
}

func TestParseAgentMessageDelta(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"item/agentMessage/delta","params":{"threadId":"th_1","turnId":"t1","itemId":"i1","delta":"Hel"}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryAssistantMessage, entries[0].EntryType)
	assert.Equal(t, "Hel", entries[0].Content)
	assert.Equal(t, true, entries[0].Metadata[models.MetaStreaming])
	assert.Equal(t, "i1", entries[0].Metadata[models.MetaItemID])
}

func TestParseEmptyDeltaIgnored(t *testing.T) {
	n := NewNormalizer(nil)
	assert.Nil(t, n.Parse(`{"method":"item/agentMessage/delta","params":{"itemId":"i1","delta":""}}`))
}

func TestParseCommandItemStarted(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"item/started","params":{"item":{"id":"i2","type":"commandExecution","command":"ls -la","cwd":"/tmp"}}}`)

	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, models.EntryToolUse, entry.EntryType)
	assert.Equal(t, "ls -la", entry.Content)
	assert.Equal(t, "commandExecution", entry.Metadata[models.MetaToolName])
	assert.Equal(t, "i2", entry.Metadata[models.MetaToolCallID])
	assert.Equal(t, true, entry.Metadata[models.MetaStreaming])
	require.NotNil(t, entry.ToolAction)
	assert.Equal(t, models.ToolActionCommandRun, entry.ToolAction.Kind)
	assert.Equal(t, "ls -la", entry.ToolAction.Command)
	assert.Equal(t, models.CommandRead, entry.ToolAction.Category)
}

func TestParseCommandItemCompleted(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"item/completed","params":{"item":{"id":"i2","type":"commandExecution","status":"completed","command":"ls","aggregatedOutput":"a\nb","exitCode":0,"durationMs":120}}}`)

	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, models.EntryToolUse, entry.EntryType)
	assert.Equal(t, "a\nb", entry.Content)
	assert.Equal(t, true, entry.Metadata[models.MetaIsResult])
	assert.Equal(t, 0, entry.Metadata[models.MetaExitCode])
	assert.Equal(t, int64(120), entry.Metadata[models.MetaDuration])
}

func TestParseCommandItemFailed(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"item/completed","params":{"item":{"id":"i2","type":"commandExecution","status":"failed","command":"false","aggregatedOutput":"","exitCode":1}}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryErrorMessage, entries[0].EntryType)
	assert.Equal(t, 1, entries[0].Metadata[models.MetaExitCode])
}

func TestParseFileChangeItem(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"item/started","params":{"item":{"id":"i3","type":"fileChange","changes":[{"path":"main.go","kind":{"type":"edit"}},{"path":"util.go","kind":{"type":"add"}},{"path":"doc.go","kind":{"type":"add"}}]}}}`)

	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, models.EntryToolUse, entry.EntryType)
	assert.Equal(t, "main.go (+2 more)", entry.Content)
	assert.Equal(t, "fileChange", entry.Metadata[models.MetaToolName])
	require.NotNil(t, entry.ToolAction)
	assert.Equal(t, models.ToolActionFileEdit, entry.ToolAction.Kind)
	assert.Equal(t, "main.go", entry.ToolAction.Path)
}

func TestParseAgentMessageItemCompleted(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"item/completed","params":{"item":{"id":"i1","type":"agentMessage","status":"completed","text":"Hello world"}}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryAssistantMessage, entries[0].EntryType)
	assert.Equal(t, "Hello world", entries[0].Content)
	assert.Equal(t, true, entries[0].Metadata[models.MetaDone])
}

func TestParseReasoningItemIgnored(t *testing.T) {
	n := NewNormalizer(nil)

	assert.Nil(t, n.Parse(`{"method":"item/started","params":{"item":{"id":"i4","type":"reasoning"}}}`))
	assert.Nil(t, n.Parse(`{"method":"item/completed","params":{"item":{"id":"i4","type":"reasoning","summary":"thought about it"}}}`))
}

func TestParseMCPToolCallItem(t *testing.T) {
	n := NewNormalizer(nil)

	started := n.Parse(`{"method":"item/started","params":{"item":{"id":"i5","type":"mcpToolCall","server":"github","tool":"create_issue","arguments":{"title":"bug"}}}}`)
	require.Len(t, started, 1)
	assert.Equal(t, "github/create_issue", started[0].Content)
	assert.Equal(t, "create_issue", started[0].Metadata[models.MetaToolName])
	require.NotNil(t, started[0].ToolAction)
	assert.Equal(t, models.ToolActionGeneric, started[0].ToolAction.Kind)
	assert.Equal(t, "create_issue", started[0].ToolAction.ToolName)

	completed := n.Parse(`{"method":"item/completed","params":{"item":{"id":"i5","type":"mcpToolCall","status":"completed","server":"github","tool":"create_issue","result":{"number":12}}}}`)
	require.Len(t, completed, 1)
	assert.Equal(t, models.EntryToolUse, completed[0].EntryType)
	assert.Equal(t, `{"number":12}`, completed[0].Content)
	assert.Equal(t, true, completed[0].Metadata[models.MetaIsResult])
}

func TestParseMCPToolCallError(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"item/completed","params":{"item":{"id":"i5","type":"mcpToolCall","status":"failed","tool":"create_issue","error":"permission denied"}}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryErrorMessage, entries[0].EntryType)
	assert.Equal(t, "permission denied", entries[0].Content)
}

func TestFilterSuppressesItemStartAndCompletion(t *testing.T) {
	rules := []models.WriteFilterRule{
		{Type: models.FilterRuleToolName, Match: "commandExecution", Enabled: true},
	}
	n := NewNormalizer(rules)

	started := n.Parse(`{"method":"item/started","params":{"item":{"id":"i2","type":"commandExecution","command":"ls"}}}`)
	assert.Empty(t, started)

	completed := n.Parse(`{"method":"item/completed","params":{"item":{"id":"i2","type":"commandExecution","status":"completed","aggregatedOutput":"a"}}}`)
	assert.Empty(t, completed)
	assert.Empty(t, n.filteredIDs)

	// a different item is unaffected
	other := n.Parse(`{"method":"item/started","params":{"item":{"id":"i3","type":"fileChange","changes":[{"path":"x.go","kind":{"type":"edit"}}]}}}`)
	assert.Len(t, other, 1)
}

func TestFilterMatchesMCPToolName(t *testing.T) {
	rules := []models.WriteFilterRule{
		{Type: models.FilterRuleToolName, Match: "create_issue", Enabled: true},
	}
	n := NewNormalizer(rules)

	started := n.Parse(`{"method":"item/started","params":{"item":{"id":"i5","type":"mcpToolCall","tool":"create_issue"}}}`)
	assert.Empty(t, started)

	completed := n.Parse(`{"method":"item/completed","params":{"item":{"id":"i5","type":"mcpToolCall","status":"completed","tool":"create_issue"}}}`)
	assert.Empty(t, completed)
}

func TestDisabledFilterIgnored(t *testing.T) {
	rules := []models.WriteFilterRule{
		{Type: models.FilterRuleToolName, Match: "commandExecution", Enabled: false},
	}
	n := NewNormalizer(rules)

	entries := n.Parse(`{"method":"item/started","params":{"item":{"id":"i2","type":"commandExecution","command":"ls"}}}`)
	assert.Len(t, entries, 1)
}

func TestParseTurnStarted(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"turn/started","params":{"turn":{"id":"t1","status":"inProgress"}}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntrySystemMessage, entries[0].EntryType)
	assert.Equal(t, "Turn started", entries[0].Content)
}

func TestParseThreadStarted(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"thread/started","params":{"threadId":"th_1"}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntrySystemMessage, entries[0].EntryType)
	assert.Equal(t, "Thread started", entries[0].Content)
	assert.Equal(t, "th_1", entries[0].Metadata[models.MetaSessionID])
}

func TestParseThreadStatusSystemError(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"thread/status/changed","params":{"threadId":"th_1","status":"systemError","message":"sandbox crashed"}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryErrorMessage, entries[0].EntryType)
	assert.Equal(t, "sandbox crashed", entries[0].Content)
	assert.Equal(t, "engine-error", entries[0].Metadata[models.MetaErrorKind])
}

func TestParseThreadStatusOtherIgnored(t *testing.T) {
	n := NewNormalizer(nil)
	assert.Nil(t, n.Parse(`{"method":"thread/status/changed","params":{"threadId":"th_1","status":"idle"}}`))
}

func TestParseErrorNotification(t *testing.T) {
	n := NewNormalizer(nil)

	entries := n.Parse(`{"method":"error","params":{"code":429,"message":"rate limited","willRetry":true}}`)

	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryErrorMessage, entries[0].EntryType)
	assert.Equal(t, "rate limited", entries[0].Content)
	assert.Equal(t, 429, entries[0].Metadata[models.MetaErrorCode])
	assert.Equal(t, true, entries[0].Metadata[models.MetaWillRetry])
}
