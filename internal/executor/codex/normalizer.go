package codex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/issuedeck/issuedeck/internal/executor/shared"
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/pkg/appserver"
)

// Normalizer converts app-server notifications into normalized entries.
// It is total: any line yields zero or more entries, never an error. One
// instance serves exactly one execution.
type Normalizer struct {
	rules       []models.WriteFilterRule
	filteredIDs map[string]struct{}
}

func NewNormalizer(rules []models.WriteFilterRule) *Normalizer {
	return &Normalizer{
		rules:       rules,
		filteredIDs: make(map[string]struct{}),
	}
}

// Parse converts one raw stdout line into entries in emission order.
// Responses to our own calls carry no method and produce nothing.
func (n *Normalizer) Parse(rawLine string) []models.NormalizedEntry {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}

	var frame struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   line,
			Timestamp: entryTimestamp(),
		}}
	}
	if frame.Method == "" {
		return nil
	}

	switch frame.Method {
	case appserver.NotifyItemAgentMsgDelta:
		return n.parseDelta(frame.Params)
	case appserver.NotifyItemStarted:
		return n.parseItem(frame.Params, false)
	case appserver.NotifyItemCompleted:
		return n.parseItem(frame.Params, true)
	case appserver.NotifyTurnStarted:
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   "Turn started",
			Timestamp: entryTimestamp(),
		}}
	case appserver.NotifyTurnCompleted:
		return n.parseTurnCompleted(frame.Params)
	case appserver.NotifyThreadStarted:
		return n.parseThreadStarted(frame.Params)
	case appserver.NotifyThreadStatusChanged:
		return n.parseThreadStatus(frame.Params)
	case appserver.NotifyError:
		return n.parseError(frame.Params)
	default:
		return nil
	}
}

func (n *Normalizer) parseDelta(params json.RawMessage) []models.NormalizedEntry {
	var p appserver.AgentMessageDeltaParams
	if err := json.Unmarshal(params, &p); err != nil || p.Delta == "" {
		return nil
	}
	return []models.NormalizedEntry{{
		EntryType: models.EntryAssistantMessage,
		Content:   p.Delta,
		Timestamp: entryTimestamp(),
		Metadata: map[string]interface{}{
			models.MetaStreaming: true,
			models.MetaItemID:    p.ItemID,
		},
	}}
}

func (n *Normalizer) parseItem(params json.RawMessage, completed bool) []models.NormalizedEntry {
	var p appserver.ItemStartedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		return nil
	}
	item := p.Item

	switch item.Type {
	case appserver.ItemTypeCommandExec:
		return n.commandEntry(item, completed)
	case appserver.ItemTypeFileChange:
		return n.fileChangeEntry(item, completed)
	case appserver.ItemTypeMCPToolCall:
		return n.mcpToolEntry(item, completed)
	case appserver.ItemTypeAgentMessage:
		return n.agentMessageEntry(item, completed)
	default:
		// reasoning and userMessage items produce nothing
		return nil
	}
}

func (n *Normalizer) commandEntry(item *appserver.Item, completed bool) []models.NormalizedEntry {
	if n.suppressed(appserver.ItemTypeCommandExec, item.ID, completed) {
		return nil
	}

	entry := models.NormalizedEntry{
		EntryType: models.EntryToolUse,
		Content:   item.Command,
		Timestamp: entryTimestamp(),
		Metadata: map[string]interface{}{
			models.MetaToolName:   appserver.ItemTypeCommandExec,
			models.MetaToolCallID: item.ID,
		},
		ToolAction: models.CommandRunAction(item.Command, shared.ClassifyCommand(item.Command)),
	}
	if !completed {
		entry.Metadata[models.MetaStreaming] = true
		return []models.NormalizedEntry{entry}
	}

	entry.Metadata[models.MetaIsResult] = true
	entry.Content = item.AggregatedOutput
	if item.ExitCode != nil {
		entry.Metadata[models.MetaExitCode] = *item.ExitCode
	}
	if item.DurationMs != nil {
		entry.Metadata[models.MetaDuration] = int64(*item.DurationMs)
	}
	if item.Status == appserver.ItemStatusFailed {
		entry.EntryType = models.EntryErrorMessage
	}
	return []models.NormalizedEntry{entry}
}

func (n *Normalizer) fileChangeEntry(item *appserver.Item, completed bool) []models.NormalizedEntry {
	if n.suppressed(appserver.ItemTypeFileChange, item.ID, completed) {
		return nil
	}

	title := ""
	path := ""
	if len(item.Changes) > 0 {
		path = item.Changes[0].Path
		title = path
		if len(item.Changes) > 1 {
			title += fmt.Sprintf(" (+%d more)", len(item.Changes)-1)
		}
	}

	entry := models.NormalizedEntry{
		EntryType: models.EntryToolUse,
		Content:   title,
		Timestamp: entryTimestamp(),
		Metadata: map[string]interface{}{
			models.MetaToolName:   appserver.ItemTypeFileChange,
			models.MetaToolCallID: item.ID,
		},
		ToolAction: models.FileEditAction(path),
	}
	if !completed {
		entry.Metadata[models.MetaStreaming] = true
		return []models.NormalizedEntry{entry}
	}

	entry.Metadata[models.MetaIsResult] = true
	if item.Status == appserver.ItemStatusFailed {
		entry.EntryType = models.EntryErrorMessage
	}
	return []models.NormalizedEntry{entry}
}

func (n *Normalizer) mcpToolEntry(item *appserver.Item, completed bool) []models.NormalizedEntry {
	if n.suppressed(item.Tool, item.ID, completed) {
		return nil
	}

	title := item.Tool
	if item.Server != "" {
		title = item.Server + "/" + item.Tool
	}
	var args map[string]interface{}
	if len(item.Arguments) > 0 {
		_ = json.Unmarshal(item.Arguments, &args)
	}

	entry := models.NormalizedEntry{
		EntryType: models.EntryToolUse,
		Content:   title,
		Timestamp: entryTimestamp(),
		Metadata: map[string]interface{}{
			models.MetaToolName:   item.Tool,
			models.MetaToolCallID: item.ID,
		},
		ToolAction: models.GenericToolAction(item.Tool, args),
	}
	if !completed {
		entry.Metadata[models.MetaStreaming] = true
		return []models.NormalizedEntry{entry}
	}

	entry.Metadata[models.MetaIsResult] = true
	if item.ToolError != "" {
		entry.EntryType = models.EntryErrorMessage
		entry.Content = item.ToolError
	} else if len(item.Result) > 0 {
		entry.Content = strings.TrimSpace(string(item.Result))
	}
	return []models.NormalizedEntry{entry}
}

func (n *Normalizer) agentMessageEntry(item *appserver.Item, completed bool) []models.NormalizedEntry {
	entry := models.NormalizedEntry{
		EntryType: models.EntryAssistantMessage,
		Content:   item.Text,
		Timestamp: entryTimestamp(),
		Metadata:  map[string]interface{}{models.MetaItemID: item.ID},
	}
	if completed {
		entry.Metadata[models.MetaDone] = true
	} else {
		entry.Metadata[models.MetaStreaming] = true
	}
	return []models.NormalizedEntry{entry}
}

func (n *Normalizer) parseTurnCompleted(params json.RawMessage) []models.NormalizedEntry {
	var p appserver.TurnCompletedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}

	var entries []models.NormalizedEntry
	if p.Turn != nil && p.Turn.Error != nil {
		kind, summary := shared.SummarizeError(p.Turn.Error.Message)
		entries = append(entries, models.NormalizedEntry{
			EntryType: models.EntryErrorMessage,
			Content:   summary,
			Timestamp: entryTimestamp(),
			Metadata: map[string]interface{}{
				models.MetaErrorKind: kind,
				models.MetaErrorCode: p.Turn.Error.Code,
			},
		})
	}

	content := "Turn completed"
	if p.Turn != nil && p.Turn.Usage != nil {
		content = shared.FormatUsage(p.Turn.Usage.InputTokens, p.Turn.Usage.OutputTokens)
	}
	entries = append(entries, models.NormalizedEntry{
		EntryType: models.EntrySystemMessage,
		Content:   content,
		Timestamp: entryTimestamp(),
		Metadata:  map[string]interface{}{models.MetaTurnCompleted: true},
	})
	return entries
}

func (n *Normalizer) parseThreadStarted(params json.RawMessage) []models.NormalizedEntry {
	var p appserver.ThreadStartedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	entry := models.NormalizedEntry{
		EntryType: models.EntrySystemMessage,
		Content:   "Thread started",
		Timestamp: entryTimestamp(),
	}
	if p.ThreadID != "" {
		entry.Metadata = map[string]interface{}{models.MetaSessionID: p.ThreadID}
	}
	return []models.NormalizedEntry{entry}
}

func (n *Normalizer) parseThreadStatus(params json.RawMessage) []models.NormalizedEntry {
	var p appserver.ThreadStatusChangedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	if p.Status != appserver.ThreadStatusSystemError {
		return nil
	}
	msg := p.Message
	if msg == "" {
		msg = "system error"
	}
	kind, summary := shared.SummarizeError(msg)
	return []models.NormalizedEntry{{
		EntryType: models.EntryErrorMessage,
		Content:   summary,
		Timestamp: entryTimestamp(),
		Metadata:  map[string]interface{}{models.MetaErrorKind: kind},
	}}
}

func (n *Normalizer) parseError(params json.RawMessage) []models.NormalizedEntry {
	var p appserver.ErrorParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	kind, summary := shared.SummarizeError(p.Message)
	return []models.NormalizedEntry{{
		EntryType: models.EntryErrorMessage,
		Content:   summary,
		Timestamp: entryTimestamp(),
		Metadata: map[string]interface{}{
			models.MetaErrorKind: kind,
			models.MetaErrorCode: p.Code,
			models.MetaWillRetry: p.WillRetry,
		},
	}}
}

// suppressed applies the filter rules: a matching item is dropped at start
// and its id remembered so the completion is dropped too.
func (n *Normalizer) suppressed(name, id string, completed bool) bool {
	if completed {
		if _, ok := n.filteredIDs[id]; ok {
			delete(n.filteredIDs, id)
			return true
		}
		return false
	}
	for _, rule := range n.rules {
		if !rule.Enabled || rule.Type != models.FilterRuleToolName {
			continue
		}
		if rule.Match == name {
			if id != "" {
				n.filteredIDs[id] = struct{}{}
			}
			return true
		}
	}
	return false
}

func entryTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
