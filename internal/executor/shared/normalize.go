package shared

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/pkg/streamjson"
)

const (
	localCommandStdoutOpen  = "<local-command-stdout>"
	localCommandStdoutClose = "</local-command-stdout>"
)

// StreamNormalizer converts streaming-JSON engine output into normalized
// entries. It is total: any line yields zero or more entries, never an
// error. One instance serves exactly one execution; the filtered tool call
// ids are owned by the single reader loop feeding it.
type StreamNormalizer struct {
	rules       []models.WriteFilterRule
	filteredIDs map[string]struct{}
}

func NewStreamNormalizer(rules []models.WriteFilterRule) *StreamNormalizer {
	return &StreamNormalizer{
		rules:       rules,
		filteredIDs: make(map[string]struct{}),
	}
}

// Parse converts one raw stdout line into entries in emission order.
func (n *StreamNormalizer) Parse(rawLine string) []models.NormalizedEntry {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}

	var frame streamjson.Frame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		// Diagnostics output from the engine; keep it visible
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   line,
			Timestamp: entryTimestamp(),
		}}
	}

	switch frame.Type {
	case streamjson.MessageTypeSystem:
		return n.parseSystem(&frame)
	case streamjson.MessageTypeAssistant:
		return n.parseAssistant(&frame)
	case streamjson.MessageTypeUser:
		return n.parseUser(&frame)
	case streamjson.MessageTypeResult:
		return n.parseResult(&frame)
	case "error":
		kind, summary := SummarizeError(frame.ResultString())
		if summary == "" {
			kind, summary = SummarizeError(line)
		}
		return []models.NormalizedEntry{{
			EntryType: models.EntryErrorMessage,
			Content:   summary,
			Timestamp: entryTimestamp(),
			Metadata:  map[string]interface{}{models.MetaErrorKind: kind},
		}}
	default:
		return nil
	}
}

func (n *StreamNormalizer) parseSystem(frame *streamjson.Frame) []models.NormalizedEntry {
	entry := models.NormalizedEntry{
		EntryType: models.EntrySystemMessage,
		Timestamp: entryTimestamp(),
		Metadata:  map[string]interface{}{},
	}
	if frame.Subtype != "" {
		entry.Metadata[models.MetaSubtype] = frame.Subtype
	}

	switch frame.Subtype {
	case streamjson.SubtypeInit:
		entry.Content = "Session started"
		if frame.SessionID != "" {
			entry.Metadata[models.MetaSessionID] = frame.SessionID
		}
		if frame.Model != "" {
			entry.Metadata[models.MetaModel] = frame.Model
		}
	case streamjson.SubtypeCompactBoundary:
		entry.Content = "Context compacted"
	case streamjson.SubtypeHookResponse:
		entry.Content = "Hook response"
	default:
		entry.Content = frame.Subtype
	}
	return []models.NormalizedEntry{entry}
}

func (n *StreamNormalizer) parseAssistant(frame *streamjson.Frame) []models.NormalizedEntry {
	msg := frame.Message
	if msg == nil {
		return nil
	}

	blocks := msg.ContentBlocks()
	if blocks == nil {
		if s, ok := msg.ContentString(); ok && strings.TrimSpace(s) != "" {
			return []models.NormalizedEntry{{
				EntryType: models.EntryAssistantMessage,
				Content:   s,
				Timestamp: entryTimestamp(),
			}}
		}
		return nil
	}

	var entries []models.NormalizedEntry
	var textParts []string
	flushText := func() {
		if len(textParts) == 0 {
			return
		}
		entries = append(entries, models.NormalizedEntry{
			EntryType: models.EntryAssistantMessage,
			Content:   strings.Join(textParts, "\n"),
			Timestamp: entryTimestamp(),
		})
		textParts = nil
	}

	for i := range blocks {
		block := &blocks[i]
		switch block.Type {
		case "text":
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		case "thinking":
			flushText()
			if block.Thinking != "" {
				entries = append(entries, models.NormalizedEntry{
					EntryType: models.EntryThinking,
					Content:   block.Thinking,
					Timestamp: entryTimestamp(),
				})
			}
		case "tool_use":
			flushText()
			if n.filterToolUse(block.Name, block.ID) {
				continue
			}
			entries = append(entries, models.NormalizedEntry{
				EntryType: models.EntryToolUse,
				Content:   block.Name,
				Timestamp: entryTimestamp(),
				Metadata: map[string]interface{}{
					models.MetaToolName:   block.Name,
					models.MetaToolCallID: block.ID,
				},
				ToolAction: ClassifyToolAction(block.Name, block.Input),
			})
		}
	}
	flushText()
	return entries
}

func (n *StreamNormalizer) parseUser(frame *streamjson.Frame) []models.NormalizedEntry {
	msg := frame.Message
	if msg == nil {
		return nil
	}

	if s, ok := msg.ContentString(); ok {
		if stdout, found := stripLocalCommandStdout(s); found {
			return []models.NormalizedEntry{{
				EntryType: models.EntrySystemMessage,
				Content:   stdout,
				Timestamp: entryTimestamp(),
				Metadata:  map[string]interface{}{models.MetaSubtype: "command_output"},
			}}
		}
		// Replayed user turns; the orchestrator already recorded them
		return nil
	}

	var entries []models.NormalizedEntry
	for _, block := range msg.ContentBlocks() {
		if block.Type != "tool_result" {
			continue
		}
		if n.consumeFilteredResult(block.ToolUseID) {
			continue
		}
		entryType := models.EntryToolUse
		if block.IsError {
			entryType = models.EntryErrorMessage
		}
		entries = append(entries, models.NormalizedEntry{
			EntryType: entryType,
			Content:   block.ResultText(),
			Timestamp: entryTimestamp(),
			Metadata: map[string]interface{}{
				models.MetaToolCallID: block.ToolUseID,
				models.MetaIsResult:   true,
			},
		})
	}
	return entries
}

func (n *StreamNormalizer) parseResult(frame *streamjson.Frame) []models.NormalizedEntry {
	var parts []string
	if frame.DurationMS > 0 {
		parts = append(parts, FormatDurationMS(frame.DurationMS))
	}
	if frame.Usage != nil {
		parts = append(parts, FormatUsage(frame.Usage.InputTokens, frame.Usage.OutputTokens))
	}
	if frame.TotalCostUSD > 0 {
		parts = append(parts, FormatCost(frame.TotalCostUSD))
	}
	summary := strings.Join(parts, " · ")
	if summary == "" {
		summary = "Turn completed"
	}

	metadata := map[string]interface{}{
		models.MetaTurnCompleted: true,
	}
	if frame.Subtype != "" {
		metadata[models.MetaResultSubtype] = frame.Subtype
	}
	if frame.DurationMS > 0 {
		metadata[models.MetaDuration] = frame.DurationMS
	}

	success := !frame.IsError && (frame.Subtype == "" || frame.Subtype == "success")
	if success {
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   summary,
			Timestamp: entryTimestamp(),
			Metadata:  metadata,
		}}
	}

	raw := ""
	if len(frame.Errors) > 0 {
		raw = frame.Errors[0]
	}
	if raw == "" {
		raw = frame.ResultString()
	}
	if raw == "" {
		raw = summary
	}
	kind, errSummary := SummarizeError(raw)
	metadata[models.MetaErrorKind] = kind
	return []models.NormalizedEntry{{
		EntryType: models.EntryErrorMessage,
		Content:   errSummary,
		Timestamp: entryTimestamp(),
		Metadata:  metadata,
	}}
}

// filterToolUse reports whether a tool call is suppressed by the filter
// rules, recording its id so the matching result is suppressed too.
func (n *StreamNormalizer) filterToolUse(toolName, toolUseID string) bool {
	for _, rule := range n.rules {
		if !rule.Enabled || rule.Type != models.FilterRuleToolName {
			continue
		}
		if rule.Match == toolName {
			if toolUseID != "" {
				n.filteredIDs[toolUseID] = struct{}{}
			}
			return true
		}
	}
	return false
}

// consumeFilteredResult reports whether a tool result belongs to a
// suppressed call. The id is removed once its result has been seen.
func (n *StreamNormalizer) consumeFilteredResult(toolUseID string) bool {
	if _, ok := n.filteredIDs[toolUseID]; !ok {
		return false
	}
	delete(n.filteredIDs, toolUseID)
	return true
}

func stripLocalCommandStdout(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, localCommandStdoutOpen) {
		return "", false
	}
	trimmed = strings.TrimPrefix(trimmed, localCommandStdoutOpen)
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), localCommandStdoutClose)
	return strings.TrimSpace(trimmed), true
}

func entryTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
