package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/db/dialect"
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/internal/issue/repository"
)

// toolContentLimit caps tool payloads at rest. Command output and tool
// results are the only unbounded entry contents.
const toolContentLimit = 5000

// toolBlob is the compact JSON stored alongside tool-use rows. The read path
// restores content and metadata from it when the base row was trimmed.
type toolBlob struct {
	ToolName   string                 `json:"toolName,omitempty"`
	ToolCallID string                 `json:"toolCallId,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	IsResult   bool                   `json:"isResult,omitempty"`
	ToolAction *models.ToolAction     `json:"toolAction,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Content    string                 `json:"content,omitempty"`
}

// PersistLogEntry inserts a normalized entry and returns a copy carrying the
// assigned message id and indexes. It never fails upstream: on error it logs
// and returns nil so the streaming pipeline keeps delivering. Message ids are
// ULIDs, so lexicographic order is insertion order.
func (r *Repository) PersistLogEntry(ctx context.Context, issueID, executionID string, entry *models.NormalizedEntry, entryIndex, turnIndex int, replyToMessageID string) *models.NormalizedEntry {
	persisted := *entry
	persisted.MessageID = ulid.Make().String()
	persisted.TurnIndex = turnIndex
	persisted.EntryIndex = entryIndex
	persisted.ReplyToMessageID = replyToMessageID

	metadataJSON := "{}"
	if persisted.Metadata != nil {
		data, err := json.Marshal(persisted.Metadata)
		if err != nil {
			r.logger.Warn("failed to marshal log entry metadata",
				zap.String("issueId", issueID),
				zap.String("executionId", executionID),
				zap.Error(err))
			return nil
		}
		metadataJSON = string(data)
	}

	// Tool payloads live in issue_logs_tools in full, so the base row only
	// keeps a capped copy. The returned entry is not trimmed.
	content := persisted.Content
	if persisted.EntryType == models.EntryToolUse {
		content = truncate(content, toolContentLimit)
	}

	query := r.pool.Writer().Rebind(`
		INSERT INTO issue_logs (id, issue_id, turn_index, entry_index, entry_type, content, metadata, reply_to_message_id, timestamp, visible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`)
	if _, err := r.pool.Writer().ExecContext(ctx, query,
		persisted.MessageID, issueID, turnIndex, entryIndex, string(persisted.EntryType),
		content, metadataJSON, replyToMessageID, persisted.Timestamp,
	); err != nil {
		r.logger.Warn("failed to persist log entry",
			zap.String("issueId", issueID),
			zap.String("executionId", executionID),
			zap.String("entryType", string(persisted.EntryType)),
			zap.Error(err))
		return nil
	}
	return &persisted
}

// PersistToolDetail stores the tool blob for a tool-use entry and returns the
// detail row id. Entries of any other type are ignored.
func (r *Repository) PersistToolDetail(ctx context.Context, logID, issueID string, entry *models.NormalizedEntry) (string, error) {
	if entry.EntryType != models.EntryToolUse {
		return "", nil
	}

	blob := toolBlob{
		ToolName:   entry.MetaString(models.MetaToolName),
		ToolCallID: entry.MetaString(models.MetaToolCallID),
		IsResult:   entry.MetaBool(models.MetaIsResult),
		ToolAction: entry.ToolAction,
		Metadata:   entry.Metadata,
		Content:    truncate(entry.Content, toolContentLimit),
	}
	if entry.ToolAction != nil {
		blob.Kind = string(entry.ToolAction.Kind)
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool detail: %w", err)
	}

	id := ulid.Make().String()
	query := r.pool.Writer().Rebind(`
		INSERT INTO issue_logs_tools (id, log_id, issue_id, tool_name, tool_call_id, kind, is_result, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.pool.Writer().ExecContext(ctx, query,
		id, logID, issueID, blob.ToolName, blob.ToolCallID, blob.Kind,
		dialect.BoolToInt(blob.IsResult), string(raw),
	); err != nil {
		return "", fmt.Errorf("failed to persist tool detail: %w", err)
	}
	return id, nil
}

// NextTurnIndex returns the turn index the next execution should use.
func (r *Repository) NextTurnIndex(ctx context.Context, issueID string) (int, error) {
	var next int
	query := r.pool.Reader().Rebind(`SELECT COALESCE(MAX(turn_index) + 1, 0) FROM issue_logs WHERE issue_id = ?`)
	if err := r.pool.Reader().QueryRowContext(ctx, query, issueID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to compute next turn index: %w", err)
	}
	return next, nil
}

// Logs returns visible entries for an issue in (turnIndex, entryIndex) order.
//
// Forward pages start strictly after q.Cursor. q.Before selects the rows
// immediately preceding a position; with neither set, a limited read returns
// the newest rows. Both of those query descending so LIMIT keeps the rows
// nearest the stream head, then reverse to the ascending return contract.
// Outside dev mode, tool rows are excluded at the SQL level and system
// messages are narrowed in memory to the subtypes clients render.
func (r *Repository) Logs(ctx context.Context, issueID string, devMode bool, q repository.LogQuery) ([]*models.NormalizedEntry, error) {
	conditions := []string{"l.issue_id = ?", "l.visible = 1"}
	args := []interface{}{issueID}

	if !devMode {
		conditions = append(conditions, "l.entry_type IN (?, ?, ?)")
		args = append(args,
			string(models.EntryUserMessage),
			string(models.EntryAssistantMessage),
			string(models.EntrySystemMessage))
	}

	if q.Cursor != "" {
		turn, entry, err := repository.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, "(l.turn_index > ? OR (l.turn_index = ? AND l.entry_index > ?))")
		args = append(args, turn, turn, entry)
	}
	if q.Before != "" {
		turn, entry, err := repository.DecodeCursor(q.Before)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, "(l.turn_index < ? OR (l.turn_index = ? AND l.entry_index < ?))")
		args = append(args, turn, turn, entry)
	}

	// Only cursor mode reads oldest-first. Before pages and the default
	// latest-page load both want the rows nearest the stream head, so they
	// query descending and flip back to ascending in memory.
	reverse := q.Cursor == "" || q.Before != ""
	direction := "ASC"
	if reverse {
		direction = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT l.id, l.turn_index, l.entry_index, l.entry_type, l.content, l.metadata, l.reply_to_message_id, l.timestamp, t.raw
		FROM issue_logs l
		LEFT JOIN issue_logs_tools t ON t.log_id = l.id
		WHERE %s
		ORDER BY l.turn_index %s, l.entry_index %s`,
		strings.Join(conditions, " AND "), direction, direction)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.NormalizedEntry
	for rows.Next() {
		entry, err := scanLogRow(rows)
		if err != nil {
			return nil, err
		}
		if repository.IsVisibleForMode(entry, devMode) {
			entries = append(entries, entry)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}

	if reverse {
		slices.Reverse(entries)
	}
	return entries, nil
}

func scanLogRow(rows *sql.Rows) (*models.NormalizedEntry, error) {
	var (
		entry        models.NormalizedEntry
		entryType    string
		metadataJSON string
		rawBlob      sql.NullString
	)
	if err := rows.Scan(
		&entry.MessageID, &entry.TurnIndex, &entry.EntryIndex, &entryType,
		&entry.Content, &metadataJSON, &entry.ReplyToMessageID, &entry.Timestamp,
		&rawBlob,
	); err != nil {
		return nil, fmt.Errorf("failed to scan log row: %w", err)
	}
	entry.EntryType = models.EntryType(entryType)
	if metadataJSON != "" && metadataJSON != "{}" {
		_ = json.Unmarshal([]byte(metadataJSON), &entry.Metadata)
	}
	if rawBlob.Valid && rawBlob.String != "" {
		restoreToolDetail(&entry, rawBlob.String)
	}
	return &entry, nil
}

// restoreToolDetail reattaches the tool action and, when the base row was
// trimmed or empty, its content and metadata.
func restoreToolDetail(entry *models.NormalizedEntry, raw string) {
	var blob toolBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return
	}
	entry.ToolAction = blob.ToolAction
	if entry.Content == "" && blob.Content != "" {
		entry.Content = blob.Content
	}
	if len(entry.Metadata) == 0 && len(blob.Metadata) > 0 {
		entry.Metadata = blob.Metadata
	}
}

// CloseStreamingEntries clears the streaming flag on every entry of a turn.
// It runs after a turn settles so interrupted executions do not leave entries
// that render as still in flight.
func (r *Repository) CloseStreamingEntries(ctx context.Context, issueID string, turnIndex int) (int64, error) {
	var query string
	if dialect.IsPostgres(r.pool.Driver()) {
		query = `
		UPDATE issue_logs
		SET metadata = jsonb_set(metadata::jsonb, '{streaming}', 'false')::text
		WHERE issue_id = ? AND turn_index = ?
		  AND (metadata::jsonb ->> 'streaming') = 'true'`
	} else {
		query = `
		UPDATE issue_logs
		SET metadata = json_set(metadata, '$.streaming', json('false'))
		WHERE issue_id = ? AND turn_index = ?
		  AND json_extract(metadata, '$.streaming') = 1`
	}

	result, err := r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(query), issueID, turnIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to close streaming entries for issue %s: %w", issueID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
