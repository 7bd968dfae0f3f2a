package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/events"
	"github.com/issuedeck/issuedeck/internal/issue/models"
)

// readLoop drains the child's stdout, pushes every normalized entry through
// the pipeline, and settles the execution once the child exits. It runs on
// its own goroutine and releases the issue lock when done.
func (e *Engine) readLoop(exec *execution, lock *sync.Mutex) {
	defer lock.Unlock()

	// The child outlives whatever request started it.
	ctx := context.Background()

	for raw := range exec.sp.Stdout {
		line := string(raw)
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, entry := range e.normalizeLine(exec, line) {
			ent := entry
			e.handleEntry(ctx, exec, &ent)
		}
	}

	<-exec.sp.Exited()
	e.finalize(ctx, exec)
}

// normalizeLine shields the pipeline from a panicking normalizer: the raw
// line comes through as a system message instead of killing the reader.
func (e *Engine) normalizeLine(exec *execution, line string) (entries []models.NormalizedEntry) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("normalizer panic",
				zap.String("execution_id", exec.id),
				zap.Any("panic", r))
			entries = []models.NormalizedEntry{{
				EntryType: models.EntrySystemMessage,
				Content:   line,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}}
		}
	}()
	return exec.norm.Parse(line)
}

// handleEntry runs one normalized entry through indexing, persistence, the
// ring, and event delivery.
func (e *Engine) handleEntry(ctx context.Context, exec *execution, entry *models.NormalizedEntry) {
	entry.TurnIndex = exec.turnIndex
	entry.EntryIndex = exec.entryIndex
	exec.entryIndex++

	if entry.EntryType != models.EntryUserMessage && exec.userMessageID != "" {
		entry.ReplyToMessageID = exec.userMessageID
	}

	if entry.EntryType == models.EntryErrorMessage {
		exec.sawError = true
		exec.lastErrorContent = entry.Content
	}
	if entry.ToolAction != nil {
		exec.changes.record(entry.ToolAction)
	}

	if !exec.sessionSaved {
		if sid := exec.sp.ExternalSessionID(); sid != "" {
			if err := e.repo.SetExternalSessionID(ctx, exec.issueID, sid); err != nil {
				e.logger.Warn("failed to save external session id",
					zap.String("issue_id", exec.issueID),
					zap.Error(err))
			} else {
				exec.sessionSaved = true
			}
		}
	}

	persisted := e.repo.PersistLogEntry(ctx, exec.issueID, exec.id, entry, entry.EntryIndex, exec.turnIndex, entry.ReplyToMessageID)
	final := persisted
	if final == nil {
		// Row lost; the ring copy keeps the entry visible without an id.
		final = entry
	}
	exec.ring.Append(final)

	if persisted != nil && persisted.EntryType == models.EntryToolUse {
		if _, err := e.repo.PersistToolDetail(ctx, persisted.MessageID, exec.issueID, persisted); err != nil {
			e.logger.Warn("failed to persist tool detail",
				zap.String("log_id", persisted.MessageID),
				zap.Error(err))
		}
	}

	e.publishEntry(ctx, exec.issueID, exec.id, final)

	if entry.MetaBool(models.MetaTurnCompleted) {
		exec.turnCompleted.Store(true)
		// The engine answered. Closing stdin lets the child exit instead
		// of idling for another user turn.
		if err := exec.sp.Handler.Close(); err != nil {
			e.logger.Debug("stdin close failed",
				zap.String("execution_id", exec.id),
				zap.Error(err))
		}
	}
}

// finalize settles the execution: pending messages consumed by this turn
// are marked dispatched, leftover streaming rows are closed, the terminal
// status is derived and persisted, and settle events go out. Runs exactly
// once, on the reader goroutine.
func (e *Engine) finalize(ctx context.Context, exec *execution) {
	exitCode := exec.sp.ExitCode()

	if len(exec.pendingIDs) > 0 {
		if err := e.repo.MarkDispatched(ctx, exec.pendingIDs); err != nil {
			e.logger.Warn("failed to mark pending messages dispatched",
				zap.String("issue_id", exec.issueID),
				zap.Error(err))
		}
	}

	if !exec.sessionSaved {
		if sid := exec.sp.ExternalSessionID(); sid != "" {
			if err := e.repo.SetExternalSessionID(ctx, exec.issueID, sid); err != nil {
				e.logger.Warn("failed to save external session id",
					zap.String("issue_id", exec.issueID),
					zap.Error(err))
			}
		}
	}

	if _, err := e.repo.CloseStreamingEntries(ctx, exec.issueID, exec.turnIndex); err != nil {
		e.logger.Warn("failed to close streaming entries",
			zap.String("issue_id", exec.issueID),
			zap.Error(err))
	}

	var status models.SessionStatus
	lastError := ""
	switch {
	case exec.cancelRequested.Load():
		status = models.SessionCancelled
	case exitCode == 0 && !exec.sawError:
		status = models.SessionCompleted
	default:
		status = models.SessionFailed
		lastError = exec.lastErrorContent
		if lastError == "" {
			lastError = exec.sp.Stderr.Tail()
		}
		if lastError == "" {
			lastError = fmt.Sprintf("engine exited with code %d", exitCode)
		}
	}

	if err := e.repo.UpdateSessionStatus(ctx, exec.issueID, status, lastError); err != nil {
		e.logger.Warn("failed to record terminal status",
			zap.String("issue_id", exec.issueID),
			zap.Error(err))
	}

	e.mu.Lock()
	if e.executions[exec.issueID] == exec {
		delete(e.executions, exec.issueID)
	}
	e.mu.Unlock()

	e.publishState(ctx, exec.issueID, exec.id, status, lastError)

	settled := map[string]interface{}{
		"issue_id":     exec.issueID,
		"execution_id": exec.id,
		"status":       string(status),
		"exit_code":    exitCode,
		"turn_index":   exec.turnIndex,
	}
	if lastError != "" {
		settled["last_error"] = lastError
	}
	e.publish(ctx, events.BuildIssueSettledSubject(exec.issueID), events.IssueSettled, settled)

	if !exec.changes.empty() {
		e.publish(ctx, events.BuildIssueChangesSubject(exec.issueID), events.IssueChangesSummary, map[string]interface{}{
			"issue_id":     exec.issueID,
			"execution_id": exec.id,
			"turn_index":   exec.turnIndex,
			"files_read":   exec.changes.filesRead,
			"files_edited": exec.changes.filesEdited,
			"commands":     exec.changes.commands,
		})
	}

	e.logger.Info("execution settled",
		zap.String("issue_id", exec.issueID),
		zap.String("execution_id", exec.id),
		zap.String("status", string(status)),
		zap.Int("exit_code", exitCode))

	exec.finalStatus = status
	close(exec.done)
}

// changeLog accumulates one turn's tool activity for the settlement
// summary. Only the reader goroutine touches it.
type changeLog struct {
	filesRead   []string
	filesEdited []string
	commands    []string
	seen        map[string]struct{}
}

func (c *changeLog) record(action *models.ToolAction) {
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	add := func(bucket *[]string, key, value string) {
		if value == "" {
			return
		}
		if _, dup := c.seen[key+"|"+value]; dup {
			return
		}
		c.seen[key+"|"+value] = struct{}{}
		*bucket = append(*bucket, value)
	}

	switch action.Kind {
	case models.ToolActionFileRead:
		add(&c.filesRead, "read", action.Path)
	case models.ToolActionFileEdit:
		add(&c.filesEdited, "edit", action.Path)
	case models.ToolActionCommandRun:
		add(&c.commands, "cmd", action.Command)
	}
}

func (c *changeLog) empty() bool {
	return len(c.filesRead) == 0 && len(c.filesEdited) == 0 && len(c.commands) == 0
}
