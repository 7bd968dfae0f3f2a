package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/internal/issue/repository"
)

// persistEntry seeds one durable log row the way the reader would.
func (fx *engineFixture) persistEntry(t *testing.T, issueID string, turn, idx int, entryType models.EntryType, content string) *models.NormalizedEntry {
	t.Helper()
	entry := &models.NormalizedEntry{
		EntryType: entryType,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	persisted := fx.repo.PersistLogEntry(context.Background(), issueID, "exec-seed", entry, idx, turn, "")
	require.NotNil(t, persisted)
	return persisted
}

func TestGetLogsMergesRingTail(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.createIssue(t, "issue-1", "seed")

	user := fx.persistEntry(t, "issue-1", 0, 0, models.EntryUserMessage, "prompt")
	reply := fx.persistEntry(t, "issue-1", 0, 1, models.EntryAssistantMessage, "first reply")

	ring := fx.engine.ringFor("issue-1")
	ring.Append(user)
	ring.Append(reply)

	// A row committed after the page was read: present only in the ring,
	// positioned past the newest persisted row.
	live := &models.NormalizedEntry{
		MessageID:  ulid.Make().String(),
		EntryType:  models.EntryAssistantMessage,
		Content:    "second reply",
		TurnIndex:  0,
		EntryIndex: 2,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	ring.Append(live)

	// An entry whose insert failed: no message id, delivered from the ring
	// regardless of position.
	lost := &models.NormalizedEntry{
		EntryType:  models.EntryAssistantMessage,
		Content:    "reply that missed the database",
		TurnIndex:  0,
		EntryIndex: 1,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	ring.Append(lost)

	logs, err := fx.engine.GetLogs(ctx, "issue-1", false, repository.LogQuery{})
	require.NoError(t, err)
	require.Len(t, logs, 4)
	assert.Equal(t, "prompt", logs[0].Content)
	assert.Equal(t, "first reply", logs[1].Content)
	assert.Equal(t, "second reply", logs[2].Content)
	assert.Equal(t, "reply that missed the database", logs[3].Content)
	assert.Empty(t, logs[3].MessageID)

	// The ring copies of persisted rows never duplicate them.
	for _, entry := range logs[:3] {
		assert.NotEmpty(t, entry.MessageID)
	}
}

func TestGetLogsCursorMode(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.createIssue(t, "issue-1", "seed")

	fx.persistEntry(t, "issue-1", 0, 0, models.EntryUserMessage, "turn zero prompt")
	anchor := fx.persistEntry(t, "issue-1", 0, 1, models.EntryAssistantMessage, "turn zero reply")
	nextUser := fx.persistEntry(t, "issue-1", 1, 0, models.EntryUserMessage, "turn one prompt")
	nextReply := fx.persistEntry(t, "issue-1", 1, 1, models.EntryAssistantMessage, "turn one reply")

	ring := fx.engine.ringFor("issue-1")
	ring.Append(nextUser)
	ring.Append(nextReply)

	cursor := repository.EncodeCursor(anchor.TurnIndex, anchor.EntryIndex)
	logs, err := fx.engine.GetLogs(ctx, "issue-1", false, repository.LogQuery{Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "turn one prompt", logs[0].Content)
	assert.Equal(t, "turn one reply", logs[1].Content)

	// Forward pages keep the oldest rows when the limit bites.
	logs, err = fx.engine.GetLogs(ctx, "issue-1", false, repository.LogQuery{Cursor: cursor, Limit: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "turn one prompt", logs[0].Content)
}

func TestGetLogsBeforeMode(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.createIssue(t, "issue-1", "seed")

	fx.persistEntry(t, "issue-1", 0, 0, models.EntryUserMessage, "turn zero prompt")
	fx.persistEntry(t, "issue-1", 0, 1, models.EntryAssistantMessage, "turn zero reply")
	boundary := fx.persistEntry(t, "issue-1", 1, 0, models.EntryUserMessage, "turn one prompt")

	// Ring content must not leak into a purely historical page.
	fx.engine.ringFor("issue-1").Append(&models.NormalizedEntry{
		EntryType: models.EntryAssistantMessage,
		Content:   "live tail",
		TurnIndex: 1,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})

	before := repository.EncodeCursor(boundary.TurnIndex, boundary.EntryIndex)
	logs, err := fx.engine.GetLogs(ctx, "issue-1", false, repository.LogQuery{Before: before})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "turn zero prompt", logs[0].Content)
	assert.Equal(t, "turn zero reply", logs[1].Content)

	// Historical pages keep the rows nearest the position.
	logs, err = fx.engine.GetLogs(ctx, "issue-1", false, repository.LogQuery{Before: before, Limit: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "turn zero reply", logs[0].Content)
}

func TestGetLogsDefaultModeKeepsNewest(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.createIssue(t, "issue-1", "seed")

	fx.persistEntry(t, "issue-1", 0, 0, models.EntryUserMessage, "turn zero prompt")
	fx.persistEntry(t, "issue-1", 0, 1, models.EntryAssistantMessage, "turn zero reply")
	fx.persistEntry(t, "issue-1", 1, 0, models.EntryUserMessage, "turn one prompt")
	fx.persistEntry(t, "issue-1", 1, 1, models.EntryAssistantMessage, "turn one reply")

	logs, err := fx.engine.GetLogs(ctx, "issue-1", false, repository.LogQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "turn one prompt", logs[0].Content)
	assert.Equal(t, "turn one reply", logs[1].Content)
}

func TestGetLogsDevModeFilters(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.createIssue(t, "issue-1", "seed")

	fx.persistEntry(t, "issue-1", 0, 0, models.EntryUserMessage, "prompt")
	fx.persistEntry(t, "issue-1", 0, 1, models.EntryToolUse, "ls -la")
	fx.persistEntry(t, "issue-1", 0, 2, models.EntrySystemMessage, "turn completed")
	fx.persistEntry(t, "issue-1", 0, 3, models.EntryAssistantMessage, "done")

	logs, err := fx.engine.GetLogs(ctx, "issue-1", false, repository.LogQuery{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.EntryUserMessage, logs[0].EntryType)
	assert.Equal(t, models.EntryAssistantMessage, logs[1].EntryType)
	assert.False(t, fx.engine.devModeFor("issue-1"))

	logs, err = fx.engine.GetLogs(ctx, "issue-1", true, repository.LogQuery{})
	require.NoError(t, err)
	require.Len(t, logs, 4)
	assert.True(t, fx.engine.devModeFor("issue-1"))
}

func TestGetLogsOverfetchCoversHiddenRows(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.createIssue(t, "issue-1", "seed")

	// Plain system rows survive the SQL narrowing but fall to the in-memory
	// filter, so a raw LIMIT equal to the page size would starve the page.
	for i := 0; i < 3; i++ {
		fx.persistEntry(t, "issue-1", 0, i*2, models.EntryUserMessage, "visible")
		fx.persistEntry(t, "issue-1", 0, i*2+1, models.EntrySystemMessage, "hidden")
	}

	logs, err := fx.engine.GetLogs(ctx, "issue-1", false, repository.LogQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].EntryIndex)
	assert.Equal(t, 4, logs[1].EntryIndex)
}
