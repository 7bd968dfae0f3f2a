// Package repository defines the storage contract for issues, their
// normalized log entries, and the pending-message queue.
package repository

import (
	"context"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

// LogQuery selects a page of log entries.
type LogQuery struct {
	// Cursor returns entries strictly after this "turn:entry" position.
	Cursor string
	// Before returns entries strictly before the position. Results are
	// still ascending.
	Before string
	// Limit caps the number of rows read; 0 means no limit. Callers that
	// page a UI should overfetch, because the in-memory visibility filter
	// runs after the SQL limit.
	Limit int
}

// Repository defines the interface for issue storage operations.
type Repository interface {
	// Issue operations
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	UpdateIssue(ctx context.Context, issue *models.Issue) error
	ListIssues(ctx context.Context, projectID string) ([]*models.Issue, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, lastError string) error
	SetExternalSessionID(ctx context.Context, id, externalSessionID string) error
	SweepActiveSessions(ctx context.Context, lastError string) (int64, error)

	// Log operations
	PersistLogEntry(ctx context.Context, issueID, executionID string, entry *models.NormalizedEntry, entryIndex, turnIndex int, replyToMessageID string) *models.NormalizedEntry
	PersistToolDetail(ctx context.Context, logID, issueID string, entry *models.NormalizedEntry) (string, error)
	NextTurnIndex(ctx context.Context, issueID string) (int, error)
	Logs(ctx context.Context, issueID string, devMode bool, q LogQuery) ([]*models.NormalizedEntry, error)
	CloseStreamingEntries(ctx context.Context, issueID string, turnIndex int) (int64, error)

	// Pending-message operations
	EnqueuePending(ctx context.Context, issueID, content string) (*models.PendingMessage, error)
	ListPending(ctx context.Context, issueID string) ([]*models.PendingMessage, error)
	MarkDispatched(ctx context.Context, ids []string) error
	CollectPending(ctx context.Context, issueID, basePrompt string) (string, []string, error)
}
