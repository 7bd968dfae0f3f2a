package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

// EnqueuePending stores a follow-up received while an execution was active.
func (r *Repository) EnqueuePending(ctx context.Context, issueID, content string) (*models.PendingMessage, error) {
	msg := &models.PendingMessage{
		ID:        ulid.Make().String(),
		IssueID:   issueID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	query := r.pool.Writer().Rebind(`
		INSERT INTO pending_messages (id, issue_id, content, created_at, dispatched)
		VALUES (?, ?, ?, ?, 0)`)
	if _, err := r.pool.Writer().ExecContext(ctx, query, msg.ID, msg.IssueID, msg.Content, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to enqueue pending message: %w", err)
	}
	return msg, nil
}

// ListPending returns undispatched messages in insertion order.
func (r *Repository) ListPending(ctx context.Context, issueID string) ([]*models.PendingMessage, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, issue_id, content, created_at, dispatched
		FROM pending_messages
		WHERE issue_id = ? AND dispatched = 0
		ORDER BY created_at ASC, id ASC`)
	rows, err := r.pool.Reader().QueryContext(ctx, query, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.PendingMessage
	for rows.Next() {
		msg := &models.PendingMessage{}
		var dispatched int
		if err := rows.Scan(&msg.ID, &msg.IssueID, &msg.Content, &msg.CreatedAt, &dispatched); err != nil {
			return nil, fmt.Errorf("failed to scan pending message: %w", err)
		}
		msg.Dispatched = dispatched == 1
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending messages: %w", err)
	}
	return messages, nil
}

// MarkDispatched marks the given messages consumed. Call it only after the
// engine call that delivered them returned; rows left pending are folded into
// the next execution's prompt.
func (r *Repository) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE pending_messages SET dispatched = 1 WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build dispatch update: %w", err)
	}
	if _, err := r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark messages dispatched: %w", err)
	}
	return nil
}

// CollectPending folds queued messages into a base prompt, separated by blank
// lines. It returns the effective prompt and the ids to mark dispatched once
// the engine has accepted the turn.
func (r *Repository) CollectPending(ctx context.Context, issueID, basePrompt string) (string, []string, error) {
	pending, err := r.ListPending(ctx, issueID)
	if err != nil {
		return "", nil, err
	}
	if len(pending) == 0 {
		return basePrompt, nil, nil
	}

	parts := make([]string, 0, len(pending)+1)
	if basePrompt != "" {
		parts = append(parts, basePrompt)
	}
	ids := make([]string, 0, len(pending))
	for _, msg := range pending {
		parts = append(parts, msg.Content)
		ids = append(ids, msg.ID)
	}
	return strings.Join(parts, "\n\n"), ids, nil
}
