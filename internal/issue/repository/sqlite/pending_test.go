package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAndListPending(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.EnqueuePending(ctx, "issue-1", "also update the docs")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.False(t, first.Dispatched)

	second, err := repo.EnqueuePending(ctx, "issue-1", "and bump the version")
	require.NoError(t, err)

	_, err = repo.EnqueuePending(ctx, "issue-other", "unrelated")
	require.NoError(t, err)

	pending, err := repo.ListPending(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.Equal(t, "also update the docs", pending[0].Content)
	assert.Equal(t, "and bump the version", pending[1].Content)
}

func TestMarkDispatched(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.EnqueuePending(ctx, "issue-1", "one")
	require.NoError(t, err)
	second, err := repo.EnqueuePending(ctx, "issue-1", "two")
	require.NoError(t, err)

	require.NoError(t, repo.MarkDispatched(ctx, []string{first.ID}))

	pending, err := repo.ListPending(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	// Empty id sets are a no-op.
	require.NoError(t, repo.MarkDispatched(ctx, nil))
}

func TestCollectPending(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.EnqueuePending(ctx, "issue-1", "first follow-up")
	require.NoError(t, err)
	second, err := repo.EnqueuePending(ctx, "issue-1", "second follow-up")
	require.NoError(t, err)

	effective, ids, err := repo.CollectPending(ctx, "issue-1", "base prompt")
	require.NoError(t, err)
	assert.Equal(t, "base prompt\n\nfirst follow-up\n\nsecond follow-up", effective)
	assert.Equal(t, []string{first.ID, second.ID}, ids)
}

func TestCollectPendingEmptyQueue(t *testing.T) {
	repo := newTestRepository(t)

	effective, ids, err := repo.CollectPending(context.Background(), "issue-1", "base prompt")
	require.NoError(t, err)
	assert.Equal(t, "base prompt", effective)
	assert.Empty(t, ids)
}

func TestCollectPendingWithoutBasePrompt(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.EnqueuePending(ctx, "issue-1", "only message")
	require.NoError(t, err)

	effective, ids, err := repo.CollectPending(ctx, "issue-1", "")
	require.NoError(t, err)
	assert.Equal(t, "only message", effective)
	assert.Len(t, ids, 1)
}

func TestDispatchedMessagesStayDurable(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	msg, err := repo.EnqueuePending(ctx, "issue-1", "keep me")
	require.NoError(t, err)
	require.NoError(t, repo.MarkDispatched(ctx, []string{msg.ID}))

	// The row survives with the dispatched flag set; only the queue view
	// excludes it.
	var dispatched int
	err = repo.pool.Reader().QueryRowContext(ctx,
		repo.pool.Reader().Rebind(`SELECT dispatched FROM pending_messages WHERE id = ?`),
		msg.ID).Scan(&dispatched)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}
