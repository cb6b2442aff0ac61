package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/orchestrator/lockqueue"
)

func setupQueue() *ExecutionQueue {
	return New(lockqueue.NewMemoryBackend())
}

func TestSubmit_StartsImmediatelyWhenFree(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	exec := NewExecution("agent-1", "hello", SourceUser)
	status, got, err := q.Submit(ctx, exec, true)

	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
	assert.Equal(t, StatusRunning, got.Status)

	busy, err := q.IsBusy(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestSubmit_QueuesWhenBusy(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	_, _, err := q.Submit(ctx, NewExecution("agent-1", "first", SourceUser), true)
	require.NoError(t, err)

	status, _, err := q.Submit(ctx, NewExecution("agent-1", "second", SourceUser), true)
	require.NoError(t, err)
	assert.Equal(t, Status("queued:1"), status)
}

func TestSubmit_RejectsWhenQueueFull(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	_, _, err := q.Submit(ctx, NewExecution("agent-1", "running", SourceUser), true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := q.Submit(ctx, NewExecution("agent-1", "queued", SourceUser), true)
		require.NoError(t, err)
	}

	_, _, err = q.Submit(ctx, NewExecution("agent-1", "overflow", SourceUser), true)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindQueueFull, apiErr.Kind)
}

func TestSubmit_RejectsWithoutWaiting(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	_, _, err := q.Submit(ctx, NewExecution("agent-1", "running", SourceUser), true)
	require.NoError(t, err)

	_, _, err = q.Submit(ctx, NewExecution("agent-1", "second", SourceUser), false)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindAgentBusy, apiErr.Kind)
}

func TestComplete_PromotesNextQueuedExecution(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	_, first, err := q.Submit(ctx, NewExecution("agent-1", "first", SourceUser), true)
	require.NoError(t, err)
	_, second, err := q.Submit(ctx, NewExecution("agent-1", "second", SourceUser), true)
	require.NoError(t, err)

	next, err := q.Complete(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)
	assert.Equal(t, StatusRunning, next.Status)
	assert.NotEqual(t, first.ID, next.ID)

	status, err := q.Status(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, status.IsBusy)
	assert.Equal(t, 0, status.QueueLength)
}

func TestComplete_ClearsRunningWhenQueueEmpty(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	_, _, err := q.Submit(ctx, NewExecution("agent-1", "only", SourceUser), true)
	require.NoError(t, err)

	next, err := q.Complete(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, next)

	busy, err := q.IsBusy(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestForceRelease(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	_, _, err := q.Submit(ctx, NewExecution("agent-1", "stuck", SourceUser), true)
	require.NoError(t, err)

	released, err := q.ForceRelease(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, released)

	busy, err := q.IsBusy(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestClearQueue(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	_, _, err := q.Submit(ctx, NewExecution("agent-1", "running", SourceUser), true)
	require.NoError(t, err)
	_, _, err = q.Submit(ctx, NewExecution("agent-1", "queued-1", SourceUser), true)
	require.NoError(t, err)
	_, _, err = q.Submit(ctx, NewExecution("agent-1", "queued-2", SourceUser), true)
	require.NoError(t, err)

	cleared, err := q.ClearQueue(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)

	status, err := q.Status(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, status.IsBusy, "clearing the queue must not touch the running execution")
	assert.Equal(t, 0, status.QueueLength)
}

func TestBusyAgents(t *testing.T) {
	q := setupQueue()
	ctx := context.Background()

	_, _, err := q.Submit(ctx, NewExecution("agent-1", "x", SourceUser), true)
	require.NoError(t, err)
	_, _, err = q.Submit(ctx, NewExecution("agent-2", "y", SourceUser), true)
	require.NoError(t, err)

	busy, err := q.BusyAgents(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, busy)
}
