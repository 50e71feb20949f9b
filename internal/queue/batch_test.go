package queue

import (
	"context"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *mr.Miniredis) {
	t.Helper()
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	return &RedisQueue{
		client:     client,
		Stream:     "render:tasks",
		DelayedKey: "render:tasks:delayed",
		DLQStream:  "render:tasks:dlq",
	}, m
}

func TestEnqueueBatchChildrenSeedsPendingCounter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueBatchChildren(ctx, "job1", 3, 1, 3))

	n, err := q.PendingChildren(ctx, "job1")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestEnqueueBatchChildrenGroupsPagesIntoRanges(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueBatchChildren(ctx, "job1", 10, 4, 3))

	n, err := q.PendingChildren(ctx, "job1")
	require.NoError(t, err)
	require.EqualValues(t, 3, n) // ceil(10/4) = 3 batches: [0-3] [4-7] [8-9]

	xlen, _, _, err := q.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, xlen)
}

func TestReportChildResultSignalsDoneOnLastSuccess(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatchChildren(ctx, "job1", 2, 1, 3))

	task := PageTask{JobID: "job1", StartPage: 0, EndPage: 0, Attempt: 1, MaxAttempt: 3}
	outcome, err := q.ReportChildResult(ctx, task, true, "", time.Millisecond, 2)
	require.NoError(t, err)
	require.False(t, outcome.Done)

	task.StartPage, task.EndPage = 1, 1
	outcome, err = q.ReportChildResult(ctx, task, true, "", time.Millisecond, 2)
	require.NoError(t, err)
	require.True(t, outcome.Done)
}

func TestReportChildResultRetriesBeforeMaxAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatchChildren(ctx, "job1", 1, 1, 3))

	task := PageTask{JobID: "job1", StartPage: 0, EndPage: 0, Attempt: 1, MaxAttempt: 3}
	outcome, err := q.ReportChildResult(ctx, task, false, "render error", time.Millisecond, 2)
	require.NoError(t, err)
	require.True(t, outcome.Retried)
	require.False(t, outcome.Done)

	n, err := q.PendingChildren(ctx, "job1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n) // unchanged until the page finally resolves
}

func TestReportChildResultDeadLettersAtMaxAttemptAndDecrements(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatchChildren(ctx, "job1", 1, 1, 2))

	task := PageTask{JobID: "job1", StartPage: 0, EndPage: 0, Attempt: 2, MaxAttempt: 2}
	outcome, err := q.ReportChildResult(ctx, task, false, "render error", time.Millisecond, 2)
	require.NoError(t, err)
	require.True(t, outcome.DeadLettered)
	require.True(t, outcome.Done)

	n, err := q.PendingChildren(ctx, "job1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	_, _, dlqLen, err := q.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, dlqLen)
}

func TestPendingChildrenIsZeroWhenUnseeded(t *testing.T) {
	q, _ := newTestQueue(t)
	n, err := q.PendingChildren(context.Background(), "unknown-job")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
