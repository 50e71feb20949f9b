package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PageTask is one batch child enqueued for a render job: "render pages
// StartPage..EndPage (inclusive) of job J using this metadata," sized
// by VECTOR_BATCH_SIZE per spec.md §4.1/§6's ceil(totalPages/BatchSize)
// batching recipe. The whole range is retried as a unit on failure.
type PageTask struct {
	JobID      string `json:"jobId"`
	StartPage  int    `json:"startPage"`
	EndPage    int    `json:"endPage"`
	Attempt    int    `json:"attempt"`
	MaxAttempt int    `json:"maxAttempt"`
}

// PageCount returns the number of pages this batch covers.
func (t PageTask) PageCount() int { return t.EndPage - t.StartPage + 1 }

func pendingKey(jobID string) string { return "vector:render:pending:" + jobID }

// DecodePageTask unmarshals a dequeued payload back into a PageTask, the
// inverse of the json.Marshal calls in EnqueueBatchChildren and
// ReportChildResult's retry path.
func DecodePageTask(payload []byte) (PageTask, error) {
	var task PageTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return PageTask{}, fmt.Errorf("decode page task: %w", err)
	}
	return task, nil
}

// EnqueueBatchChildren fans a job out into ceil(totalPages/batchSize)
// PageTask batch children, each covering a contiguous page range, and
// seeds the pending-child counter the merge step watches for
// completion, per the parent/child flow design: no pack queue library
// exposes a native fan-out/fan-in primitive, so completion is tracked
// with a plain Redis counter instead, one decrement per batch rather
// than per page.
func (q *RedisQueue) EnqueueBatchChildren(ctx context.Context, jobID string, totalPages, batchSize, maxAttempt int) error {
	if batchSize <= 0 {
		batchSize = totalPages
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	numBatches := 0
	for start := 0; start < totalPages; start += batchSize {
		numBatches++
	}
	if numBatches == 0 {
		numBatches = 1
	}

	if err := q.client.Set(ctx, pendingKey(jobID), numBatches, 0).Err(); err != nil {
		return fmt.Errorf("seed pending counter: %w", err)
	}

	for start := 0; start < totalPages; start += batchSize {
		end := start + batchSize - 1
		if end >= totalPages {
			end = totalPages - 1
		}
		task := PageTask{JobID: jobID, StartPage: start, EndPage: end, Attempt: 1, MaxAttempt: maxAttempt}
		b, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshal page task: %w", err)
		}
		if err := q.Enqueue(ctx, b); err != nil {
			return fmt.Errorf("enqueue batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// ChildOutcome reports the result of one batch render attempt, driving
// retry/backoff/DLQ the way the teacher's worker loop does for AI page
// processing, and decrementing the pending-child counter on success.
type ChildOutcome struct {
	Done         bool // true when the pending counter reaches zero
	Retried      bool
	DeadLettered bool
}

// ReportChildResult records the outcome of one PageTask attempt. On
// success it decrements the job's pending counter; Done reports whether
// this was the last outstanding batch, signalling the merge step to run.
// On failure it either requeues with exponential backoff or, past
// maxAttempt, moves the task to the DLQ and still decrements the
// counter so the job does not hang forever on one bad batch; the
// caller sees DeadLettered and fails the job rather than merging
// without that batch.
func (q *RedisQueue) ReportChildResult(ctx context.Context, task PageTask, succeeded bool, failReason string, baseDelay time.Duration, backoffFactor float64) (ChildOutcome, error) {
	if succeeded {
		remaining, err := q.client.Decr(ctx, pendingKey(task.JobID)).Result()
		if err != nil {
			return ChildOutcome{}, fmt.Errorf("decrement pending counter: %w", err)
		}
		return ChildOutcome{Done: remaining <= 0}, nil
	}

	if task.Attempt >= task.MaxAttempt {
		b, _ := json.Marshal(task)
		if err := q.AddDLQ(ctx, b, failReason); err != nil {
			return ChildOutcome{}, fmt.Errorf("dead-letter batch %d-%d of job %s: %w", task.StartPage, task.EndPage, task.JobID, err)
		}
		remaining, err := q.client.Decr(ctx, pendingKey(task.JobID)).Result()
		if err != nil {
			return ChildOutcome{}, fmt.Errorf("decrement pending counter: %w", err)
		}
		return ChildOutcome{DeadLettered: true, Done: remaining <= 0}, nil
	}

	task.Attempt++
	b, err := json.Marshal(task)
	if err != nil {
		return ChildOutcome{}, fmt.Errorf("marshal retried page task: %w", err)
	}
	delay := batchBackoffDelay(baseDelay, backoffFactor, task.Attempt)
	if err := q.EnqueueDelayed(ctx, b, time.Now().Add(delay)); err != nil {
		return ChildOutcome{}, fmt.Errorf("requeue batch %d-%d of job %s: %w", task.StartPage, task.EndPage, task.JobID, err)
	}
	return ChildOutcome{Retried: true}, nil
}

// PendingChildren returns the number of PageTasks still outstanding for
// a job, for diagnostics and tests.
func (q *RedisQueue) PendingChildren(ctx context.Context, jobID string) (int64, error) {
	v, err := q.client.Get(ctx, pendingKey(jobID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func batchBackoffDelay(base time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	const max = 5 * time.Minute
	if time.Duration(d) > max {
		return max
	}
	return time.Duration(d)
}
