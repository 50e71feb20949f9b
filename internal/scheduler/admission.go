package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/vectorprint/internal/apperr"
	"github.com/local/vectorprint/internal/kvlock"
	"github.com/local/vectorprint/internal/metadata"
	"github.com/local/vectorprint/internal/metrics"
)

// Admit implements §4.1's admission recipe: acquire the per-document
// render lock, persist a PENDING PrintJob, and enqueue its batch
// children. A busy lock returns the existing holder job idempotently; a
// throttled lock is a retryable error; an unavailable cache proceeds
// without exclusivity per the spec's explicit fallback.
func (s *Scheduler) Admit(ctx context.Context, md metadata.VectorMetadata, owner string) (*metadata.PrintJob, error) {
	documentID := md.EffectiveDocumentID()
	jobID := uuid.New().String()

	mac, err := metadata.CanonicalMAC(s.Cfg.MACSecret, md)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "computing metadata MAC", err)
	}

	res, lockErr := s.Lock.Acquire(ctx, documentID, jobID, s.Cfg.LockTTL, s.Cfg.MaxActiveJobs)
	if lockErr != nil {
		log.Warn().Err(lockErr).Str("document_id", documentID).Msg("scheduler: lock acquire errored, admitting without exclusivity")
		res.Outcome = kvlock.Unavailable
	}

	switch res.Outcome {
	case kvlock.Busy:
		metrics.LockBusy()
		existing, err := s.Jobs.Get(ctx, res.Holder)
		if err != nil {
			return nil, apperr.Wrap(apperr.LockBusy, "document has an active render but its job record is unavailable", err)
		}
		return existing, nil

	case kvlock.Throttled:
		metrics.LockThrottled()
		return nil, apperr.New(apperr.LockThrottled, "render concurrency cap reached")

	case kvlock.Unavailable:
		log.Warn().Str("document_id", documentID).Msg("scheduler: KV cache unavailable, admitting without exclusivity")

	case kvlock.Acquired:
		metrics.LockAcquired()
	}

	job := &metadata.PrintJob{
		ID:         jobID,
		Owner:      owner,
		SourceRef:  md.SourcePDFKey,
		Metadata:   md,
		MAC:        mac,
		Status:     metadata.JobPending,
		TotalPages: md.Layout.TotalPages,
		Audit: []metadata.AuditEvent{
			{Timestamp: time.Now(), Event: metadata.EventJobCreated},
		},
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		s.releaseLock(ctx, documentID, jobID)
		return nil, fmt.Errorf("scheduler: persisting job: %w", err)
	}

	if err := s.Queue.EnqueueBatchChildren(ctx, jobID, md.Layout.TotalPages, s.Cfg.BatchSize, s.Cfg.BatchAttempts); err != nil {
		s.failJob(ctx, documentID, jobID, fmt.Errorf("enqueueing batch children: %w", err))
		return job, err
	}

	if err := s.Jobs.AppendAudit(ctx, jobID, metadata.AuditEvent{Timestamp: time.Now(), Event: metadata.EventJobEnqueued}); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("scheduler: failed to append JOB_ENQUEUED audit event")
	}

	metrics.IncRenderJob("admitted")
	return job, nil
}
