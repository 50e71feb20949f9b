package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/vectorprint/internal/apperr"
	"github.com/local/vectorprint/internal/metadata"
	"github.com/local/vectorprint/internal/metrics"
	"github.com/local/vectorprint/internal/queue"
)

// progressFor maps a completed page index onto the 10-80 band of
// overall job progress: 0-10 is admission/enqueue, 10-80 is page
// rendering, 80-100 is the merge step (see merge.go).
func progressFor(pageIndex, totalPages int) int {
	if totalPages <= 0 {
		return 10
	}
	return 10 + int(70*float64(pageIndex+1)/float64(totalPages))
}

// ProcessPageTask executes one dequeued PageTask, a batch covering
// StartPage..EndPage. Every job's source is resolved and cropped once
// (see prepareSource) and shared across its batches, but rendering the
// page range itself is NOT shared: each batch worker calls
// RenderPageRange independently, so concurrently-dequeued batches for
// the same job render in parallel instead of serializing behind one
// another.
func (s *Scheduler) ProcessPageTask(ctx context.Context, task queue.PageTask) error {
	job, err := s.Jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("scheduler: loading job %s: %w", task.JobID, err)
	}

	if job.Status == metadata.JobExpired {
		_, err := s.Queue.ReportChildResult(ctx, task, true, "", s.Cfg.BatchBackoffBase, s.Cfg.BackoffFactor)
		return err
	}
	if job.Status == metadata.JobFailed || job.Status == metadata.JobDone {
		// A sibling batch already drove this job to a terminal state;
		// ack this one without touching progress/audit/pending again.
		_, err := s.Queue.ReportChildResult(ctx, task, true, "", s.Cfg.BatchBackoffBase, s.Cfg.BackoffFactor)
		return err
	}

	if job.Status == metadata.JobPending {
		if err := s.Jobs.SetRunning(ctx, task.JobID); err != nil {
			log.Warn().Err(err).Str("job_id", task.JobID).Msg("scheduler: failed to transition job to RUNNING")
		}
	}

	ok, err := metadata.VerifyMAC(s.Cfg.MACSecret, job.Metadata, job.MAC)
	if err != nil || !ok {
		cause := apperr.New(apperr.MACMismatch, "stored job metadata failed MAC verification")
		s.failJob(ctx, job.Metadata.EffectiveDocumentID(), task.JobID, cause)
		return cause
	}

	source, err := s.prepareSource(ctx, task.JobID, job.Metadata)
	if err != nil {
		// Resolving/cropping the source is a one-time, job-fatal step:
		// if it fails there is nothing for any batch to render, so the
		// whole job fails immediately instead of retrying this batch
		// against a source that will never materialize.
		s.failJob(ctx, job.Metadata.EffectiveDocumentID(), task.JobID, err)
		return err
	}

	start := time.Now()
	data, renderErr := source.RenderPageRange(ctx, task.StartPage, task.EndPage)
	metrics.ObservePageDuration(time.Since(start).Seconds())

	if renderErr != nil {
		return s.reportBatchFailure(ctx, job, task, renderErr)
	}

	s.storeBatch(task.JobID, task.StartPage, data)

	if err := s.Jobs.AppendAudit(ctx, task.JobID, metadata.AuditEvent{
		Timestamp: time.Now(),
		Event:     metadata.EventPageRendered,
		Details:   map[string]interface{}{"startPage": task.StartPage, "endPage": task.EndPage},
	}); err != nil {
		log.Warn().Err(err).Str("job_id", task.JobID).Msg("scheduler: failed to append PAGE_RENDERED audit event")
	}
	if err := s.Jobs.SetProgress(ctx, task.JobID, progressFor(task.EndPage, job.TotalPages)); err != nil {
		log.Warn().Err(err).Str("job_id", task.JobID).Msg("scheduler: failed to update progress")
	}

	outcome, err := s.Queue.ReportChildResult(ctx, task, true, "", s.Cfg.BatchBackoffBase, s.Cfg.BackoffFactor)
	if err != nil {
		return fmt.Errorf("scheduler: reporting batch %d-%d of job %s done: %w", task.StartPage, task.EndPage, task.JobID, err)
	}
	metrics.IncBatchAttempt("success")

	if outcome.Done {
		return s.finalizeJob(ctx, task.JobID)
	}
	return nil
}

func (s *Scheduler) reportBatchFailure(ctx context.Context, job *metadata.PrintJob, task queue.PageTask, renderErr error) error {
	outcome, err := s.Queue.ReportChildResult(ctx, task, false, renderErr.Error(), s.Cfg.BatchBackoffBase, s.Cfg.BackoffFactor)
	if err != nil {
		return fmt.Errorf("scheduler: reporting batch %d-%d failure of job %s: %w", task.StartPage, task.EndPage, task.JobID, err)
	}
	if outcome.Retried {
		metrics.IncBatchAttempt("retry")
		return nil
	}
	metrics.IncBatchAttempt("dlq")
	s.failJob(ctx, job.Metadata.EffectiveDocumentID(), task.JobID, fmt.Errorf("batch %d-%d exhausted its retry budget: %w", task.StartPage, task.EndPage, renderErr))
	return renderErr
}

// prepareSource resolves and crops a job's source exactly once no
// matter how many batch workers call it concurrently. The first caller
// to arrive runs PrepareSource and, once it has written source/sourceErr,
// closes ready itself; every other caller only ever reads those two
// fields after ready is closed, so there is no shared mutable result for
// a second goroutine to race against or clear out from under the first.
func (s *Scheduler) prepareSource(ctx context.Context, jobID string, md metadata.VectorMetadata) (RenderSource, error) {
	state := s.getOrCreateJobState(jobID, md)

	state.mu.Lock()
	if !state.preparing {
		state.preparing = true
		state.mu.Unlock()

		source, err := s.Engine.PrepareSource(ctx, md)

		state.mu.Lock()
		state.source, state.sourceErr = source, err
		close(state.ready)
	}
	ready := state.ready
	state.mu.Unlock()

	<-ready

	state.mu.Lock()
	source, err := state.source, state.sourceErr
	state.mu.Unlock()
	return source, err
}

// storeBatch records one batch's rendered bytes under its start page so
// finalizeJob can reassemble them in page order once every batch for the
// job has reported success.
func (s *Scheduler) storeBatch(jobID string, startPage int, data []byte) {
	state := s.getOrCreateJobState(jobID, metadata.VectorMetadata{})
	state.mu.Lock()
	state.batches[startPage] = data
	state.mu.Unlock()
}
