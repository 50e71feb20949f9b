package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/vectorprint/internal/apperr"
	"github.com/local/vectorprint/internal/blobstore"
	"github.com/local/vectorprint/internal/metadata"
	"github.com/local/vectorprint/internal/metrics"
	"github.com/local/vectorprint/internal/pdfverify"
)

// collectBatches orders a job's rendered batches by StartPage and hands
// them to the engine to merge into one artifact. Batches render
// concurrently and land in the job's activeJob.batches map in whatever
// order their workers finish, so page order has to be restored here
// rather than assumed from arrival order.
func (s *Scheduler) collectBatches(ctx context.Context, jobID string, md metadata.VectorMetadata) ([]byte, error) {
	state := s.getOrCreateJobState(jobID, md)
	state.mu.Lock()
	starts := make([]int, 0, len(state.batches))
	for start := range state.batches {
		starts = append(starts, start)
	}
	sort.Ints(starts)
	ordered := make([][]byte, 0, len(starts))
	for _, start := range starts {
		ordered = append(ordered, state.batches[start])
	}
	state.mu.Unlock()

	if len(ordered) == 0 {
		return nil, apperr.New(apperr.MissingPages, "job reported all batches done with no rendered output to merge")
	}
	return s.Engine.MergeBatches(ctx, ordered)
}

// finalizeJob runs §4.1's merge step once a job's pending-child counter
// reaches zero: assemble every batch's rendered bytes in page order,
// upload the merged artifact, presign its download URL, and mark the
// job DONE.
func (s *Scheduler) finalizeJob(ctx context.Context, jobID string) error {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("scheduler: reloading job %s for merge: %w", jobID, err)
	}
	documentID := job.Metadata.EffectiveDocumentID()

	merged, mergeErr := s.collectBatches(ctx, jobID, job.Metadata)
	if mergeErr != nil {
		s.failJob(ctx, documentID, jobID, mergeErr)
		return mergeErr
	}

	if job.TotalPages > 0 {
		if n, verifyErr := pdfverify.PageCount(merged); verifyErr != nil {
			log.Warn().Err(verifyErr).Str("job_id", jobID).Msg("scheduler: page count verification unavailable, proceeding without it")
		} else if n != job.TotalPages {
			err := apperr.New(apperr.MissingPages, fmt.Sprintf("merged artifact has %d pages, expected %d", n, job.TotalPages))
			s.failJob(ctx, documentID, jobID, err)
			return err
		}
	}

	mergeStart := time.Now()
	mergeCtx := ctx
	if s.Cfg.MergeMaxMs > 0 {
		var cancel context.CancelFunc
		mergeCtx, cancel = context.WithTimeout(ctx, s.Cfg.MergeMaxMs)
		defer cancel()
	}

	if err := s.Jobs.SetProgress(ctx, jobID, 80); err != nil {
		logProgressWarn(jobID, err)
	}

	key := blobstore.OutputKey(jobID)
	if err := s.Blobs.Put(mergeCtx, key, merged, "application/pdf"); err != nil {
		werr := fmt.Errorf("uploading final artifact: %w", err)
		s.failJob(ctx, documentID, jobID, werr)
		return werr
	}
	if err := s.Jobs.SetProgress(ctx, jobID, 95); err != nil {
		logProgressWarn(jobID, err)
	}

	if mergeCtx.Err() != nil {
		err := apperr.New(apperr.TimeBudgetExceeded, "merge step exceeded its configured deadline")
		s.failJob(ctx, documentID, jobID, err)
		return err
	}

	expiresAt := time.Now().Add(s.Cfg.FinalPDFTTL)
	url, err := s.Blobs.PresignGet(ctx, key, s.Cfg.FinalPDFTTL)
	if err != nil {
		werr := fmt.Errorf("presigning final artifact: %w", err)
		s.failJob(ctx, documentID, jobID, werr)
		return werr
	}

	if err := s.Quota.Consume(ctx, documentID, job.Owner, jobID); err != nil {
		s.failJob(ctx, documentID, jobID, err)
		return err
	}

	if err := s.Jobs.SetDone(ctx, jobID, metadata.JobOutput{Key: key, URL: url, ExpiresAt: &expiresAt}); err != nil {
		return fmt.Errorf("scheduler: finalizing job %s as done: %w", jobID, err)
	}

	mergeSeconds := time.Since(mergeStart).Seconds()
	metrics.ObserveMergeDuration(mergeSeconds)
	_ = s.Jobs.AppendAudit(ctx, jobID, metadata.AuditEvent{Timestamp: time.Now(), Event: metadata.EventJobDone})
	_ = s.Jobs.AppendAudit(ctx, jobID, metadata.AuditEvent{
		Timestamp: time.Now(),
		Event:     metadata.EventMergeTime,
		Details:   map[string]interface{}{"seconds": mergeSeconds},
	})

	s.releaseLock(ctx, documentID, jobID)
	s.dropJobState(jobID)
	metrics.IncRenderJob("done")
	return nil
}

func logProgressWarn(jobID string, err error) {
	log.Warn().Err(err).Str("job_id", jobID).Msg("scheduler: failed to update progress")
}
