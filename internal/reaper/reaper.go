// Package reaper implements the periodic job sweep: expiring running jobs
// whose output has outlived its TTL, expiring running jobs that stalled
// without ever producing output, expiring done jobs whose output has
// expired, and archiving long-dead failures.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/vectorprint/internal/metadata"
	"github.com/local/vectorprint/internal/metrics"
)

// JobStore is the subset of metastore.JobRepo the reaper queries and
// mutates. Scoped to an interface so the four sweeps can be unit tested
// against an in-memory fake, the same way internal/scheduler tests its
// JobStore dependency.
type JobStore interface {
	FindRunningWithExpiredOutput(ctx context.Context, now time.Time) ([]*metadata.PrintJob, error)
	FindRunningStale(ctx context.Context, staleBefore time.Time) ([]*metadata.PrintJob, error)
	FindDoneWithExpiredOutput(ctx context.Context, now time.Time) ([]*metadata.PrintJob, error)
	FindFailedOlderThan(ctx context.Context, cutoff time.Time) ([]*metadata.PrintJob, error)
	Expire(ctx context.Context, id string) error
	ExpireAndClearOutput(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, id string, ev metadata.AuditEvent) error
}

// BlobDeleter is the subset of blobstore.Store the reaper needs to
// reclaim expired output artifacts. The prefix allowlist that guards
// what keys are actually deletable lives in the blob store itself.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Config holds the VECTOR_*/JOB_*/PRINT_* knobs that govern sweep
// cadence and the staleness/archive thresholds.
type Config struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	ArchiveAfter time.Duration
}

// Reaper runs the four independent sweeps of §4.4 on a ticker.
type Reaper struct {
	Jobs  JobStore
	Blobs BlobDeleter
	Cfg   Config
}

// New builds a Reaper.
func New(jobs JobStore, blobs BlobDeleter, cfg Config) *Reaper {
	return &Reaper{Jobs: jobs, Blobs: blobs, Cfg: cfg}
}

// Run blocks, sweeping on Cfg.Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("reaper: started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper: stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs all four queries once, in order. Each sweep is independent
// and reentrant: running Sweep twice back-to-back leaves the same
// terminal state, since every record update is idempotent and a record
// that no longer matches a sweep's filter is simply not returned by it
// the second time.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()
	r.sweepRunningExpiredOutput(ctx, now)
	r.sweepRunningStale(ctx, now)
	r.sweepDoneExpiredOutput(ctx, now)
	r.sweepFailedArchive(ctx, now)
}

// sweepRunningExpiredOutput handles running jobs whose materialized
// output has outlived output.expiresAt: the blob is reclaimed and the
// job is moved straight to EXPIRED with its output cleared.
func (r *Reaper) sweepRunningExpiredOutput(ctx context.Context, now time.Time) {
	jobs, err := r.Jobs.FindRunningWithExpiredOutput(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("reaper: querying running jobs with expired output")
		return
	}
	n := 0
	for _, job := range jobs {
		r.deleteOutputBlob(ctx, job)
		if err := r.Jobs.ExpireAndClearOutput(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("reaper: failed to expire running job with expired output")
			continue
		}
		r.audit(ctx, job.ID, metadata.EventRunningJobExpiredOutputDeleted)
		n++
	}
	metrics.IncReaperSweep("running_expired_output", n)
}

// sweepRunningStale handles running jobs that never produced output and
// have not been touched in StaleAfter: a worker most likely died
// mid-job, so the job is declared EXPIRED with no blob action.
func (r *Reaper) sweepRunningStale(ctx context.Context, now time.Time) {
	staleAfter := r.Cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	jobs, err := r.Jobs.FindRunningStale(ctx, now.Add(-staleAfter))
	if err != nil {
		log.Warn().Err(err).Msg("reaper: querying stale running jobs")
		return
	}
	n := 0
	for _, job := range jobs {
		if err := r.Jobs.Expire(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("reaper: failed to expire stale running job")
			continue
		}
		n++
	}
	metrics.IncReaperSweep("running_stale", n)
}

// sweepDoneExpiredOutput handles done jobs whose output has outlived its
// TTL: same blob-reclaim-then-expire treatment as the running case.
func (r *Reaper) sweepDoneExpiredOutput(ctx context.Context, now time.Time) {
	jobs, err := r.Jobs.FindDoneWithExpiredOutput(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("reaper: querying done jobs with expired output")
		return
	}
	n := 0
	for _, job := range jobs {
		r.deleteOutputBlob(ctx, job)
		if err := r.Jobs.ExpireAndClearOutput(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("reaper: failed to expire done job with expired output")
			continue
		}
		n++
	}
	metrics.IncReaperSweep("done_expired_output", n)
}

// sweepFailedArchive moves failures older than ArchiveAfter to EXPIRED,
// out of the set of jobs admission/status endpoints need to reason
// about as live failures.
func (r *Reaper) sweepFailedArchive(ctx context.Context, now time.Time) {
	archiveAfter := r.Cfg.ArchiveAfter
	if archiveAfter <= 0 {
		archiveAfter = 7 * 24 * time.Hour
	}
	jobs, err := r.Jobs.FindFailedOlderThan(ctx, now.Add(-archiveAfter))
	if err != nil {
		log.Warn().Err(err).Msg("reaper: querying archivable failed jobs")
		return
	}
	n := 0
	for _, job := range jobs {
		if err := r.Jobs.Expire(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("reaper: failed to archive failed job")
			continue
		}
		n++
	}
	metrics.IncReaperSweep("failed_archive", n)
}

// deleteOutputBlob reclaims a job's output artifact. Failures are
// swallowed: the key-prefix allowlist in the blob store already bounds
// the blast radius of a bad key. A blob left behind on a delete error
// is not retried: the job is still EXPIRED with its output pointer
// cleared, so no later sweep finds that key again.
func (r *Reaper) deleteOutputBlob(ctx context.Context, job *metadata.PrintJob) {
	if job.Output == nil || job.Output.Key == "" {
		return
	}
	if err := r.Blobs.Delete(ctx, job.Output.Key); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Str("key", job.Output.Key).Msg("reaper: failed to delete output blob")
	}
}

func (r *Reaper) audit(ctx context.Context, jobID, event string) {
	if err := r.Jobs.AppendAudit(ctx, jobID, metadata.AuditEvent{Timestamp: time.Now(), Event: event}); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("reaper: failed to append audit event")
	}
}
