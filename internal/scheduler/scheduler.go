// Package scheduler implements the render job scheduler: admission
// through a per-document lock, fan-out into per-page batch children, a
// merge step that assembles the final artifact, and failure handling
// that always releases the lock.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/local/vectorprint/internal/kvlock"
	"github.com/local/vectorprint/internal/metadata"
	"github.com/local/vectorprint/internal/metrics"
	"github.com/local/vectorprint/internal/queue"
	"github.com/rs/zerolog/log"
)

// Config holds the VECTOR_* knobs from spec.md §6 that govern admission
// and batch behavior.
type Config struct {
	LockTTL          time.Duration
	MaxActiveJobs    int
	BatchSize        int
	BatchAttempts    int
	BatchBackoffBase time.Duration
	BackoffFactor    float64
	MergeMaxMs       time.Duration
	FinalPDFTTL      time.Duration
	MACSecret        []byte
}

// JobStore is the subset of metastore.JobRepo the scheduler drives a
// job's lifecycle through. Scoped to an interface, rather than the
// concrete Mongo-backed repo, so the admission/fan-out/merge/failure
// logic can be unit tested against an in-memory fake the way
// internal/quota already tests its store dependency.
type JobStore interface {
	Create(ctx context.Context, job *metadata.PrintJob) error
	Get(ctx context.Context, id string) (*metadata.PrintJob, error)
	AppendAudit(ctx context.Context, id string, ev metadata.AuditEvent) error
	SetProgress(ctx context.Context, id string, progress int) error
	SetRunning(ctx context.Context, id string) error
	SetDone(ctx context.Context, id string, output metadata.JobOutput) error
	SetFailed(ctx context.Context, id string, jobErr metadata.JobError) error
}

// RenderSource is a resolved, cropped document ready to render arbitrary
// page ranges from, per spec.md §4.3's "resolve once, render many"
// shape: the expensive source-fetch-and-crop step runs once per job, and
// each batch worker calls RenderPageRange independently and concurrently
// against the same prepared source.
type RenderSource interface {
	RenderPageRange(ctx context.Context, startPage, endPage int) ([]byte, error)
	Close() error
}

// Renderer is the layout engine's entry point: prepare a job's source
// once, then merge the page-range batches every worker rendered from it
// into the final artifact.
type Renderer interface {
	PrepareSource(ctx context.Context, md metadata.VectorMetadata) (RenderSource, error)
	MergeBatches(ctx context.Context, batches [][]byte) ([]byte, error)
}

// BlobPutter is the subset of blobstore.Store the scheduler needs to
// upload and link a finished artifact.
type BlobPutter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// QuotaConsumer is the quota engine's entry point. The merge step
// consumes one print against (documentID, owner) only once the final
// artifact is materialized, per spec.md's "admit, render, merge,
// consume" ordering — a job that fails before merge never touches the
// quota.
type QuotaConsumer interface {
	Consume(ctx context.Context, documentID, userID, requestID string) error
}

// Scheduler wires the render lock, durable job store, queue, layout
// engine, blob store and quota engine into the fan-out/fan-in pipeline
// of §4.1.
type Scheduler struct {
	Lock   *kvlock.Lock
	Jobs   JobStore
	Queue  *queue.RedisQueue
	Engine Renderer
	Blobs  BlobPutter
	Quota  QuotaConsumer
	Cfg    Config

	mu       sync.Mutex
	jobState map[string]*activeJob
}

// activeJob holds the per-job state shared by every batch worker
// processing that job's PageTasks within this process. The source
// resolve+crop step (§4.3 step 4) is shared once per job — re-resolving
// it per batch would buy nothing — but rendering itself is NOT shared:
// each PageTask's page range is rendered independently by whichever
// worker goroutine picked it up, so batches for one job render
// concurrently. The first goroutine to reach prepareSource runs
// PrepareSource and closes ready, unblocking every other goroutine
// waiting on the same job's source; ready is closed exactly once by
// that single goroutine, so there is no shared mutable error for a
// second goroutine to race against.
//
// This is a single-process design: a job's batches must all land on
// this binary's worker goroutines for the in-memory source and batch
// map to be visible to every one of them. Horizontal scaling across
// multiple cmd/renderd replicas is out of scope here.
type activeJob struct {
	mu        sync.Mutex
	md        metadata.VectorMetadata
	preparing bool
	ready     chan struct{}
	source    RenderSource
	sourceErr error
	batches   map[int][]byte // keyed by StartPage
}

// New builds a Scheduler.
func New(lock *kvlock.Lock, jobs JobStore, q *queue.RedisQueue, engine Renderer, blobs BlobPutter, quota QuotaConsumer, cfg Config) *Scheduler {
	return &Scheduler{
		Lock:     lock,
		Jobs:     jobs,
		Queue:    q,
		Engine:   engine,
		Blobs:    blobs,
		Quota:    quota,
		Cfg:      cfg,
		jobState: make(map[string]*activeJob),
	}
}

func (s *Scheduler) releaseLock(ctx context.Context, documentID, jobID string) {
	if err := s.Lock.Release(ctx, documentID, jobID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("scheduler: lock release failed")
	} else {
		metrics.LockReleased()
	}
}

func (s *Scheduler) getOrCreateJobState(jobID string, md metadata.VectorMetadata) *activeJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobState[jobID]; ok {
		return j
	}
	j := &activeJob{md: md, ready: make(chan struct{}), batches: make(map[int][]byte)}
	s.jobState[jobID] = j
	return j
}

func (s *Scheduler) dropJobState(jobID string) {
	s.mu.Lock()
	j, ok := s.jobState[jobID]
	delete(s.jobState, jobID)
	s.mu.Unlock()
	if ok && j.source != nil {
		if err := j.source.Close(); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("scheduler: failed to close render source")
		}
	}
}

// failJob marks a job FAILED, appends the audit event, releases its
// render lock and drops any in-flight per-job state. Lock release is
// unconditional: per spec.md §7 a release failure is swallowed here so
// an abandoned lock is left for the reaper to reclaim rather than
// blocking the failure path.
func (s *Scheduler) failJob(ctx context.Context, documentID, jobID string, cause error) {
	if job, err := s.Jobs.Get(ctx, jobID); err == nil && job.Status == metadata.JobFailed {
		// Another batch for this job already drove it to FAILED; do not
		// double up SetFailed/audit/lock-release/metrics.
		return
	}
	if err := s.Jobs.SetFailed(ctx, jobID, metadata.JobError{Message: cause.Error()}); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("scheduler: failed to mark job FAILED")
	}
	if err := s.Jobs.AppendAudit(ctx, jobID, metadata.AuditEvent{
		Timestamp: time.Now(),
		Event:     metadata.EventJobFailed,
		Details:   map[string]interface{}{"reason": cause.Error()},
	}); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("scheduler: failed to append JOB_FAILED audit event")
	}
	s.releaseLock(ctx, documentID, jobID)
	s.dropJobState(jobID)
	metrics.IncRenderJob("failed")
}
