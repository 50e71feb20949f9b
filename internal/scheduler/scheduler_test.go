package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/local/vectorprint/internal/apperr"
	"github.com/local/vectorprint/internal/kvlock"
	"github.com/local/vectorprint/internal/metadata"
	"github.com/local/vectorprint/internal/queue"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*metadata.PrintJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*metadata.PrintJob)}
}

func (f *fakeJobStore) Create(ctx context.Context, job *metadata.PrintJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobStore) Get(ctx context.Context, id string) (*metadata.PrintJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) AppendAudit(ctx context.Context, id string, ev metadata.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	job.Audit = append(job.Audit, ev)
	return nil
}

func (f *fakeJobStore) SetProgress(ctx context.Context, id string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	job.Progress = progress
	return nil
}

func (f *fakeJobStore) SetRunning(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	job.Status = metadata.JobRunning
	return nil
}

func (f *fakeJobStore) SetDone(ctx context.Context, id string, output metadata.JobOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	job.Status = metadata.JobDone
	job.Progress = 100
	job.Output = &output
	return nil
}

func (f *fakeJobStore) SetFailed(ctx context.Context, id string, jobErr metadata.JobError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	job.Status = metadata.JobFailed
	job.Error = &jobErr
	return nil
}

// fakeRenderer is the test double for Renderer/RenderSource. PrepareSource
// is called once per job no matter how many batches race on it (the
// behavior under test for the comment-#3 fix); each batch then calls
// RenderPageRange independently on the fakeSource it gets back.
type fakeRenderer struct {
	mu           sync.Mutex
	prepareCalls int
	renderCalls  int
	mergeCalls   int

	prepareErr error
	renderErr  error
	data       []byte
	delay      time.Duration
}

func (f *fakeRenderer) PrepareSource(ctx context.Context, md metadata.VectorMetadata) (RenderSource, error) {
	f.mu.Lock()
	f.prepareCalls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return &fakeSource{renderer: f}, nil
}

func (f *fakeRenderer) MergeBatches(ctx context.Context, batches [][]byte) ([]byte, error) {
	f.mu.Lock()
	f.mergeCalls++
	f.mu.Unlock()
	merged := make([]byte, 0, len(f.data))
	for _, b := range batches {
		merged = append(merged, b...)
	}
	return merged, nil
}

func (f *fakeRenderer) prepareCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepareCalls
}

func (f *fakeRenderer) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renderCalls
}

type fakeSource struct {
	renderer *fakeRenderer
}

func (s *fakeSource) RenderPageRange(ctx context.Context, startPage, endPage int) ([]byte, error) {
	s.renderer.mu.Lock()
	s.renderer.renderCalls++
	err := s.renderer.renderErr
	data := s.renderer.data
	s.renderer.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeBlobs struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{puts: make(map[string][]byte)} }

func (f *fakeBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = data
	return nil
}

func (f *fakeBlobs) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

type fakeQuota struct {
	mu       sync.Mutex
	consumed []string
	err      error
}

func (f *fakeQuota) Consume(ctx context.Context, documentID, userID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.consumed = append(f.consumed, documentID+"|"+userID+"|"+requestID)
	return nil
}

func newTestScheduler(t *testing.T, engine Renderer) (*Scheduler, *fakeJobStore, *fakeBlobs, *mr.Miniredis) {
	t.Helper()
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	lock := kvlock.New(client)

	q := queue.NewBound(client, "render:tasks")

	jobs := newFakeJobStore()
	blobs := newFakeBlobs()

	cfg := Config{
		LockTTL: 10 * time.Second,
		MaxActiveJobs: 0,
		// One page per batch by default, matching the granularity the
		// pre-batching tests exercised; tests of real multi-page batch
		// grouping override this explicitly.
		BatchSize:        1,
		BatchAttempts:    3,
		BatchBackoffBase: time.Millisecond,
		BackoffFactor:    2,
		MergeMaxMs:       0,
		FinalPDFTTL:      time.Hour,
		MACSecret:        []byte("test-secret"),
	}

	s := New(lock, jobs, q, engine, blobs, &fakeQuota{}, cfg)
	return s, jobs, blobs, m
}

func testMetadata(totalPages int) metadata.VectorMetadata {
	return metadata.VectorMetadata{
		SourcePDFKey: "documents/source/doc1.pdf",
		DocumentID:   "doc1",
		TicketCrop:   metadata.TicketCrop{WidthRatio: 1, HeightRatio: 1},
		Layout:       metadata.Layout{PageSize: "A4", TotalPages: totalPages, RepeatPerPage: 1},
	}
}

func TestAdmitCreatesJobAndEnqueuesChildren(t *testing.T) {
	s, jobs, _, _ := newTestScheduler(t, &fakeRenderer{data: []byte("%PDF-1.4\n")})
	ctx := context.Background()

	job, err := s.Admit(ctx, testMetadata(3), "owner1")
	require.NoError(t, err)
	require.Equal(t, metadata.JobPending, job.Status)

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.TotalPages)
	require.Len(t, stored.Audit, 2) // JOB_CREATED, JOB_ENQUEUED

	n, err := s.Queue.PendingChildren(ctx, job.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, n) // BatchSize=1 in the test config: one batch per page
}

func TestAdmitGroupsPagesIntoBatchesOfConfiguredSize(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, &fakeRenderer{data: []byte("%PDF-1.4\n")})
	s.Cfg.BatchSize = 4
	ctx := context.Background()

	job, err := s.Admit(ctx, testMetadata(10), "owner1")
	require.NoError(t, err)

	n, err := s.Queue.PendingChildren(ctx, job.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, n) // ceil(10/4) = 3 batch children, not 10 per-page tasks
}

func TestAdmitReturnsExistingJobWhenLockBusy(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, &fakeRenderer{data: []byte("%PDF-1.4\n")})
	ctx := context.Background()
	md := testMetadata(2)

	first, err := s.Admit(ctx, md, "owner1")
	require.NoError(t, err)

	second, err := s.Admit(ctx, md, "owner2")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestAdmitThrottlesWhenOverMaxActiveJobs(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, &fakeRenderer{data: []byte("%PDF-1.4\n")})
	s.Cfg.MaxActiveJobs = 1
	ctx := context.Background()

	md1 := testMetadata(1)
	md1.DocumentID = "doc-a"
	_, err := s.Admit(ctx, md1, "owner1")
	require.NoError(t, err)

	md2 := testMetadata(1)
	md2.DocumentID = "doc-b"
	_, err = s.Admit(ctx, md2, "owner2")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.LockThrottled))
}

func TestProcessPageTaskPreparesSourceOnceAndFinalizesOnLastPage(t *testing.T) {
	renderer := &fakeRenderer{data: []byte("final")}
	s, jobs, blobs, _ := newTestScheduler(t, renderer)
	ctx := context.Background()
	md := testMetadata(2)

	job, err := s.Admit(ctx, md, "owner1")
	require.NoError(t, err)

	require.NoError(t, s.ProcessPageTask(ctx, queue.PageTask{JobID: job.ID, StartPage: 0, EndPage: 0, Attempt: 1, MaxAttempt: 3}))
	require.NoError(t, s.ProcessPageTask(ctx, queue.PageTask{JobID: job.ID, StartPage: 1, EndPage: 1, Attempt: 1, MaxAttempt: 3}))

	require.Equal(t, 1, renderer.prepareCount()) // source resolved/cropped exactly once
	require.Equal(t, 2, renderer.renderCount())  // but each batch rendered independently

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.JobDone, stored.Status)
	require.Equal(t, 100, stored.Progress)
	require.NotNil(t, stored.Output)
	require.Equal(t, "documents/final/"+job.ID+".pdf", stored.Output.Key)

	require.Equal(t, []byte("finalfinal"), blobs.puts[stored.Output.Key])
}

func TestProcessPageTaskConcurrentBatchesDoNotCorruptPendingOrAudit(t *testing.T) {
	renderer := &fakeRenderer{data: []byte("p"), delay: 10 * time.Millisecond}
	s, jobs, _, _ := newTestScheduler(t, renderer)
	s.Cfg.BatchSize = 1
	ctx := context.Background()
	md := testMetadata(4)

	job, err := s.Admit(ctx, md, "owner1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.ProcessPageTask(ctx, queue.PageTask{JobID: job.ID, StartPage: i, EndPage: i, Attempt: 1, MaxAttempt: 3}))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, renderer.prepareCount()) // still exactly one PrepareSource despite the race
	require.Equal(t, 4, renderer.renderCount())

	final, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.JobDone, final.Status)

	rendered := 0
	for _, ev := range final.Audit {
		if ev.Event == metadata.EventPageRendered {
			rendered++
		}
	}
	require.Equal(t, 4, rendered) // one audit event per batch, no spurious duplicates from the race

	n, err := s.Queue.PendingChildren(ctx, job.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestProcessPageTaskFailsJobOnMACMismatch(t *testing.T) {
	s, jobs, _, _ := newTestScheduler(t, &fakeRenderer{data: []byte("%PDF-1.4\n")})
	ctx := context.Background()
	md := testMetadata(1)

	job, err := s.Admit(ctx, md, "owner1")
	require.NoError(t, err)

	// Corrupt the stored MAC as if the metadata were tampered with after admission.
	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	stored.MAC = "not-a-real-mac"
	jobs.jobs[job.ID] = stored

	err = s.ProcessPageTask(ctx, queue.PageTask{JobID: job.ID, StartPage: 0, EndPage: 0, Attempt: 1, MaxAttempt: 3})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.MACMismatch))

	final, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.JobFailed, final.Status)
}

func TestProcessPageTaskRetriesOnRenderErrorBeforeMaxAttempt(t *testing.T) {
	renderer := &fakeRenderer{renderErr: errors.New("boom")}
	s, jobs, _, _ := newTestScheduler(t, renderer)
	ctx := context.Background()
	md := testMetadata(1)

	job, err := s.Admit(ctx, md, "owner1")
	require.NoError(t, err)

	task := queue.PageTask{JobID: job.ID, StartPage: 0, EndPage: 0, Attempt: 1, MaxAttempt: 2}
	err = s.ProcessPageTask(ctx, task)
	require.NoError(t, err) // first failure just requeues, not surfaced as an error

	final, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.JobRunning, final.Status) // not failed yet, still retrying
}

func TestProcessPageTaskSkipsRenderForExpiredJob(t *testing.T) {
	renderer := &fakeRenderer{data: []byte("%PDF-1.4\n")}
	s, jobs, _, _ := newTestScheduler(t, renderer)
	ctx := context.Background()
	md := testMetadata(1)

	job, err := s.Admit(ctx, md, "owner1")
	require.NoError(t, err)

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	stored.Status = metadata.JobExpired
	jobs.jobs[job.ID] = stored

	err = s.ProcessPageTask(ctx, queue.PageTask{JobID: job.ID, StartPage: 0, EndPage: 0, Attempt: 1, MaxAttempt: 3})
	require.NoError(t, err)
	require.Equal(t, 0, renderer.prepareCount())
}

func TestProcessPageTaskConsumesQuotaOnlyAfterMerge(t *testing.T) {
	renderer := &fakeRenderer{data: []byte("%PDF-1.4\n")}
	s, jobs, _, _ := newTestScheduler(t, renderer)
	quota := s.Quota.(*fakeQuota)
	ctx := context.Background()
	md := testMetadata(1)

	job, err := s.Admit(ctx, md, "owner1")
	require.NoError(t, err)
	require.Empty(t, quota.consumed)

	require.NoError(t, s.ProcessPageTask(ctx, queue.PageTask{JobID: job.ID, StartPage: 0, EndPage: 0, Attempt: 1, MaxAttempt: 3}))

	require.Len(t, quota.consumed, 1)
	require.Equal(t, "doc1|owner1|"+job.ID, quota.consumed[0])

	final, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.JobDone, final.Status)
}

func TestProcessPageTaskFailsJobWhenQuotaExhausted(t *testing.T) {
	renderer := &fakeRenderer{data: []byte("%PDF-1.4\n")}
	s, jobs, _, _ := newTestScheduler(t, renderer)
	s.Quota = &fakeQuota{err: apperr.New(apperr.Limit, "print quota exceeded")}
	ctx := context.Background()
	md := testMetadata(1)

	job, err := s.Admit(ctx, md, "owner1")
	require.NoError(t, err)

	err = s.ProcessPageTask(ctx, queue.PageTask{JobID: job.ID, StartPage: 0, EndPage: 0, Attempt: 1, MaxAttempt: 3})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Limit))

	final, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.JobFailed, final.Status)
}

func TestProgressForMapsPageIndexIntoTenToEightyBand(t *testing.T) {
	require.Equal(t, 10+70/4, progressFor(0, 4))
	require.Equal(t, 80, progressFor(3, 4))
	require.Equal(t, 10, progressFor(0, 0))
}
