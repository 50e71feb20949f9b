package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/local/vectorprint/internal/metadata"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*metadata.PrintJob
}

func newFakeJobStore(jobs ...*metadata.PrintJob) *fakeJobStore {
	f := &fakeJobStore{jobs: make(map[string]*metadata.PrintJob)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobStore) FindRunningWithExpiredOutput(ctx context.Context, now time.Time) ([]*metadata.PrintJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*metadata.PrintJob
	for _, j := range f.jobs {
		if j.Status == metadata.JobRunning && j.Output != nil && j.Output.ExpiresAt != nil && j.Output.ExpiresAt.Before(now) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) FindRunningStale(ctx context.Context, staleBefore time.Time) ([]*metadata.PrintJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*metadata.PrintJob
	for _, j := range f.jobs {
		if j.Status == metadata.JobRunning && j.Output == nil && j.UpdatedAt.Before(staleBefore) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) FindDoneWithExpiredOutput(ctx context.Context, now time.Time) ([]*metadata.PrintJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*metadata.PrintJob
	for _, j := range f.jobs {
		if j.Status == metadata.JobDone && j.Output != nil && j.Output.ExpiresAt != nil && j.Output.ExpiresAt.Before(now) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) FindFailedOlderThan(ctx context.Context, cutoff time.Time) ([]*metadata.PrintJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*metadata.PrintJob
	for _, j := range f.jobs {
		if j.Status == metadata.JobFailed && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) Expire(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil
	}
	j.Status = metadata.JobExpired
	return nil
}

func (f *fakeJobStore) ExpireAndClearOutput(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil
	}
	j.Status = metadata.JobExpired
	j.Output = nil
	return nil
}

func (f *fakeJobStore) AppendAudit(ctx context.Context, id string, ev metadata.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil
	}
	j.Audit = append(j.Audit, ev)
	return nil
}

func (f *fakeJobStore) get(id string) *metadata.PrintJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func TestSweepExpiresRunningJobPastOutputTTLAndDeletesBlob(t *testing.T) {
	now := time.Now()
	expired := now.Add(-time.Minute)
	job := &metadata.PrintJob{
		ID:        "job-1",
		Status:    metadata.JobRunning,
		Output:    &metadata.JobOutput{Key: "documents/final/job-1.pdf", ExpiresAt: &expired},
		UpdatedAt: now,
	}
	jobs := newFakeJobStore(job)
	blobs := &fakeBlobs{}
	r := New(jobs, blobs, Config{StaleAfter: 15 * time.Minute, ArchiveAfter: 7 * 24 * time.Hour})

	r.Sweep(context.Background())

	stored := jobs.get("job-1")
	require.Equal(t, metadata.JobExpired, stored.Status)
	require.Nil(t, stored.Output)
	require.Contains(t, blobs.deleted, "documents/final/job-1.pdf")
	require.Len(t, stored.Audit, 1)
	require.Equal(t, metadata.EventRunningJobExpiredOutputDeleted, stored.Audit[0].Event)
}

func TestSweepExpiresStaleRunningJobWithoutTouchingBlobs(t *testing.T) {
	job := &metadata.PrintJob{
		ID:        "job-2",
		Status:    metadata.JobRunning,
		Output:    nil,
		UpdatedAt: time.Now().Add(-16 * time.Minute),
	}
	jobs := newFakeJobStore(job)
	blobs := &fakeBlobs{}
	r := New(jobs, blobs, Config{StaleAfter: 15 * time.Minute, ArchiveAfter: 7 * 24 * time.Hour})

	r.Sweep(context.Background())

	stored := jobs.get("job-2")
	require.Equal(t, metadata.JobExpired, stored.Status)
	require.Empty(t, blobs.deleted)
}

func TestSweepLeavesFreshRunningJobAlone(t *testing.T) {
	job := &metadata.PrintJob{
		ID:        "job-3",
		Status:    metadata.JobRunning,
		Output:    nil,
		UpdatedAt: time.Now().Add(-1 * time.Minute),
	}
	jobs := newFakeJobStore(job)
	r := New(jobs, &fakeBlobs{}, Config{StaleAfter: 15 * time.Minute, ArchiveAfter: 7 * 24 * time.Hour})

	r.Sweep(context.Background())

	require.Equal(t, metadata.JobRunning, jobs.get("job-3").Status)
}

func TestSweepExpiresDoneJobPastOutputTTL(t *testing.T) {
	expired := time.Now().Add(-time.Second)
	job := &metadata.PrintJob{
		ID:     "job-4",
		Status: metadata.JobDone,
		Output: &metadata.JobOutput{Key: "documents/final/job-4.pdf", ExpiresAt: &expired},
	}
	jobs := newFakeJobStore(job)
	blobs := &fakeBlobs{}
	r := New(jobs, blobs, Config{})

	r.Sweep(context.Background())

	stored := jobs.get("job-4")
	require.Equal(t, metadata.JobExpired, stored.Status)
	require.Nil(t, stored.Output)
	require.Contains(t, blobs.deleted, "documents/final/job-4.pdf")
}

func TestSweepArchivesOldFailuresButNotRecentOnes(t *testing.T) {
	old := &metadata.PrintJob{ID: "job-old", Status: metadata.JobFailed, UpdatedAt: time.Now().Add(-8 * 24 * time.Hour)}
	recent := &metadata.PrintJob{ID: "job-recent", Status: metadata.JobFailed, UpdatedAt: time.Now().Add(-1 * time.Hour)}
	jobs := newFakeJobStore(old, recent)
	r := New(jobs, &fakeBlobs{}, Config{ArchiveAfter: 7 * 24 * time.Hour})

	r.Sweep(context.Background())

	require.Equal(t, metadata.JobExpired, jobs.get("job-old").Status)
	require.Equal(t, metadata.JobFailed, jobs.get("job-recent").Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	job := &metadata.PrintJob{
		ID:     "job-5",
		Status: metadata.JobRunning,
		Output: &metadata.JobOutput{Key: "documents/final/job-5.pdf", ExpiresAt: &expired},
	}
	jobs := newFakeJobStore(job)
	blobs := &fakeBlobs{}
	r := New(jobs, blobs, Config{})

	r.Sweep(context.Background())
	r.Sweep(context.Background())

	stored := jobs.get("job-5")
	require.Equal(t, metadata.JobExpired, stored.Status)
	require.Len(t, blobs.deleted, 1)
}

func TestSweepSwallowsBlobDeleteFailureAndStillExpiresJob(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	job := &metadata.PrintJob{
		ID:     "job-6",
		Status: metadata.JobRunning,
		Output: &metadata.JobOutput{Key: "documents/final/job-6.pdf", ExpiresAt: &expired},
	}
	jobs := newFakeJobStore(job)
	blobs := &fakeBlobs{err: context.DeadlineExceeded}
	r := New(jobs, blobs, Config{})

	r.Sweep(context.Background())

	require.Equal(t, metadata.JobExpired, jobs.get("job-6").Status)
}
