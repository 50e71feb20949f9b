// Package metastore wraps the durable MongoDB collections backing
// PrintJob, DocumentAccess and Document, in the collection-per-entity,
// optimistic-update shape of the teacher's document repository.
package metastore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/local/vectorprint/internal/metadata"
)

// JobRepo persists PrintJob documents in the "print_jobs" collection.
type JobRepo struct {
	col *mongo.Collection
}

// NewJobRepo ensures the TTL backstop index and returns a JobRepo.
// The reaper is the primary cleanup mechanism; this index only protects
// against jobs the reaper never reaches.
func NewJobRepo(db *mongo.Database) *JobRepo {
	col := db.Collection("print_jobs")
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(90 * 24 * 3600),
	}
	_, _ = col.Indexes().CreateOne(context.Background(), idx)
	return &JobRepo{col: col}
}

// Create inserts a new PrintJob, stamping createdAt/updatedAt.
func (r *JobRepo) Create(ctx context.Context, job *metadata.PrintJob) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.col.InsertOne(ctx, job)
	return err
}

// Get reloads a PrintJob by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*metadata.PrintJob, error) {
	var job metadata.PrintJob
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// AppendAudit pushes one audit event onto the job's timeline.
func (r *JobRepo) AppendAudit(ctx context.Context, id string, ev metadata.AuditEvent) error {
	return r.update(ctx, id, bson.M{"$push": bson.M{"audit": ev}})
}

// SetProgress raises the monotonic progress counter to progress; a lower
// value than the stored one (a batch finishing out of order) is ignored.
func (r *JobRepo) SetProgress(ctx context.Context, id string, progress int) error {
	return r.update(ctx, id, bson.M{"$max": bson.M{"progress": progress}})
}

// SetRunning transitions a PENDING job to RUNNING.
func (r *JobRepo) SetRunning(ctx context.Context, id string) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{"status": metadata.JobRunning}})
}

// SetDone finalizes a job as DONE with its output location.
func (r *JobRepo) SetDone(ctx context.Context, id string, output metadata.JobOutput) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{
		"status":   metadata.JobDone,
		"progress": 100,
		"output":   output,
	}})
}

// SetFailed finalizes a job as FAILED with its error detail.
func (r *JobRepo) SetFailed(ctx context.Context, id string, jobErr metadata.JobError) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{
		"status": metadata.JobFailed,
		"error":  jobErr,
	}})
}

// Expire transitions a job to EXPIRED without touching its output.
func (r *JobRepo) Expire(ctx context.Context, id string) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{"status": metadata.JobExpired}})
}

// ExpireAndClearOutput transitions a job to EXPIRED and nulls its output,
// used once the output blob has been deleted by the reaper.
func (r *JobRepo) ExpireAndClearOutput(ctx context.Context, id string) error {
	return r.update(ctx, id, bson.M{
		"$set":   bson.M{"status": metadata.JobExpired},
		"$unset": bson.M{"output": ""},
	})
}

func (r *JobRepo) update(ctx context.Context, id string, update bson.M) error {
	if set, ok := update["$set"].(bson.M); ok {
		set["updatedAt"] = time.Now().UTC()
	} else {
		update["$set"] = bson.M{"updatedAt": time.Now().UTC()}
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindRunningWithExpiredOutput is reaper sweep 1: RUNNING jobs whose
// materialized output has passed its TTL.
func (r *JobRepo) FindRunningWithExpiredOutput(ctx context.Context, now time.Time) ([]*metadata.PrintJob, error) {
	return r.find(ctx, bson.M{
		"status":           metadata.JobRunning,
		"output.key":       bson.M{"$exists": true},
		"output.expiresAt": bson.M{"$lte": now},
	})
}

// FindRunningStale is reaper sweep 2: RUNNING jobs with no output that
// have not been touched since before the stale cutoff.
func (r *JobRepo) FindRunningStale(ctx context.Context, staleBefore time.Time) ([]*metadata.PrintJob, error) {
	return r.find(ctx, bson.M{
		"status":    metadata.JobRunning,
		"output":    bson.M{"$exists": false},
		"updatedAt": bson.M{"$lte": staleBefore},
	})
}

// FindDoneWithExpiredOutput is reaper sweep 3: DONE jobs whose output has
// passed its TTL.
func (r *JobRepo) FindDoneWithExpiredOutput(ctx context.Context, now time.Time) ([]*metadata.PrintJob, error) {
	return r.find(ctx, bson.M{
		"status":           metadata.JobDone,
		"output.expiresAt": bson.M{"$lte": now},
	})
}

// FindFailedOlderThan is reaper sweep 4: FAILED jobs older than the
// archive cutoff.
func (r *JobRepo) FindFailedOlderThan(ctx context.Context, cutoff time.Time) ([]*metadata.PrintJob, error) {
	return r.find(ctx, bson.M{
		"status":    metadata.JobFailed,
		"updatedAt": bson.M{"$lte": cutoff},
	})
}

func (r *JobRepo) find(ctx context.Context, filter bson.M) ([]*metadata.PrintJob, error) {
	cur, err := r.col.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*metadata.PrintJob{}
	for cur.Next(ctx) {
		var job metadata.PrintJob
		if err := cur.Decode(&job); err != nil {
			return nil, err
		}
		out = append(out, &job)
	}
	return out, cur.Err()
}
