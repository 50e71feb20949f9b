package metastore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/local/vectorprint/internal/metadata"
)

// AccessRepo persists DocumentAccess grants in the "document_access"
// collection and implements internal/quota's Store interface directly
// against MongoDB's optimistic update primitives.
type AccessRepo struct {
	col *mongo.Collection
}

// NewAccessRepo ensures the unique (documentId,userId) index and returns
// an AccessRepo.
func NewAccessRepo(db *mongo.Database) *AccessRepo {
	col := db.Collection("document_access")
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "userId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, _ = col.Indexes().CreateOne(context.Background(), idx)
	return &AccessRepo{col: col}
}

// GetAccess returns the grant for (documentID, userID), or nil if none
// exists. A missing grant is not an error: callers distinguish
// "no grant" from a transport failure by the nil return.
func (r *AccessRepo) GetAccess(ctx context.Context, documentID, userID string) (*metadata.DocumentAccess, error) {
	var access metadata.DocumentAccess
	err := r.col.FindOne(ctx, bson.M{"documentId": documentID, "userId": userID}).Decode(&access)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &access, nil
}

// WriteBehindIncrement best-effort bumps printsUsed and lastPrintAt for
// an active (non-revoked) grant, mirroring the fast path's already-
// committed Redis decrement. Filtered by revoked=false so a grant
// revoked between the fast-path decrement and this write is not
// resurrected.
func (r *AccessRepo) WriteBehindIncrement(ctx context.Context, documentID, userID string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"documentId": documentID, "userId": userID, "revoked": false},
		bson.M{
			"$inc": bson.M{"printsUsed": 1},
			"$set": bson.M{"lastPrintAt": time.Now().UTC()},
		},
	)
	return err
}

// OptimisticConsume atomically requires {revoked: false, printsUsed <
// printQuota} and, if satisfied, increments printsUsed and stamps
// lastPrintAt. matched=false means no document satisfied the
// conditional filter: either no grant exists, it is revoked, or the
// quota is already exhausted — the caller differentiates these with a
// follow-up GetAccess.
func (r *AccessRepo) OptimisticConsume(ctx context.Context, documentID, userID string) (bool, error) {
	filter := bson.M{
		"documentId": documentID,
		"userId":     userID,
		"revoked":    false,
		"$expr":      bson.M{"$lt": []string{"$printsUsed", "$printQuota"}},
	}
	update := bson.M{
		"$inc": bson.M{"printsUsed": 1},
		"$set": bson.M{"lastPrintAt": time.Now().UTC()},
	}
	res, err := r.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// Revoke marks a grant revoked, blocking further consumption on both
// the fast path's next cache-miss recovery and the fallback path.
func (r *AccessRepo) Revoke(ctx context.Context, documentID, userID string) error {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"documentId": documentID, "userId": userID},
		bson.M{"$set": bson.M{"revoked": true}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
