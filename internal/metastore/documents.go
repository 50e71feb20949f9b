package metastore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/local/vectorprint/internal/metadata"
)

// DocumentRepo persists source-document metadata in the "documents"
// collection.
type DocumentRepo struct {
	col *mongo.Collection
}

// NewDocumentRepo returns a DocumentRepo.
func NewDocumentRepo(db *mongo.Database) *DocumentRepo {
	return &DocumentRepo{col: db.Collection("documents")}
}

// Get loads a Document by id.
func (r *DocumentRepo) Get(ctx context.Context, id string) (*metadata.Document, error) {
	var doc metadata.Document
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// BlobKeyFor resolves a `document:{id}` source reference to the blob
// key of its current source artifact, per the render-engine's
// sourcePdfKey resolution rule.
func (r *DocumentRepo) BlobKeyFor(ctx context.Context, id string) (string, error) {
	doc, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return doc.BlobKey, nil
}

// IncrementExportVersion bumps a document's exportVersion after the
// source artifact is replaced. The layout caches are not keyed by this
// version.
func (r *DocumentRepo) IncrementExportVersion(ctx context.Context, id string) (int, error) {
	res := r.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"exportVersion": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var doc metadata.Document
	if err := res.Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return doc.ExportVersion, nil
}
