// Package blobstore stores and retrieves render artifacts (source PDFs
// and materialized job outputs) in S3, presigning short-TTL download
// URLs in place of the teacher's client-side encryption-at-rest scheme.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// deletable lists the key prefixes the reaper is allowed to delete.
// Any other prefix is presumed to hold a source document, never a
// reaper-managed output, and Delete refuses it outright.
var deletable = []string{"documents/final/", "documents/print/"}

// Store wraps an S3 client scoped to one bucket.
type Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	presign    *s3.PresignClient
	bucketName string
}

// New builds a Store from the ambient AWS config (environment,
// instance profile, or shared credentials file).
func New(ctx context.Context, bucketName string) (*Store, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &Store{
		client:     cli,
		uploader:   manager.NewUploader(cli),
		presign:    s3.NewPresignClient(cli),
		bucketName: bucketName,
	}, nil
}

// Get downloads the object at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put uploads data to key with the given content type. Uses the
// managed uploader so large merged PDFs are transparently multipart
// without the caller needing to size-check first.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	log.Debug().Str("key", key).Int("size", len(data)).Msg("blobstore: uploaded object")
	return nil
}

// Delete removes the object at key. Refuses keys outside the
// reaper-managed prefixes so a bad merge path can never delete a
// source document.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !isDeletable(key) {
		return fmt.Errorf("blobstore: refusing to delete non-output key %q", key)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	log.Info().Str("key", key).Msg("blobstore: deleted object")
	return nil
}

// PresignGet returns a time-limited download URL for key.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func isDeletable(key string) bool {
	for _, prefix := range deletable {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// OutputKey builds the storage key for a job's materialized final
// artifact, per §4.1 step 6's "documents/final/{jobId}.pdf" convention.
func OutputKey(jobID string) string {
	return "documents/final/" + jobID + ".pdf"
}
