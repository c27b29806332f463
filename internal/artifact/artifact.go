// Package artifact offloads large report payloads to object storage.
//
// Completed reports can be far bigger than what belongs in a database
// row, so the full payload is written to a bucket and the request record
// keeps only a location reference alongside an inline copy capped by the
// caller's policy.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store persists report payloads and returns a stable location for each.
type Store interface {
	// Save writes the payload and returns its location reference
	// (s3://<bucket>/<key>).
	Save(ctx context.Context, key string, payload []byte) (string, error)

	// Load reads the payload back by key.
	Load(ctx context.Context, key string) ([]byte, error)
}

// MinIOStore keeps report payloads in an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// MinIOConfig carries connection settings for the object store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinIOStore connects to the object store and ensures the bucket
// exists.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig, logger *slog.Logger) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: connect to %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("artifact: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("artifact: create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created report bucket", "bucket", cfg.Bucket)
	}

	return &MinIOStore{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Save writes the payload as a JSON object.
func (s *MinIOStore) Save(ctx context.Context, key string, payload []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("artifact: put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Load reads a stored payload.
func (s *MinIOStore) Load(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("artifact: get %s: %w", key, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", key, err)
	}
	return payload, nil
}
