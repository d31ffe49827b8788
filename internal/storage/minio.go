// internal/storage/minio.go
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every object name, e.g. "media/".
	Prefix     string
	PresignTTL time.Duration
}

type MinIOClient struct {
	client     *minio.Client
	bucket     string
	prefix     string
	presignTTL time.Duration
}

func NewMinIOClient(ctx context.Context, cfg MinIOConfig) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// Create bucket if it doesn't exist
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	ttl := cfg.PresignTTL
	if ttl == 0 {
		ttl = time.Hour
	}

	return &MinIOClient{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		presignTTL: ttl,
	}, nil
}

// Put uploads data under ref unless the object already exists. The
// stat-then-put pair is not atomic on its own; callers hold the per-id claim.
func (m *MinIOClient) Put(ctx context.Context, ref string, data []byte, contentType string) (string, error) {
	if !validRef(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}

	objectName := m.prefix + ref
	_, err := m.client.StatObject(ctx, m.bucket, objectName, minio.StatObjectOptions{})
	if err == nil {
		return ref, ErrBlobExists
	}
	if !isNoSuchKey(err) {
		return "", fmt.Errorf("failed to stat object: %w", err)
	}

	_, err = m.client.PutObject(ctx, m.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to MinIO: %w", err)
	}
	return ref, nil
}

// Open returns an object reader
func (m *MinIOClient) Open(ctx context.Context, ref string) (*Blob, error) {
	if !validRef(ref) {
		return nil, ErrBlobNotFound
	}

	object, err := m.client.GetObject(ctx, m.bucket, m.prefix+ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	// GetObject is lazy; Stat surfaces a missing key.
	info, err := object.Stat()
	if err != nil {
		object.Close()
		if isNoSuchKey(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	return &Blob{Body: object, ContentType: info.ContentType, Size: info.Size}, nil
}

// PresignedURL generates a presigned URL for downloading
func (m *MinIOClient) PresignedURL(ctx context.Context, ref string) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, m.prefix+ref, m.presignTTL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url.String(), nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
