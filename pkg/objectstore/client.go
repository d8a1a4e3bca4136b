// Package objectstore wraps the MinIO client used for durable file storage.
// Clients upload directly via presigned PUT URLs; the pipeline only ever
// reads objects back during ingestion and issues presigned GETs for download.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tutorverse/ingest-platform/pkg/config"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Client is the object-store interface the pipeline depends on. The MinIO
// implementation is the production one; tests substitute an in-memory fake.
type Client interface {
	PresignedPut(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignedGet(ctx context.Context, key string, fileName string, expires time.Duration) (string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Remove(ctx context.Context, key string) error
	Bucket() string
}

type minioClient struct {
	client *minio.Client
	bucket string
}

// New creates a MinIO-backed Client and ensures the bucket exists.
func New(cfg config.MinioConfig) (Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &minioClient{client: client, bucket: cfg.Bucket}, nil
}

// PresignedPut returns a time-limited URL the client can PUT raw file bytes
// to, bound to the given storage key.
func (c *minioClient) PresignedPut(ctx context.Context, key string, expires time.Duration) (string, error) {
	u, err := c.client.PresignedPutObject(ctx, c.bucket, key, expires)
	if err != nil {
		return "", fmt.Errorf("presigning put for %s: %w", key, err)
	}
	return u.String(), nil
}

// PresignedGet returns a time-limited download URL. fileName, when non-empty,
// sets the browser download filename via content disposition.
func (c *minioClient) PresignedGet(ctx context.Context, key string, fileName string, expires time.Duration) (string, error) {
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf(`attachment; filename="%s"`, fileName))
	}
	u, err := c.client.PresignedGetObject(ctx, c.bucket, key, expires, params)
	if err != nil {
		return "", fmt.Errorf("presigning get for %s: %w", key, err)
	}
	return u.String(), nil
}

// Stat confirms an object exists and returns its metadata.
func (c *minioClient) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size, ContentType: info.ContentType}, nil
}

// Get opens an object for reading.
func (c *minioClient) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("get object %s: %w", key, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	return obj, ObjectInfo{Key: key, Size: stat.Size, ContentType: stat.ContentType}, nil
}

// Remove deletes an object.
func (c *minioClient) Remove(ctx context.Context, key string) error {
	return c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
}

// Bucket returns the configured bucket name.
func (c *minioClient) Bucket() string {
	return c.bucket
}
