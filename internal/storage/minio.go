// Package storage wraps the MinIO client for sample and artifact blobs.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/config"
	"firestige.xyz/triage/internal/log"
)

// Store is the object store used for sample blobs and extractor artifacts.
type Store struct {
	client       *minio.Client
	sampleBucket string
	resultBucket string
}

// Connect builds the MinIO client and ensures both buckets exist.
func Connect(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to create object store client", err)
	}
	s := &Store{
		client:       client,
		sampleBucket: cfg.SampleBucket,
		resultBucket: cfg.ResultBucket,
	}
	for _, bucket := range []string{cfg.SampleBucket, cfg.ResultBucket} {
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return apperr.Wrap(apperr.Storage,
			fmt.Sprintf("failed to check bucket %s", bucket), err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return apperr.Wrap(apperr.Storage,
			fmt.Sprintf("failed to create bucket %s", bucket), err)
	}
	log.GetLogger().Infof("created bucket %s", bucket)
	return nil
}

func (s *Store) SampleBucket() string { return s.sampleBucket }
func (s *Store) ResultBucket() string { return s.resultBucket }

// DownloadSampleToFile fetches a sample blob into a local path for
// multipart submission.
func (s *Store) DownloadSampleToFile(ctx context.Context, objectKey, localPath string) error {
	if err := s.client.FGetObject(ctx, s.sampleBucket, objectKey, localPath,
		minio.GetObjectOptions{}); err != nil {
		return apperr.Wrap(apperr.Storage,
			fmt.Sprintf("failed to download sample %s", objectKey), err)
	}
	return nil
}

// UploadSample stores a sample blob.
func (s *Store) UploadSample(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.sampleBucket, objectKey, r, size,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return apperr.Wrap(apperr.Storage,
			fmt.Sprintf("failed to upload sample %s", objectKey), err)
	}
	return nil
}

// UploadArtifact stores an extractor result artifact under the result bucket.
func (s *Store) UploadArtifact(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.resultBucket, objectKey, r, size,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return apperr.Wrap(apperr.Storage,
			fmt.Sprintf("failed to upload artifact %s", objectKey), err)
	}
	return nil
}

// OpenArtifact streams an artifact from the result bucket.
func (s *Store) OpenArtifact(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.resultBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage,
			fmt.Sprintf("failed to open artifact %s", objectKey), err)
	}
	return obj, nil
}

// StatSample returns the stored size of a sample blob.
func (s *Store) StatSample(ctx context.Context, objectKey string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.sampleBucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage,
			fmt.Sprintf("failed to stat sample %s", objectKey), err)
	}
	return info.Size, nil
}

// HealthCheck verifies the store answers within the timeout.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.client.BucketExists(ctx, s.sampleBucket); err != nil {
		return apperr.Wrap(apperr.Storage, "object store health check failed", err)
	}
	return nil
}
