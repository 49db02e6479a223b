package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorage stores original uploaded files. Reindexing re-parses the
// original bytes, so uploads must outlive the ingestion run.
type ObjectStorage interface {
	UploadBytes(ctx context.Context, data []byte, objectPath, contentType string) (string, error)
	Download(ctx context.Context, objectPath string) ([]byte, error)
	Delete(ctx context.Context, objectPath string) error
	Exists(ctx context.Context, objectPath string) (bool, error)
	Health(ctx context.Context) error
}

// MinIOConfig holds MinIO connection configuration.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// MinIOStorage implements ObjectStorage using the MinIO SDK.
type MinIOStorage struct {
	client     *minio.Client
	bucketName string
	region     string
}

const pathOriginals = "originals"

// NewMinIOStorage creates a new MinIO storage client.
func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinIOStorage{
		client:     client,
		bucketName: cfg.BucketName,
		region:     cfg.Region,
	}, nil
}

// InitBucket ensures the bucket exists, creating it if necessary.
func (s *MinIOStorage) InitBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Health checks MinIO connectivity.
func (s *MinIOStorage) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

// UploadBytes stores byte data at the given object path.
func (s *MinIOStorage) UploadBytes(ctx context.Context, data []byte, objectPath, contentType string) (string, error) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	info, err := s.client.PutObject(ctx, s.bucketName, objectPath, bytes.NewReader(data),
		int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}
	return info.Key, nil
}

// Download fetches an object's contents.
func (s *MinIOStorage) Download(ctx context.Context, objectPath string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Delete removes an object.
func (s *MinIOStorage) Delete(ctx context.Context, objectPath string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, objectPath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Exists checks whether an object exists.
func (s *MinIOStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, objectPath, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// OriginalPath builds the storage path for a document's original upload.
func OriginalPath(documentID, filename string) string {
	return path.Join(pathOriginals, documentID, filename)
}
