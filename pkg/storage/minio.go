package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

type Options struct {
	Endpoint        string `validate:"required"`
	AccessKeyId     string `validate:"required"`
	SecretAccessKey string `validate:"required"`
	UseSSL          bool
}

type StorageService interface {
	DownloadObject(ctx context.Context, bucketName string, objectName string, targetPath string) error
}

type storageService struct {
	minioClient *minio.Client
}

// NewStorageService creates a new storage service.
func NewStorageService(opts Options) (StorageService, error) {
	minioClient, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyId, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &storageService{
		minioClient: minioClient,
	}, nil
}

// DownloadObject downloads an object from the storage to the target path.
// The target only appears once the download is complete.
func (s *storageService) DownloadObject(ctx context.Context, bucketName string, objectName string, targetPath string) error {
	if err := s.minioClient.FGetObject(ctx, bucketName, objectName, targetPath, minio.GetObjectOptions{}); err != nil {
		if resp := minio.ToErrorResponse(err); resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s/%s: %w", bucketName, objectName, ErrObjectNotFound)
		}
		return fmt.Errorf("failed to download %s/%s: %w", bucketName, objectName, err)
	}
	return nil
}
