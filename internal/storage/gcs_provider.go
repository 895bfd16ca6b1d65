package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSProvider implements Provider for Google Cloud Storage.
type GCSProvider struct {
	client *storage.Client
	expiry time.Duration
	logger *zap.Logger
}

// NewGCSProvider initializes a GCS client. Authentication is handled via
// Google's Application Default Credentials; the bucket is taken from each
// storage URL rather than fixed at construction.
func NewGCSProvider(ctx context.Context, presignExpiry time.Duration, logger *zap.Logger) (*GCSProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{
		client: client,
		expiry: presignExpiry,
		logger: logger,
	}, nil
}

// DeleteObject removes the object behind a storage URL. An already-absent
// object is treated as deleted.
func (g *GCSProvider) DeleteObject(ctx context.Context, storageURL string) error {
	bucket, key, err := ParseStorageURL(storageURL)
	if err != nil {
		return err
	}
	err = g.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			g.logger.Debug("object already absent", zap.String("bucket", bucket), zap.String("key", key))
			return nil
		}
		return fmt.Errorf("delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignDownload mints a V4 signed GET URL with a content-disposition
// forcing the suggested download filename.
func (g *GCSProvider) PresignDownload(_ context.Context, storageURL, filename string) (string, error) {
	bucket, key, err := ParseStorageURL(storageURL)
	if err != nil {
		return "", err
	}
	signed, err := g.client.Bucket(bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(g.expiry),
		QueryParameters: url.Values{
			"response-content-disposition": {fmt.Sprintf("attachment; filename=%s", filename)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return signed, nil
}

// Close releases the underlying client.
func (g *GCSProvider) Close() error {
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
