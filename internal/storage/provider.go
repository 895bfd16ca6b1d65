// Package storage adapts object storage for archive cleanup and presigned
// downloads.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Provider deletes archive objects and mints time-limited download links.
type Provider interface {
	// DeleteObject removes the object a storage URL points at. Deleting an
	// absent object is an idempotent no-op.
	DeleteObject(ctx context.Context, storageURL string) error
	// PresignDownload returns a presigned GET URL whose download is saved
	// under the suggested filename. The URL is computable before the object
	// exists; content is only guaranteed once the job is Complete.
	PresignDownload(ctx context.Context, storageURL, filename string) (string, error)
}

// ParseStorageURL splits a storage URL into bucket and key. The scheme is
// ignored on purpose: it exists only so the URL parses uniformly. Do not
// tighten this into scheme validation.
func ParseStorageURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse storage url: %w", err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("storage url %q missing bucket or key", raw)
	}
	return bucket, key, nil
}
