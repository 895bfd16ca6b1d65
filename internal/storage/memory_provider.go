package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// MemoryProvider implements Provider in memory for development and tests.
// It records every delete so tests can assert ordering and idempotency.
type MemoryProvider struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes []string
	expiry  time.Duration
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider(presignExpiry time.Duration) *MemoryProvider {
	return &MemoryProvider{
		objects: make(map[string][]byte),
		expiry:  presignExpiry,
	}
}

// Put stores object content under a storage URL.
func (m *MemoryProvider) Put(storageURL string, data []byte) error {
	bucket, key, err := ParseStorageURL(storageURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

// Has reports whether an object exists.
func (m *MemoryProvider) Has(storageURL string) bool {
	bucket, key, err := ParseStorageURL(storageURL)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok
}

// DeleteObject removes an object; deleting an absent object is a no-op.
func (m *MemoryProvider) DeleteObject(_ context.Context, storageURL string) error {
	bucket, key, err := ParseStorageURL(storageURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	m.deletes = append(m.deletes, bucket+"/"+key)
	return nil
}

// PresignDownload returns a pseudo URL carrying the same parameters a real
// presigner would encode.
func (m *MemoryProvider) PresignDownload(_ context.Context, storageURL, filename string) (string, error) {
	bucket, key, err := ParseStorageURL(storageURL)
	if err != nil {
		return "", err
	}
	q := url.Values{
		"response-content-disposition": {fmt.Sprintf("attachment; filename=%s", filename)},
		"expires":                      {fmt.Sprintf("%d", int64(m.expiry.Seconds()))},
	}
	return fmt.Sprintf("memory://%s/%s?%s", bucket, key, q.Encode()), nil
}

// Deletes returns the delete trace in call order.
func (m *MemoryProvider) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}
