package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseStorageURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name               string
		raw                string
		wantBucket, wantKey string
		wantErr            bool
	}{
		{"s3 scheme", "s3://kubecaptures/jid/0.wacz", "kubecaptures", "jid/0.wacz", false},
		{"scheme is irrelevant", "gs://bucket/a/b/c.wacz", "bucket", "a/b/c.wacz", false},
		{"memory scheme", "memory://bucket/key", "bucket", "key", false},
		{"missing key", "s3://bucket", "", "", true},
		{"missing key trailing slash", "s3://bucket/", "", "", true},
		{"missing bucket", "s3:///key", "", "", true},
		{"unparseable", "s3://buc ket/\x7f", "", "", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			bucket, key, err := ParseStorageURL(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantBucket, bucket)
			require.Equal(t, tc.wantKey, key)
		})
	}
}

func TestMemoryProvider_DeleteObject(t *testing.T) {
	t.Parallel()

	m := NewMemoryProvider(time.Hour)
	require.NoError(t, m.Put("s3://b/jid/0.wacz", []byte("archive")))
	require.True(t, m.Has("s3://b/jid/0.wacz"))

	ctx := context.Background()
	require.NoError(t, m.DeleteObject(ctx, "s3://b/jid/0.wacz"))
	require.False(t, m.Has("s3://b/jid/0.wacz"))

	// Deleting an absent object stays a no-op, but the trace records the call.
	require.NoError(t, m.DeleteObject(ctx, "s3://b/jid/0.wacz"))
	require.Equal(t, []string{"b/jid/0.wacz", "b/jid/0.wacz"}, m.Deletes())

	require.Error(t, m.DeleteObject(ctx, "s3://only-a-bucket"))
}

func TestMemoryProvider_PresignDownload(t *testing.T) {
	t.Parallel()

	m := NewMemoryProvider(30 * time.Minute)

	// Presigning does not require the object to exist yet.
	signed, err := m.PresignDownload(context.Background(), "s3://b/jid/1.wacz", "example.com-2026-03-09.wacz")
	require.NoError(t, err)
	require.Contains(t, signed, "memory://b/jid/1.wacz?")
	require.Contains(t, signed, "example.com-2026-03-09.wacz")
	require.Contains(t, signed, "expires=1800")

	_, err = m.PresignDownload(context.Background(), "s3://b", "x.wacz")
	require.Error(t, err)
}
