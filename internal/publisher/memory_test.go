package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_Publish(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.Empty(t, m.Events())

	evt := Event{
		Type:       EventSubmitted,
		JobID:      "jid",
		Index:      0,
		UserID:     "alice",
		CaptureURL: "https://example.com/",
		Time:       time.Date(2026, time.March, 9, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.Publish(context.Background(), evt))
	require.Equal(t, []Event{evt}, m.Events())

	// Events() hands out a copy.
	m.Events()[0].JobID = "mutated"
	require.Equal(t, "jid", m.Events()[0].JobID)

	require.NoError(t, m.Close())
}

func TestMemory_PublishConcurrent(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Publish(context.Background(), Event{Type: EventReaped, Index: i})
		}(i)
	}
	wg.Wait()
	require.Len(t, m.Events(), 16)
}
