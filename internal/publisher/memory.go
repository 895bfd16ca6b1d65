package publisher

import (
	"context"
	"sync"
)

// Memory collects events in memory for development and tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty Memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish appends the event.
func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// Events returns a copy of the published events in order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
