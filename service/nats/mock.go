package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu     sync.Mutex
	events []*LifecycleEvent
	err    error
	closed bool
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishEvent records the event for later inspection.
func (m *MockPublisher) PublishEvent(ctx context.Context, event *LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of the recorded events.
func (m *MockPublisher) Events() []*LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*LifecycleEvent, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfKind returns recorded events matching the given kind.
func (m *MockPublisher) EventsOfKind(kind string) []*LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LifecycleEvent
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// SetError makes subsequent PublishEvent calls return err.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Closed reports whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
