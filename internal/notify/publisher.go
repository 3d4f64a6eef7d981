// Package notify delivers lifecycle notifications to downstream consumers.
// Publishing happens after the state change is committed; a failed publish
// never undoes the change.
package notify

import (
	"context"
	"sync"

	"execution-insight/backend/pkg/models"
)

// Publisher sends one notification.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
	Close() error
}

// Noop discards every notification.
type Noop struct{}

func (Noop) Publish(context.Context, models.Notification) error { return nil }

func (Noop) Close() error { return nil }

// Memory records notifications in publish order.
type Memory struct {
	mu   sync.Mutex
	sent []models.Notification
	err  error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

// FailWith makes every later Publish return err. A nil err restores delivery.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Notifications returns a copy of everything published so far.
func (m *Memory) Notifications() []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Notification(nil), m.sent...)
}

func (m *Memory) Close() error { return nil }
