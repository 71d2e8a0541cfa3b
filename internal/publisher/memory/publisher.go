// Package memory records published notifications in-process for tests and
// local runs without Pub/Sub.
package memory

import (
	"context"
	"fmt"
	"sync"
)

const defaultCapacity = 1000

// Publisher keeps the most recent payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	total    int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher that retains the last 1000 messages.
func New() *Publisher {
	return NewWithCapacity(defaultCapacity)
}

// NewWithCapacity returns a Publisher that retains at most capacity
// messages, dropping the oldest first.
func NewWithCapacity(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish records the message and returns a sequential pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	id := fmt.Sprintf("memory-%d", p.total)
	if len(p.messages) == p.capacity {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMessage(nil), p.messages...)
}
