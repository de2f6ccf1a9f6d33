// Package events broadcasts verification status changes. UpdateStatus emits
// onto a Publisher; deployments compose the in-process bus (for local
// subscribers like the callback notifier) with the Kafka publisher (for
// downstream consumers).
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"veridoc/internal/verification"
)

// Kind discriminates event payloads.
type Kind string

const (
	KindStarted      Kind = "verificationStarted"
	KindStatusUpdate Kind = "statusUpdate"
)

// Event is one status-change notification.
type Event struct {
	ID             string              `json:"id"`
	Kind           Kind                `json:"kind"`
	VerificationID string              `json:"verificationId"`
	DocumentID     string              `json:"documentId"`
	Type           verification.Type   `json:"type"`
	Status         verification.Status `json:"status"`
	Results        map[string]any      `json:"results,omitempty"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	OccurredAt     time.Time           `json:"occurredAt"`
}

// FromVerification builds an event snapshot of a record.
func FromVerification(kind Kind, v *verification.Verification) Event {
	return Event{
		ID:             uuid.NewString(),
		Kind:           kind,
		VerificationID: v.ID,
		DocumentID:     v.DocumentID,
		Type:           v.Type,
		Status:         v.Status,
		Results:        v.Results.ToMap(),
		CompletedAt:    v.CompletedAt,
		OccurredAt:     time.Now(),
	}
}

// Publisher delivers events to interested listeners.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Bus is the in-process publisher: a bounded fan-out to subscriber channels.
// Delivery is best-effort; a subscriber that stops draining loses events
// rather than blocking UpdateStatus.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving all future events.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
	return nil
}

// Fanout publishes to several publishers; the first error wins but every
// publisher still sees the event.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) Close() error {
	var firstErr error
	for _, p := range f {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
