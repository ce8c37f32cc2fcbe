// Package bus decouples session lifecycle notifications from the handlers
// that react to them (spec.md §9 redesign note: no ambient globals, no
// direct callback wiring between Session Manager and executors).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message published on the bus. Data carries kind-specific
// payload (e.g. {"threadId": ..., "reason": ...}) since subscribers are
// decoupled from any one producer's concrete event type.
type Event struct {
	ID        string
	Type      string
	Source    string
	Timestamp time.Time
	Data      map[string]interface{}
}

// NewEvent creates an Event with a fresh ID and UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes a published Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is returned by Subscribe/QueueSubscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the abstract pub-sub contract used throughout the daemon.
// Subjects follow a dotted hierarchy (e.g. "session.lifecycle.idle",
// "tasklist.bump") and support NATS-style "*"/">" wildcards.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}
