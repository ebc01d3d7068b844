// Package notify implements notification delivery for violations and
// synthetic alert-path tests. Channels: SMTP email (STARTTLS when the
// server offers it), JSON webhooks, Slack and Discord webhooks, and a dev
// channel that logs to stderr when no SMTP host is configured.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Events carried on the structured payload.
const (
	EventViolationOpened = "violation.opened"
	EventTestSent        = "test.sent"
)

// Payload is the structured body attached to a notification. It mirrors
// the webhook wire format.
type Payload struct {
	Event         string         `json:"event,omitempty"`
	ExpectationID string         `json:"expectation_id"`
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	Code          string         `json:"code,omitempty"`
	Message       string         `json:"message"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	DetectedAt    int64          `json:"detected_at"`
}

// Message is one notification to be delivered.
type Message struct {
	// Destination is the opaque owner contact (an email address for the
	// email channel; webhook channels deliver to their configured URL).
	Destination string
	Subject     string
	Body        string
	Payload     *Payload
}

// Channel is the interface for all notification backends.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name.
	Type() string
}

// Multi fans one message out to every registered channel.
type Multi struct {
	mu    sync.RWMutex
	items map[string]Channel
	log   logr.Logger
}

// NewMulti creates an empty channel set.
func NewMulti(log logr.Logger) *Multi {
	return &Multi{
		items: make(map[string]Channel),
		log:   log,
	}
}

// Register adds a channel and returns its registration id.
func (m *Multi) Register(ch Channel) string {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = ch
	return id
}

// Remove deletes a registered channel.
func (m *Multi) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
}

// Len returns the number of registered channels.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Multi) Type() string { return "multi" }

// Send delivers to every channel and joins the failures. A non-nil error
// means at least one channel failed; the caller decides whether the
// notification counts as delivered.
func (m *Multi) Send(ctx context.Context, msg Message) error {
	m.mu.RLock()
	channels := make([]Channel, 0, len(m.items))
	for _, ch := range m.items {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Send(ctx, msg); err != nil {
			m.log.Error(err, "notification delivery failed", "channel", ch.Type(), "destination", msg.Destination)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
