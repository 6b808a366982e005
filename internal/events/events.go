// Package events carries post-commit domain events to the realtime stream and
// the notification pipeline. Publishing is best-effort and never fails the
// operation that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/carepay/healthcredit/internal/idgen"
)

// Type names an event.
type Type string

const (
	CardTransaction Type = "card.transaction"
	CardStatus      Type = "card.status"
	LoanUpdated     Type = "loan.updated"
	KYCUpdated      Type = "kyc.updated"
)

// Event is the envelope shared by every sink.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OwnerID    string    `json:"ownerId"`
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// New stamps an event with an id and the current time.
func New(t Type, ownerID, subject string, data any) Event {
	return Event{
		ID:         idgen.WithPrefix(idgen.PrefixEvent),
		Type:       t,
		OwnerID:    ownerID,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

// Capture keeps published events in memory. Used by tests and local tooling.
type Capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *Capture) Publish(_ context.Context, ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything captured so far.
func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns captured events with the given type.
func (c *Capture) OfType(t Type) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
