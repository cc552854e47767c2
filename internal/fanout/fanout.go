package fanout

import (
	"context"
	"errors"
	"time"
)

const TypeChanged = "changed"

// Event tells subscribers of the listed departments that their views changed and should
// be re-pulled. It carries no ticket state beyond identifiers.
type Event struct {
	Type        string    `json:"type"`
	Departments []string  `json:"departments"`
	TicketID    string    `json:"ticket_id"`
	Action      string    `json:"action"`
	Status      string    `json:"status,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Affects reports whether the event concerns departmentID.
func (e Event) Affects(departmentID string) bool {
	for _, id := range e.Departments {
		if id == departmentID {
			return true
		}
	}
	return false
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Multi publishes to every publisher, even after one of them fails.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
