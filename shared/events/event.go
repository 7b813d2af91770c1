// Package events carries committed ledger and redemption events to
// downstream collaborators. Events are published from commit hooks only,
// so a rolled back change never produces one.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypePointsCredited        = "points.credited"
	TypePointsDebited         = "points.debited"
	TypePointsTransferred     = "points.transferred"
	TypePointsReversed        = "points.reversed"
	TypeRedemptionCompleted   = "redemption.completed"
	TypeRedemptionFailed      = "redemption.failed"
	TypeRedemptionCompensated = "redemption.compensated"
)

// DefaultTopic is the topic events are produced to when none is configured.
const DefaultTopic = "points-events"

// Event is one committed change.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	TenantID   uuid.UUID              `json:"tenant_id"`
	CustomerID uuid.UUID              `json:"customer_id"`
	SubjectID  uuid.UUID              `json:"subject_id"`
	Amount     int64                  `json:"amount,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType string, tenantID, customerID, subjectID uuid.UUID, amount int64) Event {
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		TenantID:   tenantID,
		CustomerID: customerID,
		SubjectID:  subjectID,
		Amount:     amount,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher hands committed events to the event stream. Publish must not
// block on the network.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

// NewRecorder buffers up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Drain returns the events published so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
