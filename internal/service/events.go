package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// Routing keys of the domain events published on the events exchange.
const (
	EventCreated   = "reservation.created"
	EventConfirmed = "reservation.confirmed"
	EventCancelled = "reservation.cancelled"
	EventModified  = "reservation.modified"
	EventCompleted = "reservation.completed"
	EventNoShow    = "reservation.no_show"
)

// EventPublisher is satisfied by messaging.Bus.
type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, v any) error
}

// ReservationEvent is the body of every domain event.
type ReservationEvent struct {
	Type          string       `json:"type"`
	ReservationID uint64       `json:"reservation_id"`
	RestaurantID  uint64       `json:"restaurant_id"`
	UserID        uint64       `json:"user_id"`
	TableID       *uint64      `json:"table_id,omitempty"`
	Status        model.Status `json:"status"`
	StartsAt      time.Time    `json:"starts_at"`
	EndsAt        time.Time    `json:"ends_at"`
	PartySize     int          `json:"party_size"`
	Reason        string       `json:"reason,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

func newEvent(typ string, res *model.Reservation, reason string, at time.Time) ReservationEvent {
	return ReservationEvent{
		Type:          typ,
		ReservationID: res.ID,
		RestaurantID:  res.RestaurantID,
		UserID:        res.UserID,
		TableID:       res.TableID,
		Status:        res.Status,
		StartsAt:      res.StartsAt,
		EndsAt:        res.EndsAt,
		PartySize:     res.PartySize,
		Reason:        reason,
		OccurredAt:    at,
	}
}

// publish sends an event after the state change has committed.  A failed
// publish is logged and never undoes the change.
func (s *ReservationService) publish(ctx context.Context, typ string, res *model.Reservation, reason string) {
	if s.events == nil {
		return
	}
	ev := newEvent(typ, res, reason, s.clock.Now())
	if err := s.events.PublishEvent(context.WithoutCancel(ctx), typ, ev); err != nil {
		s.log.Warn("publish domain event failed", "event", typ, "reservation_id", res.ID, "error", err)
	}
}

// compensations is a stack of undo steps for a multi-step operation.  They
// run newest first.
type compensations []compensation

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

func (c *compensations) push(name string, undo func(ctx context.Context) error) {
	*c = append(*c, compensation{name: name, undo: undo})
}

// run executes every step even if earlier ones fail.  The caller's
// cancellation is ignored; failures are logged as inconsistencies.
func (c compensations) run(ctx context.Context, log *slog.Logger, attrs ...any) {
	ctx = context.WithoutCancel(ctx)
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].undo(ctx); err != nil {
			log.Error("compensation failed", append([]any{"step", c[i].name, "error", err, "inconsistency", true}, attrs...)...)
		}
	}
}
