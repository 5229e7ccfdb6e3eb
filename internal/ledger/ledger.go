// Package ledger guards the per-slot reservation and capacity counters
// against overbooking.  Every change is a single conditional update in the
// backing store; nothing in the service adjusts the counters any other way.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iliyamo/restaurant-reservation/internal/logging"
	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// ErrInvalidDelta is returned for zero or negative deltas.
var ErrInvalidDelta = errors.New("ledger: deltas must be positive")

// ErrUnderflow is returned by Move when the source slot holds less than the
// amount being moved out of it, which means the ledger and the reservation
// rows disagree.
var ErrUnderflow = errors.New("ledger: release would drop a counter below zero")

// ErrNoRoom is returned by a store applying a Transfer whose target slot
// lacks room.  The transaction the transfer ran in is rolled back.
var ErrNoRoom = errors.New("ledger: target slot has no room")

// Delta is an amount of reservations and seats taken from or returned to a
// slot.
type Delta struct {
	Reservations int
	Capacity     int
}

func (d Delta) valid() bool { return d.Reservations > 0 && d.Capacity > 0 }

// Limits are the maxima a quota row is created with.
type Limits struct {
	MaxReservations int
	MaxCapacity     int
}

// Store performs the atomic counter updates.  TryReserve and Move create a
// missing target row with the given limits before updating it; concurrent
// creators must converge on one row.
type Store interface {
	TryReserve(ctx context.Context, key model.SlotKey, limits Limits, d Delta) (bool, error)
	Release(ctx context.Context, key model.SlotKey, d Delta) (bool, error)
	Move(ctx context.Context, from, to model.SlotKey, limits Limits, out, in Delta) (bool, error)
	Get(ctx context.Context, key model.SlotKey) (model.ReservationQuota, bool, error)
}

// Ledger is the quota API used by the state machine.
type Ledger struct {
	store   Store
	limits  Limits
	log     *slog.Logger
	metrics *Metrics
}

// New returns a ledger that creates missing slots with limits.
func New(store Store, limits Limits, logger *slog.Logger, metrics *Metrics) *Ledger {
	return &Ledger{store: store, limits: limits, log: logging.Component(logger, "quota-ledger"), metrics: metrics}
}

// TryReserve adds d to the slot if both counters stay within their maxima.
// It reports false, with no change made, when they would not.
func (l *Ledger) TryReserve(ctx context.Context, key model.SlotKey, d Delta) (bool, error) {
	if !d.valid() {
		return false, ErrInvalidDelta
	}
	ok, err := l.store.TryReserve(ctx, key, l.limits, d)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", key, err)
	}
	l.metrics.observe("reserve", ok)
	if !ok {
		l.log.Info("slot full", "slot", key.String(), "reservations", d.Reservations, "capacity", d.Capacity)
	}
	return ok, nil
}

// Release subtracts d from the slot unless a counter would drop below zero,
// in which case it reports false and changes nothing.
func (l *Ledger) Release(ctx context.Context, key model.SlotKey, d Delta) (bool, error) {
	if !d.valid() {
		return false, ErrInvalidDelta
	}
	ok, err := l.store.Release(ctx, key, d)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	l.metrics.observe("release", ok)
	if !ok {
		l.log.Error("release rejected, counters lower than expected", "slot", key.String(),
			"reservations", d.Reservations, "capacity", d.Capacity, "inconsistency", true)
	}
	return ok, nil
}

// Move releases out from one slot and reserves in on another as one unit.
// When the target lacks room it reports false and the source slot keeps
// what it had.  from and to may be the same slot (party size change).
func (l *Ledger) Move(ctx context.Context, from, to model.SlotKey, out, in Delta) (bool, error) {
	if !out.valid() || !in.valid() {
		return false, ErrInvalidDelta
	}
	ok, err := l.store.Move(ctx, from, to, l.limits, out, in)
	if err != nil {
		return false, fmt.Errorf("move %s -> %s: %w", from, to, err)
	}
	l.metrics.observe("move", ok)
	return ok, nil
}

// Transfer is a Move that a reservation store applies inside the same
// transaction as the reservation row it belongs to, so the quota and the
// row change together or not at all.
type Transfer struct {
	From   model.SlotKey
	To     model.SlotKey
	Out    Delta
	In     Delta
	Limits Limits // used when To has no row yet
}

// PlanTransfer validates a move for a store that applies it itself.
func (l *Ledger) PlanTransfer(from, to model.SlotKey, out, in Delta) (*Transfer, error) {
	if !out.valid() || !in.valid() {
		return nil, ErrInvalidDelta
	}
	return &Transfer{From: from, To: to, Out: out, In: in, Limits: l.limits}, nil
}

// Settled records the outcome of a planned transfer.  err is what the
// store returned; anything but nil or ErrNoRoom did not reach the bound
// check and is not counted.
func (l *Ledger) Settled(t *Transfer, err error) {
	switch {
	case err == nil:
		l.metrics.observe("move", true)
	case errors.Is(err, ErrNoRoom):
		l.metrics.observe("move", false)
		l.log.Info("slot full", "slot", t.To.String(), "reservations", t.In.Reservations, "capacity", t.In.Capacity)
	}
}

// Get returns the slot's counters, or an empty slot with the
// default limits when nobody has booked it yet.
func (l *Ledger) Get(ctx context.Context, key model.SlotKey) (model.ReservationQuota, error) {
	q, found, err := l.store.Get(ctx, key)
	if err != nil {
		return model.ReservationQuota{}, fmt.Errorf("get %s: %w", key, err)
	}
	if !found {
		return model.ReservationQuota{
			SlotKey:         key,
			MaxReservations: l.limits.MaxReservations,
			MaxCapacity:     l.limits.MaxCapacity,
		}, nil
	}
	return q, nil
}
