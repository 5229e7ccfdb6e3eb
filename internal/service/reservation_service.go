// Package service implements the reservation state machine.  It is the only
// place that moves a reservation between statuses, and every move is a
// conditional write: the row changes only if it is still in the status the
// decision was made on.  Remote validations, table allocation and the quota
// ledger are orchestrated here, with compensation when a later step fails.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iliyamo/restaurant-reservation/internal/clock"
	"github.com/iliyamo/restaurant-reservation/internal/config"
	"github.com/iliyamo/restaurant-reservation/internal/ledger"
	"github.com/iliyamo/restaurant-reservation/internal/logging"
	"github.com/iliyamo/restaurant-reservation/internal/messaging"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/remote"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
)

// Store is the persistence the state machine needs.  repository.ReservationRepo
// implements it against MySQL.
type Store interface {
	Create(ctx context.Context, res *model.Reservation, h model.ReservationHistory) error
	GetByID(ctx context.Context, id uint64) (*model.Reservation, error)
	ListByUser(ctx context.Context, userID uint64, limit, offset int) ([]model.Reservation, error)
	ListByRestaurant(ctx context.Context, restaurantID uint64, status model.Status, from, to time.Time) ([]model.Reservation, error)
	ListDue(ctx context.Context, status model.Status, now time.Time, limit, offset int) ([]model.Reservation, error)
	HasTableOverlap(ctx context.Context, tableID uint64, start, end time.Time, excludeID uint64) (bool, error)
	Transition(ctx context.Context, t repository.Transition) error
	UpdateDetails(ctx context.Context, res *model.Reservation, expectedVersion uint32, h model.ReservationHistory, move *ledger.Transfer) error
	History(ctx context.Context, reservationID uint64) ([]model.ReservationHistory, error)
}

// Remote is the set of calls made to the restaurant and table services.
// remote.Client implements it on top of the dispatcher.
type Remote interface {
	ValidateRestaurant(ctx context.Context, restaurantID uint64) (remote.Restaurant, error)
	ValidateHours(ctx context.Context, restaurantID uint64, start time.Time, duration time.Duration) (bool, string, error)
	RequestTable(ctx context.Context, restaurantID, reservationID uint64, start time.Time, duration time.Duration, partySize int) (remote.TableAllocation, error)
	MarkTableReserved(ctx context.Context, restaurantID, tableID, reservationID uint64) error
	ReleaseTable(ctx context.Context, restaurantID, tableID, reservationID uint64) error
	ValidateOwnership(ctx context.Context, restaurantID, ownerID uint64) (bool, error)
	SearchRestaurants(ctx context.Context, query, city string, limit int) ([]messaging.RestaurantSummary, error)
}

// Options carries the optional collaborators of a ReservationService.
type Options struct {
	Events EventPublisher // nil disables domain events
	Clock  clock.Clock
	Logger *slog.Logger
}

// ReservationService is the reservation state machine.
type ReservationService struct {
	store  Store
	remote Remote
	ledger *ledger.Ledger
	events EventPublisher
	policy config.ReservationPolicy
	clock  clock.Clock
	log    *slog.Logger
}

// NewReservationService wires the state machine.
func NewReservationService(store Store, rmt Remote, l *ledger.Ledger, policy config.ReservationPolicy, opts Options) *ReservationService {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &ReservationService{
		store:  store,
		remote: rmt,
		ledger: l,
		events: opts.Events,
		policy: policy,
		clock:  opts.Clock,
		log:    logging.Component(opts.Logger, "reservation-service"),
	}
}

const expiredReason = "expired"

// CreateInput is a booking request.  A zero Duration selects the default.
type CreateInput struct {
	RestaurantID    uint64
	StartsAt        time.Time
	Duration        time.Duration
	PartySize       int
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	SpecialRequests string
}

// ModifyInput lists the fields to change; nil fields keep their value.
type ModifyInput struct {
	StartsAt        *time.Time
	Duration        *time.Duration
	PartySize       *int
	CustomerName    *string
	CustomerEmail   *string
	CustomerPhone   *string
	SpecialRequests *string
}

func (in ModifyInput) empty() bool {
	return in.StartsAt == nil && in.Duration == nil && in.PartySize == nil &&
		in.CustomerName == nil && in.CustomerEmail == nil && in.CustomerPhone == nil && in.SpecialRequests == nil
}

// CancelResult is returned by Cancel.  AlreadyCancelled is set when the
// reservation was cancelled before this call, in which case nothing changed.
type CancelResult struct {
	Reservation      *model.Reservation
	AlreadyCancelled bool
}

// Create books a table.  The reservation starts PENDING and must be
// confirmed before its confirmation deadline.
func (s *ReservationService) Create(ctx context.Context, userID uint64, in CreateInput) (*model.Reservation, error) {
	if userID == 0 {
		return nil, &ForbiddenError{Message: "a customer account is required"}
	}
	if in.RestaurantID == 0 {
		return nil, invalid("restaurant_id", "is required")
	}
	if in.Duration == 0 {
		in.Duration = s.policy.DefaultDuration
	}
	now := s.clock.Now()
	start := in.StartsAt.UTC()
	if err := s.validateSchedule(start, in.Duration, in.PartySize, now); err != nil {
		return nil, err
	}
	if err := validateContact(in.CustomerName, in.CustomerEmail, in.CustomerPhone, in.SpecialRequests); err != nil {
		return nil, err
	}
	if err := s.checkRestaurant(ctx, in.RestaurantID); err != nil {
		return nil, err
	}
	if err := s.checkHours(ctx, in.RestaurantID, start, in.Duration); err != nil {
		return nil, err
	}

	var undo compensations
	attrs := []any{"op", "create", "restaurant_id", in.RestaurantID, "user_id", userID}
	fail := func(err error) (*model.Reservation, error) {
		undo.run(ctx, s.log, attrs...)
		return nil, err
	}

	alloc, err := s.remote.RequestTable(ctx, in.RestaurantID, 0, start, in.Duration, in.PartySize)
	if err != nil {
		return nil, fmt.Errorf("request table: %w", err)
	}
	if !alloc.Available {
		return nil, &ConflictError{Message: reasonOr(alloc.Reason, "no table available for the requested time")}
	}
	tableID := alloc.TableID
	undo.push("release table", func(ctx context.Context) error {
		return s.remote.ReleaseTable(ctx, in.RestaurantID, tableID, 0)
	})

	end := start.Add(in.Duration)
	overlap, err := s.store.HasTableOverlap(ctx, tableID, start, end, 0)
	if err != nil {
		return fail(fmt.Errorf("check table overlap: %w", err))
	}
	if overlap {
		return fail(&ConflictError{Message: "table is already booked for the requested time"})
	}

	slot := s.slotOf(in.RestaurantID, start)
	delta := ledger.Delta{Reservations: 1, Capacity: in.PartySize}
	ok, err := s.ledger.TryReserve(ctx, slot, delta)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(&ConflictError{Message: "no capacity left in the requested time slot"})
	}
	undo.push("release quota", func(ctx context.Context) error { return s.releaseDelta(ctx, slot, delta) })

	deadline := now.Add(s.policy.ConfirmationWindow)
	if deadline.After(start) {
		deadline = start
	}
	res := &model.Reservation{
		UserID:               userID,
		RestaurantID:         in.RestaurantID,
		TableID:              &tableID,
		StartsAt:             start,
		Duration:             in.Duration,
		EndsAt:               end,
		PartySize:            in.PartySize,
		Status:               model.StatusPending,
		ConfirmationDeadline: &deadline,
		CustomerName:         strings.TrimSpace(in.CustomerName),
		CustomerEmail:        strings.TrimSpace(in.CustomerEmail),
		CustomerPhone:        strings.TrimSpace(in.CustomerPhone),
		SpecialRequests:      strings.TrimSpace(in.SpecialRequests),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	h := newHistory(model.ActionCreated, nil, model.StatusPending, model.Actor{ID: userID, Type: model.ActorUser}, "", now)
	if err := s.store.Create(ctx, res, h); err != nil {
		if errors.Is(err, repository.ErrTableTaken) {
			return fail(&ConflictError{Message: "table is already booked for the requested time"})
		}
		return fail(fmt.Errorf("persist reservation: %w", err))
	}

	if err := s.remote.MarkTableReserved(ctx, in.RestaurantID, tableID, res.ID); err != nil {
		s.log.Warn("table status update failed", "reservation_id", res.ID, "table_id", tableID, "error", err)
	}
	s.log.Info("reservation created", "reservation_id", res.ID, "restaurant_id", res.RestaurantID,
		"table_id", tableID, "party_size", res.PartySize, "slot", slot.String())
	s.publish(ctx, EventCreated, res, "")
	return res, nil
}

// Confirm moves a PENDING reservation to CONFIRMED.  A reservation whose
// deadline has passed is cancelled as expired instead and the call fails.
func (s *ReservationService) Confirm(ctx context.Context, actor model.Actor, id uint64) (*model.Reservation, error) {
	res, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireCustomer(actor, res); err != nil {
		return nil, err
	}
	if res.Status != model.StatusPending {
		return nil, stateConflict(res, "confirm", "")
	}
	if res.DeadlinePassed(s.clock.Now()) {
		if _, err := s.expire(ctx, res); err != nil {
			s.log.Error("expire on late confirmation failed", "reservation_id", id, "error", err)
		}
		return nil, stateConflict(res, "confirm", "confirmation deadline passed")
	}

	after, err := s.transition(ctx, res, model.StatusConfirmed, model.ActionConfirmed, actor, "", func(t *repository.Transition) {
		t.DeadlineOpen = &t.At
	})
	if errors.Is(err, repository.ErrStale) {
		return nil, s.conflictAfterRace(ctx, id, "confirm")
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("reservation confirmed", "reservation_id", id)
	s.publish(ctx, EventConfirmed, after, "")
	return after, nil
}

// Cancel cancels a PENDING or CONFIRMED reservation and returns its quota
// and table.  Customers may cancel their own reservations, restaurant owners
// those of their restaurant.  Cancelling twice is a no-op.
func (s *ReservationService) Cancel(ctx context.Context, actor model.Actor, id uint64, reason string) (CancelResult, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > 255 {
		return CancelResult{}, invalid("reason", "must be at most 255 characters")
	}
	res, err := s.load(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	switch actor.Type {
	case model.ActorUser:
		err = requireCustomer(actor, res)
	case model.ActorOwner:
		err = s.requireRestaurantOwner(ctx, actor, res.RestaurantID)
	}
	if err != nil {
		return CancelResult{}, err
	}
	if res.Status == model.StatusCancelled {
		return CancelResult{Reservation: res, AlreadyCancelled: true}, nil
	}
	if !model.CanTransition(res.Status, model.StatusCancelled) {
		return CancelResult{}, stateConflict(res, "cancel", "")
	}
	if reason == "" {
		reason = "cancelled by " + strings.ToLower(string(actor.Type))
	}

	after, err := s.transition(ctx, res, model.StatusCancelled, model.ActionCancelled, actor, reason, func(t *repository.Transition) {
		t.Reason = &reason
	})
	if errors.Is(err, repository.ErrStale) {
		current, lerr := s.load(ctx, id)
		if lerr == nil && current.Status == model.StatusCancelled {
			return CancelResult{Reservation: current, AlreadyCancelled: true}, nil
		}
		return CancelResult{}, s.conflictAfterRace(ctx, id, "cancel")
	}
	if err != nil {
		return CancelResult{}, err
	}
	s.releaseHeld(ctx, res, true)
	s.log.Info("reservation cancelled", "reservation_id", id, "actor_type", actor.Type, "previous_status", res.Status)
	s.publish(ctx, EventCancelled, after, reason)
	return CancelResult{Reservation: after}, nil
}

// Complete marks a CONFIRMED reservation whose time is over as COMPLETED
// and frees its table.
func (s *ReservationService) Complete(ctx context.Context, actor model.Actor, id uint64) (*model.Reservation, error) {
	res, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireRestaurantOwner(ctx, actor, res.RestaurantID); err != nil {
		return nil, err
	}
	if res.Status != model.StatusConfirmed {
		return nil, stateConflict(res, "complete", "")
	}
	if res.EndsAt.After(s.clock.Now()) {
		return nil, stateConflict(res, "complete", "reservation has not ended yet")
	}
	after, err := s.transition(ctx, res, model.StatusCompleted, model.ActionCompleted, actor, "", func(t *repository.Transition) {
		t.EndedBy = &t.At
	})
	if errors.Is(err, repository.ErrStale) {
		return nil, s.conflictAfterRace(ctx, id, "complete")
	}
	if err != nil {
		return nil, err
	}
	s.releaseHeld(ctx, res, false)
	s.publish(ctx, EventCompleted, after, "")
	return after, nil
}

// MarkNoShow records that the party of a CONFIRMED reservation did not turn
// up.  It is allowed once the no-show grace period after the start passed.
func (s *ReservationService) MarkNoShow(ctx context.Context, actor model.Actor, id uint64) (*model.Reservation, error) {
	res, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireRestaurantOwner(ctx, actor, res.RestaurantID); err != nil {
		return nil, err
	}
	if res.Status != model.StatusConfirmed {
		return nil, stateConflict(res, "mark as no-show", "")
	}
	now := s.clock.Now()
	if !now.After(res.StartsAt.Add(s.policy.NoShowGrace)) {
		return nil, stateConflict(res, "mark as no-show", "grace period has not elapsed")
	}
	grace := s.policy.NoShowGrace
	after, err := s.transition(ctx, res, model.StatusNoShow, model.ActionNoShow, actor, "", func(t *repository.Transition) {
		cutoff := t.At.Add(-grace)
		t.StartedBefore = &cutoff
	})
	if errors.Is(err, repository.ErrStale) {
		return nil, s.conflictAfterRace(ctx, id, "mark as no-show")
	}
	if err != nil {
		return nil, err
	}
	s.releaseHeld(ctx, res, true)
	s.publish(ctx, EventNoShow, after, "")
	return after, nil
}

// Modify changes time, duration, party size or contact details of a
// reservation that is still PENDING or CONFIRMED.  Scheduling changes are
// validated like a new booking; when any step fails the original
// reservation, its table and its quota are left as they were.
func (s *ReservationService) Modify(ctx context.Context, actor model.Actor, id uint64, in ModifyInput) (*model.Reservation, error) {
	if in.empty() {
		return nil, invalid("", "nothing to modify")
	}
	res, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireCustomer(actor, res); err != nil {
		return nil, err
	}
	if !res.Status.Modifiable() {
		return nil, stateConflict(res, "modify", "")
	}

	now := s.clock.Now()
	next := res.Clone()
	if in.StartsAt != nil {
		next.StartsAt = in.StartsAt.UTC()
	}
	if in.Duration != nil {
		next.Duration = *in.Duration
	}
	if in.PartySize != nil {
		next.PartySize = *in.PartySize
	}
	if in.CustomerName != nil {
		next.CustomerName = strings.TrimSpace(*in.CustomerName)
	}
	if in.CustomerEmail != nil {
		next.CustomerEmail = strings.TrimSpace(*in.CustomerEmail)
	}
	if in.CustomerPhone != nil {
		next.CustomerPhone = strings.TrimSpace(*in.CustomerPhone)
	}
	if in.SpecialRequests != nil {
		next.SpecialRequests = strings.TrimSpace(*in.SpecialRequests)
	}
	next.EndsAt = next.StartsAt.Add(next.Duration)
	next.UpdatedAt = now
	if next.ConfirmationDeadline != nil && next.ConfirmationDeadline.After(next.StartsAt) {
		deadline := next.StartsAt
		next.ConfirmationDeadline = &deadline
	}

	rescheduled := !next.StartsAt.Equal(res.StartsAt) || next.Duration != res.Duration || next.PartySize != res.PartySize
	if rescheduled {
		if err := s.validateSchedule(next.StartsAt, next.Duration, next.PartySize, now); err != nil {
			return nil, err
		}
	}
	if err := validateContact(next.CustomerName, next.CustomerEmail, next.CustomerPhone, next.SpecialRequests); err != nil {
		return nil, err
	}

	var undo compensations
	attrs := []any{"op", "modify", "reservation_id", id}
	fail := func(err error) (*model.Reservation, error) {
		undo.run(ctx, s.log, attrs...)
		return nil, err
	}
	tableChanged := false
	var move *ledger.Transfer
	if rescheduled {
		if err := s.checkHours(ctx, res.RestaurantID, next.StartsAt, next.Duration); err != nil {
			return nil, err
		}
		alloc, err := s.remote.RequestTable(ctx, res.RestaurantID, res.ID, next.StartsAt, next.Duration, next.PartySize)
		if err != nil {
			return nil, fmt.Errorf("request table: %w", err)
		}
		if !alloc.Available {
			return nil, &ConflictError{Message: reasonOr(alloc.Reason, "no table available for the requested time")}
		}
		newTable := alloc.TableID
		tableChanged = res.TableID == nil || *res.TableID != newTable
		if tableChanged {
			undo.push("release new table", func(ctx context.Context) error {
				return s.remote.ReleaseTable(ctx, res.RestaurantID, newTable, res.ID)
			})
		}
		next.TableID = &newTable

		overlap, err := s.store.HasTableOverlap(ctx, newTable, next.StartsAt, next.EndsAt, res.ID)
		if err != nil {
			return fail(fmt.Errorf("check table overlap: %w", err))
		}
		if overlap {
			return fail(&ConflictError{Message: "table is already booked for the requested time"})
		}

		oldSlot := s.slotOf(res.RestaurantID, res.StartsAt)
		newSlot := s.slotOf(res.RestaurantID, next.StartsAt)
		if oldSlot != newSlot || res.PartySize != next.PartySize {
			move, err = s.ledger.PlanTransfer(oldSlot, newSlot,
				ledger.Delta{Reservations: 1, Capacity: res.PartySize},
				ledger.Delta{Reservations: 1, Capacity: next.PartySize})
			if err != nil {
				return fail(err)
			}
		}
	}

	// the quota move commits with the row or not at all
	h := newHistory(model.ActionModified, &res.Status, res.Status, actor, describeChanges(res, next), now)
	err = s.store.UpdateDetails(ctx, next, res.Version, h, move)
	if move != nil {
		s.ledger.Settled(move, err)
	}
	switch {
	case errors.Is(err, repository.ErrStale):
		undo.run(ctx, s.log, attrs...)
		return nil, s.conflictAfterRace(ctx, id, "modify")
	case errors.Is(err, ledger.ErrNoRoom):
		return fail(&ConflictError{Message: "no capacity left in the requested time slot"})
	case errors.Is(err, repository.ErrTableTaken):
		return fail(&ConflictError{Message: "table is already booked for the requested time"})
	case err != nil:
		return fail(fmt.Errorf("persist modification: %w", err))
	}

	if tableChanged {
		bg := context.WithoutCancel(ctx)
		if res.TableID != nil {
			if err := s.remote.ReleaseTable(bg, res.RestaurantID, *res.TableID, res.ID); err != nil {
				s.log.Error("release of previous table failed", "reservation_id", id, "table_id", *res.TableID,
					"error", err, "inconsistency", true)
			}
		}
		if err := s.remote.MarkTableReserved(bg, res.RestaurantID, *next.TableID, res.ID); err != nil {
			s.log.Warn("table status update failed", "reservation_id", id, "table_id", *next.TableID, "error", err)
		}
	}
	s.log.Info("reservation modified", "reservation_id", id, "rescheduled", rescheduled)
	s.publish(ctx, EventModified, next, "")
	return next, nil
}

// Get returns a reservation the actor may see.
func (s *ReservationService) Get(ctx context.Context, actor model.Actor, id uint64) (*model.Reservation, error) {
	res, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.canView(ctx, actor, res); err != nil {
		return nil, err
	}
	return res, nil
}

// History returns the audit trail of a reservation the actor may see.
func (s *ReservationService) History(ctx context.Context, actor model.Actor, id uint64) ([]model.ReservationHistory, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	entries, err := s.store.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

// ListMine pages through a customer's reservations.
func (s *ReservationService) ListMine(ctx context.Context, userID uint64, limit, offset int) ([]model.Reservation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	out, err := s.store.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

// ListForRestaurant returns the reservations of a restaurant starting in
// [from, to).  Zero bounds select today and the following week.
func (s *ReservationService) ListForRestaurant(ctx context.Context, actor model.Actor, restaurantID uint64, status model.Status, from, to time.Time) ([]model.Reservation, error) {
	if status != "" && !status.Valid() {
		return nil, invalid("status", "unknown status %q", status)
	}
	if from.IsZero() {
		from = s.clock.Now().Truncate(24 * time.Hour)
	}
	if to.IsZero() {
		to = from.Add(7 * 24 * time.Hour)
	}
	if !to.After(from) {
		return nil, invalid("to", "must be after from")
	}
	if err := s.requireRestaurantOwner(ctx, actor, restaurantID); err != nil {
		return nil, err
	}
	out, err := s.store.ListByRestaurant(ctx, restaurantID, status, from, to)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

// Availability reports the quota counters of one slot.
func (s *ReservationService) Availability(ctx context.Context, restaurantID uint64, date, slot string) (model.ReservationQuota, error) {
	if restaurantID == 0 {
		return model.ReservationQuota{}, invalid("restaurant_id", "is required")
	}
	key, err := model.ParseSlotKey(restaurantID, date, slot)
	if err != nil {
		return model.ReservationQuota{}, invalid("slot", "%v", err)
	}
	aligned := s.slotOf(restaurantID, slotStart(key))
	if aligned != key {
		return model.ReservationQuota{}, invalid("slot", "must be aligned to %d minutes", int(s.policy.SlotWidth/time.Minute))
	}
	return s.ledger.Get(ctx, key)
}

// SearchRestaurants forwards a search to the restaurant service.
func (s *ReservationService) SearchRestaurants(ctx context.Context, query, city string, limit int) ([]messaging.RestaurantSummary, error) {
	query, city = strings.TrimSpace(query), strings.TrimSpace(city)
	if query == "" && city == "" {
		return nil, invalid("q", "query or city is required")
	}
	out, err := s.remote.SearchRestaurants(ctx, query, city, limit)
	if err != nil {
		return nil, fmt.Errorf("search restaurants: %w", err)
	}
	return out, nil
}

// ListOverdue returns PENDING reservations whose confirmation deadline has
// passed, oldest first.
func (s *ReservationService) ListOverdue(ctx context.Context, limit, offset int) ([]model.Reservation, error) {
	return s.store.ListDue(ctx, model.StatusPending, s.clock.Now(), limit, offset)
}

// ListElapsed returns CONFIRMED reservations whose end time has passed.
func (s *ReservationService) ListElapsed(ctx context.Context, limit, offset int) ([]model.Reservation, error) {
	return s.store.ListDue(ctx, model.StatusConfirmed, s.clock.Now(), limit, offset)
}

// ExpireOverdue cancels a PENDING reservation whose confirmation deadline
// has passed.  It reports false without error when the reservation is no
// longer eligible, for instance because it was confirmed in the meantime.
func (s *ReservationService) ExpireOverdue(ctx context.Context, id uint64) (bool, error) {
	res, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if res.Status != model.StatusPending || !res.DeadlinePassed(s.clock.Now()) {
		return false, nil
	}
	return s.expire(ctx, res)
}

// CompleteElapsed completes a CONFIRMED reservation whose end time has
// passed.  Ineligible reservations are reported as false without error.
func (s *ReservationService) CompleteElapsed(ctx context.Context, id uint64) (bool, error) {
	res, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if res.Status != model.StatusConfirmed || res.EndsAt.After(s.clock.Now()) {
		return false, nil
	}
	after, err := s.transition(ctx, res, model.StatusCompleted, model.ActionCompleted, model.SystemActor, "completed automatically", func(t *repository.Transition) {
		t.EndedBy = &t.At
	})
	if errors.Is(err, repository.ErrStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.releaseHeld(ctx, res, false)
	s.publish(ctx, EventCompleted, after, "")
	return true, nil
}

func (s *ReservationService) expire(ctx context.Context, res *model.Reservation) (bool, error) {
	reason := expiredReason
	after, err := s.transition(ctx, res, model.StatusCancelled, model.ActionExpired, model.SystemActor, "confirmation deadline passed", func(t *repository.Transition) {
		t.Reason = &reason
		t.DeadlineReached = &t.At
	})
	if errors.Is(err, repository.ErrStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.releaseHeld(ctx, res, true)
	s.log.Info("reservation expired", "reservation_id", res.ID)
	s.publish(ctx, EventCancelled, after, reason)
	return true, nil
}

// transition performs one guarded status change.  configure may add time
// guards; it sees the transition with At already set.
func (s *ReservationService) transition(ctx context.Context, res *model.Reservation, to model.Status, action model.Action, actor model.Actor, note string, configure func(*repository.Transition)) (*model.Reservation, error) {
	now := s.clock.Now()
	from := res.Status
	t := repository.Transition{
		ReservationID: res.ID,
		From:          from,
		To:            to,
		At:            now,
		History:       newHistory(action, &from, to, actor, note, now),
	}
	if configure != nil {
		configure(&t)
	}
	if err := s.store.Transition(ctx, t); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return nil, err
		}
		return nil, fmt.Errorf("%s reservation %d: %w", strings.ToLower(string(action)), res.ID, err)
	}
	return t.Apply(res), nil
}

// releaseHeld returns what a reservation held before it left the live
// statuses.  res must be the state read before the transition.  Failures do
// not fail the operation; they are logged for repair.
func (s *ReservationService) releaseHeld(ctx context.Context, res *model.Reservation, quota bool) {
	ctx = context.WithoutCancel(ctx)
	if quota {
		slot := s.slotOf(res.RestaurantID, res.StartsAt)
		if err := s.releaseDelta(ctx, slot, ledger.Delta{Reservations: 1, Capacity: res.PartySize}); err != nil {
			s.log.Error("quota release failed", "reservation_id", res.ID, "slot", slot.String(),
				"error", err, "inconsistency", true)
		}
	}
	if res.TableID != nil {
		if err := s.remote.ReleaseTable(ctx, res.RestaurantID, *res.TableID, res.ID); err != nil {
			s.log.Error("table release failed", "reservation_id", res.ID, "table_id", *res.TableID,
				"error", err, "inconsistency", true)
		}
	}
}

func (s *ReservationService) releaseDelta(ctx context.Context, slot model.SlotKey, d ledger.Delta) error {
	ok, err := s.ledger.Release(ctx, slot, d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("slot %s holds less than %d seats", slot, d.Capacity)
	}
	return nil
}

func (s *ReservationService) load(ctx context.Context, id uint64) (*model.Reservation, error) {
	res, err := s.store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Resource: "reservation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation %d: %w", id, err)
	}
	return res, nil
}

// conflictAfterRace builds the error for a conditional write that lost to a
// concurrent writer, reporting the status the row has now.
func (s *ReservationService) conflictAfterRace(ctx context.Context, id uint64, op string) error {
	current, err := s.load(ctx, id)
	if err != nil {
		return &StateConflictError{ReservationID: id, Op: op, Reason: "reservation changed concurrently"}
	}
	return stateConflict(current, op, "reservation changed concurrently")
}

func (s *ReservationService) slotOf(restaurantID uint64, start time.Time) model.SlotKey {
	return model.SlotFor(restaurantID, start, s.policy.SlotWidth)
}

func (s *ReservationService) validateSchedule(start time.Time, d time.Duration, party int, now time.Time) error {
	if party < s.policy.PartyMin || party > s.policy.PartyMax {
		return invalid("party_size", "must be between %d and %d", s.policy.PartyMin, s.policy.PartyMax)
	}
	if d < s.policy.MinDuration || d > s.policy.MaxDuration {
		return invalid("duration_minutes", "must be between %d and %d",
			int(s.policy.MinDuration/time.Minute), int(s.policy.MaxDuration/time.Minute))
	}
	if d%time.Minute != 0 {
		return invalid("duration_minutes", "must be a whole number of minutes")
	}
	if start.IsZero() {
		return invalid("starts_at", "is required")
	}
	if !start.After(now) {
		return invalid("starts_at", "must be in the future")
	}
	return nil
}

func validateContact(name, email, phone, requests string) error {
	switch {
	case len(name) > 255:
		return invalid("customer_name", "must be at most 255 characters")
	case len(email) > 255:
		return invalid("customer_email", "must be at most 255 characters")
	case email != "" && !strings.Contains(email, "@"):
		return invalid("customer_email", "is not an email address")
	case len(phone) > 64:
		return invalid("customer_phone", "must be at most 64 characters")
	case len(requests) > 2000:
		return invalid("special_requests", "must be at most 2000 characters")
	}
	return nil
}

func (s *ReservationService) checkRestaurant(ctx context.Context, restaurantID uint64) error {
	r, err := s.remote.ValidateRestaurant(ctx, restaurantID)
	if err != nil {
		return fmt.Errorf("validate restaurant: %w", err)
	}
	if !r.Exists {
		return &NotFoundError{Resource: "restaurant", ID: restaurantID}
	}
	if !r.Active {
		return invalid("restaurant_id", "restaurant is not accepting reservations")
	}
	return nil
}

func (s *ReservationService) checkHours(ctx context.Context, restaurantID uint64, start time.Time, d time.Duration) error {
	ok, reason, err := s.remote.ValidateHours(ctx, restaurantID, start, d)
	if err != nil {
		return fmt.Errorf("validate opening hours: %w", err)
	}
	if !ok {
		return invalid("starts_at", "%s", reasonOr(reason, "outside opening hours"))
	}
	return nil
}

func requireCustomer(actor model.Actor, res *model.Reservation) error {
	if actor.Type != model.ActorUser || !res.IsOwnedBy(actor.ID) {
		return errForbidden
	}
	return nil
}

func (s *ReservationService) requireRestaurantOwner(ctx context.Context, actor model.Actor, restaurantID uint64) error {
	switch actor.Type {
	case model.ActorSystem:
		return nil
	case model.ActorOwner:
		owner, err := s.remote.ValidateOwnership(ctx, restaurantID, actor.ID)
		if err != nil {
			return fmt.Errorf("validate ownership: %w", err)
		}
		if owner {
			return nil
		}
	}
	return &ForbiddenError{Message: "not an owner of this restaurant"}
}

func (s *ReservationService) canView(ctx context.Context, actor model.Actor, res *model.Reservation) error {
	if actor.Type == model.ActorUser {
		return requireCustomer(actor, res)
	}
	return s.requireRestaurantOwner(ctx, actor, res.RestaurantID)
}

func stateConflict(res *model.Reservation, op, reason string) error {
	return &StateConflictError{ReservationID: res.ID, Status: res.Status, Op: op, Reason: reason}
}

func newHistory(action model.Action, prev *model.Status, next model.Status, actor model.Actor, note string, at time.Time) model.ReservationHistory {
	var p *model.Status
	if prev != nil {
		v := *prev
		p = &v
	}
	return model.ReservationHistory{
		Action:         action,
		PreviousStatus: p,
		NewStatus:      next,
		ActorID:        actor.ID,
		ActorType:      actor.Type,
		Note:           note,
		CreatedAt:      at,
	}
}

func describeChanges(before, after *model.Reservation) string {
	var parts []string
	if !before.StartsAt.Equal(after.StartsAt) {
		parts = append(parts, fmt.Sprintf("starts_at %s -> %s", before.StartsAt.Format(time.RFC3339), after.StartsAt.Format(time.RFC3339)))
	}
	if before.Duration != after.Duration {
		parts = append(parts, fmt.Sprintf("duration_minutes %d -> %d", before.DurationMinutes(), after.DurationMinutes()))
	}
	if before.PartySize != after.PartySize {
		parts = append(parts, fmt.Sprintf("party_size %d -> %d", before.PartySize, after.PartySize))
	}
	if !equalTable(before.TableID, after.TableID) {
		parts = append(parts, fmt.Sprintf("table_id %s -> %s", tableString(before.TableID), tableString(after.TableID)))
	}
	if before.CustomerName != after.CustomerName || before.CustomerEmail != after.CustomerEmail ||
		before.CustomerPhone != after.CustomerPhone || before.SpecialRequests != after.SpecialRequests {
		parts = append(parts, "contact details updated")
	}
	return strings.Join(parts, "; ")
}

func equalTable(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func tableString(t *uint64) string {
	if t == nil {
		return "none"
	}
	return fmt.Sprint(*t)
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

// slotStart parses a key already checked by model.ParseSlotKey.
func slotStart(k model.SlotKey) time.Time {
	t, _ := time.Parse("2006-01-02 15:04", k.Date+" "+k.Slot)
	return t
}
