package model

import "time"

// Status is the lifecycle state of a reservation.  The status column is the
// single source of truth for which transitions are legal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
	StatusNoShow    Status = "NO_SHOW"
)

// transitions lists the outgoing edges of every status.  Terminal statuses
// have none.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted, StatusNoShow},
}

// CanTransition reports whether moving from one status to another follows an
// edge of the reservation state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// Modifiable reports whether time and party size may still be changed.
func (s Status) Modifiable() bool { return s == StatusPending || s == StatusConfirmed }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Reservation is a customer's booking of a table at a restaurant.
//
// Fields:
//  TableID              – assigned by the remote table service; nil once the
//                         reservation is cancelled or marked as a no-show.
//  EndsAt               – StartsAt + Duration, stored so time guards can be
//                         expressed as a single column comparison.
//  ConfirmationDeadline – set only while the reservation is PENDING.
//  Version              – optimistic concurrency counter, bumped on every write.
type Reservation struct {
	ID                   uint64        `json:"id"`
	UserID               uint64        `json:"user_id"`
	RestaurantID         uint64        `json:"restaurant_id"`
	TableID              *uint64       `json:"table_id,omitempty"`
	StartsAt             time.Time     `json:"starts_at"`
	Duration             time.Duration `json:"-"`
	EndsAt               time.Time     `json:"ends_at"`
	PartySize            int           `json:"party_size"`
	Status               Status        `json:"status"`
	ConfirmationDeadline *time.Time    `json:"confirmation_deadline,omitempty"`
	CustomerName         string        `json:"customer_name,omitempty"`
	CustomerEmail        string        `json:"customer_email,omitempty"`
	CustomerPhone        string        `json:"customer_phone,omitempty"`
	SpecialRequests      string        `json:"special_requests,omitempty"`
	CancellationReason   *string       `json:"cancellation_reason,omitempty"`
	Version              uint32        `json:"version"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	ConfirmedAt          *time.Time    `json:"confirmed_at,omitempty"`
	CancelledAt          *time.Time    `json:"cancelled_at,omitempty"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
}

// DurationMinutes is the persisted form of Duration.
func (r *Reservation) DurationMinutes() int { return int(r.Duration / time.Minute) }

// IsOwnedBy reports whether userID created the reservation.
func (r *Reservation) IsOwnedBy(userID uint64) bool { return r.UserID == userID }

// DeadlinePassed reports whether a pending reservation can no longer be
// confirmed at now.
func (r *Reservation) DeadlinePassed(now time.Time) bool {
	return r.ConfirmationDeadline != nil && !now.Before(*r.ConfirmationDeadline)
}

// Clone returns a deep copy so callers can keep the pre-transition state.
func (r *Reservation) Clone() *Reservation {
	c := *r
	c.TableID = cloneUint(r.TableID)
	c.ConfirmationDeadline = cloneTime(r.ConfirmationDeadline)
	c.ConfirmedAt = cloneTime(r.ConfirmedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.CancellationReason != nil {
		s := *r.CancellationReason
		c.CancellationReason = &s
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUint(u *uint64) *uint64 {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}
