package service

import (
	"fmt"

	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// ValidationError reports input that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing reservation or restaurant.
type NotFoundError struct {
	Resource string
	ID       uint64
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %d not found", e.Resource, e.ID) }

// ConflictError reports that the request is valid but resources ran out:
// no table, no quota left or an overlapping booking.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// StateConflictError reports an operation that the reservation's current
// status (or a time guard on it) does not allow.
type StateConflictError struct {
	ReservationID uint64
	Status        model.Status
	Op            string
	Reason        string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("cannot %s reservation %d in status %s", e.Op, e.ReservationID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ForbiddenError reports a caller acting on something it does not own.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }

var errForbidden = &ForbiddenError{Message: "not allowed to access this reservation"}
