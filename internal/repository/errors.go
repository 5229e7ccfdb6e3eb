// Package repository holds the MySQL access code for reservations, their
// history and the per-slot quota counters.  The sentinel errors below let
// the service layer tell a missing row from a row that changed underneath
// a conditional update.
package repository

import "errors"

// ErrNotFound is returned when no reservation has the requested id.
var ErrNotFound = errors.New("reservation not found")

// ErrStale is returned when a conditional UPDATE matched no row: the status,
// version or time guard no longer holds because another writer got there
// first.  Callers translate this into a state conflict.
var ErrStale = errors.New("reservation changed concurrently")

// ErrTableTaken is returned by writes that would give a table to two live
// reservations whose times overlap.  The overlap is re-checked under a
// locking read inside the writing transaction.
var ErrTableTaken = errors.New("table already booked for an overlapping time")
