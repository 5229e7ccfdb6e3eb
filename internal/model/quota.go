package model

import (
	"fmt"
	"time"
)

// SlotKey identifies a quota row: one restaurant, one calendar date and one
// time bucket.  Date is YYYY-MM-DD and Slot is HH:MM, both in UTC.
type SlotKey struct {
	RestaurantID uint64 `json:"restaurant_id"`
	Date         string `json:"date"`
	Slot         string `json:"slot"`
}

func (k SlotKey) String() string { return fmt.Sprintf("%d/%s/%s", k.RestaurantID, k.Date, k.Slot) }

// SlotFor buckets a start time into the quota slot that tracks it.  The
// width must be positive; starts are truncated to the width in UTC.
func SlotFor(restaurantID uint64, start time.Time, width time.Duration) SlotKey {
	if width <= 0 {
		width = 30 * time.Minute
	}
	t := start.UTC().Truncate(width)
	return SlotKey{
		RestaurantID: restaurantID,
		Date:         t.Format("2006-01-02"),
		Slot:         t.Format("15:04"),
	}
}

// ParseSlotKey validates date and slot strings coming from the API.
func ParseSlotKey(restaurantID uint64, date, slot string) (SlotKey, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return SlotKey{}, fmt.Errorf("invalid date %q", date)
	}
	if _, err := time.Parse("15:04", slot); err != nil {
		return SlotKey{}, fmt.Errorf("invalid slot %q", slot)
	}
	return SlotKey{RestaurantID: restaurantID, Date: date, Slot: slot}, nil
}

// ReservationQuota holds the reservation-count and seating-capacity counters
// of a slot.  Both counters stay within [0, max]; writes that would cross a
// bound are rejected, never clamped.
type ReservationQuota struct {
	SlotKey
	MaxReservations     int `json:"max_reservations"`
	CurrentReservations int `json:"current_reservations"`
	MaxCapacity         int `json:"max_capacity"`
	CurrentCapacity     int `json:"current_capacity"`
}

// CanReserve reports whether adding the deltas keeps both counters within
// their maxima.
func (q ReservationQuota) CanReserve(reservations, capacity int) bool {
	return q.CurrentReservations+reservations <= q.MaxReservations &&
		q.CurrentCapacity+capacity <= q.MaxCapacity
}

// CanRelease reports whether removing the deltas keeps both counters at or
// above zero.
func (q ReservationQuota) CanRelease(reservations, capacity int) bool {
	return q.CurrentReservations-reservations >= 0 && q.CurrentCapacity-capacity >= 0
}

// RemainingCapacity is the number of seats still bookable in the slot.
func (q ReservationQuota) RemainingCapacity() int { return q.MaxCapacity - q.CurrentCapacity }

// RemainingReservations is the number of reservations still bookable.
func (q ReservationQuota) RemainingReservations() int {
	return q.MaxReservations - q.CurrentReservations
}
