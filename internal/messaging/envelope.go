package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire format of every message on the bus.  Error is set by a
// remote service that could not process a request at all; a negative answer
// (restaurant unknown, no table free) travels in Payload instead.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind Kind, correlationID string, payload any, now time.Time) (Envelope, error) {
	env := Envelope{Kind: kind, CorrelationID: correlationID, SentAt: now.UTC()}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = body
	}
	return env, nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Kind, err)
	}
	return nil
}

// RestaurantValidationRequest asks the restaurant service whether a
// restaurant exists and accepts reservations.
type RestaurantValidationRequest struct {
	RestaurantID uint64 `json:"restaurant_id"`
}

type RestaurantValidationResponse struct {
	RestaurantID uint64 `json:"restaurant_id"`
	Exists       bool   `json:"exists"`
	Active       bool   `json:"active"`
	Name         string `json:"name,omitempty"`
}

// HoursValidationRequest asks whether a time window falls inside the
// restaurant's operating hours.
type HoursValidationRequest struct {
	RestaurantID    uint64    `json:"restaurant_id"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

type HoursValidationResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// TableAvailabilityRequest asks the table service to allocate a table for a
// party.  A positive answer means the table is held for ReservationID (zero
// while the reservation row does not exist yet).
type TableAvailabilityRequest struct {
	RestaurantID    uint64    `json:"restaurant_id"`
	ReservationID   uint64    `json:"reservation_id,omitempty"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	PartySize       int       `json:"party_size"`
}

type TableAvailabilityResponse struct {
	Available bool   `json:"available"`
	TableID   uint64 `json:"table_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Table statuses carried by TableStatusUpdate.
const (
	TableReserved  = "RESERVED"
	TableAvailable = "AVAILABLE"
)

// TableStatusUpdate is fire-and-forget: no reply is expected.
type TableStatusUpdate struct {
	TableID       uint64 `json:"table_id"`
	RestaurantID  uint64 `json:"restaurant_id"`
	ReservationID uint64 `json:"reservation_id,omitempty"`
	Status        string `json:"status"`
}

type RestaurantSearchRequest struct {
	Query string `json:"query,omitempty"`
	City  string `json:"city,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type RestaurantSummary struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	City    string `json:"city,omitempty"`
	Cuisine string `json:"cuisine,omitempty"`
}

type RestaurantSearchResponse struct {
	Restaurants []RestaurantSummary `json:"restaurants"`
}

type OwnershipValidationRequest struct {
	RestaurantID uint64 `json:"restaurant_id"`
	OwnerID      uint64 `json:"owner_id"`
}

type OwnershipValidationResponse struct {
	Owner bool `json:"owner"`
}

// MenuUpdate and UserProfileUpdate are pushed by other services.  The
// reservation core only records that they arrived.
type MenuUpdate struct {
	RestaurantID uint64 `json:"restaurant_id"`
	ItemID       uint64 `json:"item_id,omitempty"`
	CategoryID   uint64 `json:"category_id,omitempty"`
	Action       string `json:"action,omitempty"`
}

type UserProfileUpdate struct {
	UserID uint64 `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
}
