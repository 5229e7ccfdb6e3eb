package model

import "time"

// Action labels a history entry.  MODIFIED and EXPIRED are actions only;
// they never appear in the reservation status column.
type Action string

const (
	ActionCreated   Action = "CREATED"
	ActionConfirmed Action = "CONFIRMED"
	ActionCancelled Action = "CANCELLED"
	ActionExpired   Action = "EXPIRED"
	ActionCompleted Action = "COMPLETED"
	ActionNoShow    Action = "NO_SHOW"
	ActionModified  Action = "MODIFIED"
)

// ActorType identifies who triggered a transition.
type ActorType string

const (
	ActorUser   ActorType = "USER"
	ActorOwner  ActorType = "OWNER"
	ActorSystem ActorType = "SYSTEM"
)

// Actor is the caller of a state machine operation.  System actors have ID 0.
type Actor struct {
	ID   uint64
	Type ActorType
}

// SystemActor is used by the reconciler.
var SystemActor = Actor{Type: ActorSystem}

// ReservationHistory is an append-only audit record written once per
// transition, in the same transaction as the status change.
type ReservationHistory struct {
	ID             uint64    `json:"id"`
	ReservationID  uint64    `json:"reservation_id"`
	Action         Action    `json:"action"`
	PreviousStatus *Status   `json:"previous_status,omitempty"`
	NewStatus      Status    `json:"new_status"`
	ActorID        uint64    `json:"actor_id"`
	ActorType      ActorType `json:"actor_type"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
