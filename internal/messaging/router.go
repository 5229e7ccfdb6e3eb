package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/iliyamo/restaurant-reservation/internal/logging"
)

// Router receives messages from the bus and hands replies to the registry.
type Router struct {
	registry *Registry
	log      *slog.Logger
}

// NewRouter returns a router bound to reg.
func NewRouter(reg *Registry, logger *slog.Logger) *Router {
	return &Router{registry: reg, log: logging.Component(logger, "router")}
}

// Handle decodes a raw delivery and routes it.  correlationID is the broker
// level correlation property; it is used when the envelope carries none.
// A body that is not a valid envelope is returned as an error so the
// consumer can reject it.
func (r *Router) Handle(ctx context.Context, body []byte, correlationID string) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = correlationID
	}
	return r.Route(ctx, env)
}

// Route dispatches on the envelope's kind tag.  Every kind in InboundKinds
// has a case here; anything else is logged and dropped.
func (r *Router) Route(ctx context.Context, env Envelope) error {
	switch env.Kind {
	case KindRestaurantValidateReply,
		KindHoursValidateReply,
		KindTableAvailabilityReply,
		KindRestaurantSearchReply,
		KindOwnershipValidateReply:
		r.OnResponse(env.CorrelationID, env)
		return nil
	case KindMenuItemUpdated, KindMenuCategoryUpdated:
		var u MenuUpdate
		if err := env.Decode(&u); err != nil {
			return err
		}
		r.log.Info("menu update received", "kind", env.Kind, "restaurant_id", u.RestaurantID, "action", u.Action)
		return nil
	case KindUserProfileUpdated:
		var u UserProfileUpdate
		if err := env.Decode(&u); err != nil {
			return err
		}
		r.log.Info("user profile update received", "user_id", u.UserID)
		return nil
	default:
		r.log.Warn("unknown message kind dropped", "kind", env.Kind, "correlation_id", env.CorrelationID)
		return nil
	}
}

// OnResponse fulfils the slot for correlationID.  Duplicate and late
// deliveries are logged by the registry and otherwise ignored, so
// at-least-once delivery from the broker never double-fulfils.
func (r *Router) OnResponse(correlationID string, env Envelope) Outcome {
	if correlationID == "" {
		r.log.Warn("reply without correlation id dropped", "kind", env.Kind)
		return OutcomeLate
	}
	return r.registry.Fulfill(correlationID, env)
}
