package messaging

// Kind is the explicit tag carried by every envelope.  The router switches on
// it; payload types are never inferred from the body.
type Kind string

// Request kinds published by this service.
const (
	KindRestaurantValidate Kind = "restaurant.validate"
	KindHoursValidate      Kind = "restaurant.hours.validate"
	KindTableAvailability  Kind = "table.availability"
	KindRestaurantSearch   Kind = "restaurant.search"
	KindOwnershipValidate  Kind = "restaurant.ownership.validate"
	KindTableStatusUpdate  Kind = "table.status.update"
)

// Reply kinds consumed from the reply queue.
const (
	KindRestaurantValidateReply Kind = "restaurant.validate.reply"
	KindHoursValidateReply      Kind = "restaurant.hours.validate.reply"
	KindTableAvailabilityReply  Kind = "table.availability.reply"
	KindRestaurantSearchReply   Kind = "restaurant.search.reply"
	KindOwnershipValidateReply  Kind = "restaurant.ownership.validate.reply"
)

// Push kinds other services emit on their own schedule.
const (
	KindMenuItemUpdated     Kind = "menu.item.updated"
	KindMenuCategoryUpdated Kind = "menu.category.updated"
	KindUserProfileUpdated  Kind = "user.profile.updated"
)

// replyKinds pairs each request/response request kind with the reply kind the
// registry expects.  Fire-and-forget kinds are absent.
var replyKinds = map[Kind]Kind{
	KindRestaurantValidate: KindRestaurantValidateReply,
	KindHoursValidate:      KindHoursValidateReply,
	KindTableAvailability:  KindTableAvailabilityReply,
	KindRestaurantSearch:   KindRestaurantSearchReply,
	KindOwnershipValidate:  KindOwnershipValidateReply,
}

// ReplyKind returns the reply kind expected for a request kind and whether
// the request expects a reply at all.
func ReplyKind(k Kind) (Kind, bool) {
	r, ok := replyKinds[k]
	return r, ok
}

// InboundKinds lists every kind the router accepts from the broker.
func InboundKinds() []Kind {
	return []Kind{
		KindRestaurantValidateReply,
		KindHoursValidateReply,
		KindTableAvailabilityReply,
		KindRestaurantSearchReply,
		KindOwnershipValidateReply,
		KindMenuItemUpdated,
		KindMenuCategoryUpdated,
		KindUserProfileUpdated,
	}
}
