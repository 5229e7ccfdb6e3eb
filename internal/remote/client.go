// Package remote exposes the restaurant and table services as ordinary method
// calls.  Each call is a correlated request/reply over the bus; a missing
// reply surfaces as *messaging.TimeoutError and is never mistaken for a
// negative answer.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/restaurant-reservation/internal/messaging"
)

// Caller is the part of the dispatcher the client needs.
type Caller interface {
	Call(ctx context.Context, kind messaging.Kind, payload, out any) error
	Send(ctx context.Context, kind messaging.Kind, payload any) error
}

// Restaurant is what the restaurant service reports about a restaurant.
type Restaurant struct {
	ID     uint64
	Exists bool
	Active bool
	Name   string
}

// TableAllocation is the table service's answer to an allocation request.
type TableAllocation struct {
	Available bool
	TableID   uint64
	Reason    string
}

// Client issues typed requests to the restaurant and table services.
type Client struct {
	caller Caller
}

// NewClient returns a client on top of caller.
func NewClient(caller Caller) *Client { return &Client{caller: caller} }

// ValidateRestaurant asks whether the restaurant exists and is active.
func (c *Client) ValidateRestaurant(ctx context.Context, restaurantID uint64) (Restaurant, error) {
	var resp messaging.RestaurantValidationResponse
	if err := c.caller.Call(ctx, messaging.KindRestaurantValidate,
		messaging.RestaurantValidationRequest{RestaurantID: restaurantID}, &resp); err != nil {
		return Restaurant{}, fmt.Errorf("validate restaurant %d: %w", restaurantID, err)
	}
	return Restaurant{ID: restaurantID, Exists: resp.Exists, Active: resp.Active, Name: resp.Name}, nil
}

// ValidateHours asks whether [start, start+duration) lies within the
// restaurant's operating hours.  A false result carries the reason.
func (c *Client) ValidateHours(ctx context.Context, restaurantID uint64, start time.Time, duration time.Duration) (bool, string, error) {
	var resp messaging.HoursValidationResponse
	req := messaging.HoursValidationRequest{
		RestaurantID:    restaurantID,
		StartsAt:        start.UTC(),
		DurationMinutes: int(duration / time.Minute),
	}
	if err := c.caller.Call(ctx, messaging.KindHoursValidate, req, &resp); err != nil {
		return false, "", fmt.Errorf("validate hours for restaurant %d: %w", restaurantID, err)
	}
	return resp.Valid, resp.Reason, nil
}

// RequestTable asks the table service to allocate a table for the party.
func (c *Client) RequestTable(ctx context.Context, restaurantID, reservationID uint64, start time.Time, duration time.Duration, partySize int) (TableAllocation, error) {
	var resp messaging.TableAvailabilityResponse
	req := messaging.TableAvailabilityRequest{
		RestaurantID:    restaurantID,
		ReservationID:   reservationID,
		StartsAt:        start.UTC(),
		DurationMinutes: int(duration / time.Minute),
		PartySize:       partySize,
	}
	if err := c.caller.Call(ctx, messaging.KindTableAvailability, req, &resp); err != nil {
		return TableAllocation{}, fmt.Errorf("request table at restaurant %d: %w", restaurantID, err)
	}
	if resp.Available && resp.TableID == 0 {
		return TableAllocation{}, fmt.Errorf("request table at restaurant %d: available reply without table id", restaurantID)
	}
	return TableAllocation{Available: resp.Available, TableID: resp.TableID, Reason: resp.Reason}, nil
}

// MarkTableReserved tells the table service a table now belongs to a
// reservation.  Fire-and-forget.
func (c *Client) MarkTableReserved(ctx context.Context, restaurantID, tableID, reservationID uint64) error {
	return c.updateTable(ctx, restaurantID, tableID, reservationID, messaging.TableReserved)
}

// ReleaseTable returns a table to the pool.  Fire-and-forget.
func (c *Client) ReleaseTable(ctx context.Context, restaurantID, tableID, reservationID uint64) error {
	return c.updateTable(ctx, restaurantID, tableID, reservationID, messaging.TableAvailable)
}

func (c *Client) updateTable(ctx context.Context, restaurantID, tableID, reservationID uint64, status string) error {
	err := c.caller.Send(ctx, messaging.KindTableStatusUpdate, messaging.TableStatusUpdate{
		TableID:       tableID,
		RestaurantID:  restaurantID,
		ReservationID: reservationID,
		Status:        status,
	})
	if err != nil {
		return fmt.Errorf("table %d -> %s: %w", tableID, status, err)
	}
	return nil
}

// ValidateOwnership asks whether ownerID owns the restaurant.
func (c *Client) ValidateOwnership(ctx context.Context, restaurantID, ownerID uint64) (bool, error) {
	var resp messaging.OwnershipValidationResponse
	if err := c.caller.Call(ctx, messaging.KindOwnershipValidate,
		messaging.OwnershipValidationRequest{RestaurantID: restaurantID, OwnerID: ownerID}, &resp); err != nil {
		return false, fmt.Errorf("validate ownership of restaurant %d: %w", restaurantID, err)
	}
	return resp.Owner, nil
}

// SearchRestaurants forwards a search to the restaurant service.
func (c *Client) SearchRestaurants(ctx context.Context, query, city string, limit int) ([]messaging.RestaurantSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var resp messaging.RestaurantSearchResponse
	if err := c.caller.Call(ctx, messaging.KindRestaurantSearch,
		messaging.RestaurantSearchRequest{Query: query, City: city, Limit: limit}, &resp); err != nil {
		return nil, fmt.Errorf("search restaurants: %w", err)
	}
	if resp.Restaurants == nil {
		return []messaging.RestaurantSummary{}, nil
	}
	return resp.Restaurants, nil
}
