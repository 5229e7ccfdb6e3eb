// Package servicetest provides in-memory stand-ins for the collaborators of
// service.ReservationService: the reservation store, the remote restaurant
// and table services, and the domain event publisher.
package servicetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/restaurant-reservation/internal/ledger"
	"github.com/iliyamo/restaurant-reservation/internal/messaging"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/remote"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
	"github.com/iliyamo/restaurant-reservation/internal/service"
)

// Store keeps reservations in memory and evaluates transitions with the
// same guards as the MySQL repository.  Quota transfers passed to
// UpdateDetails are applied to quotas under the store's lock, which stands
// in for the shared transaction.
type Store struct {
	mu      sync.Mutex
	rows    map[uint64]*model.Reservation
	history map[uint64][]model.ReservationHistory
	nextID  uint64
	quotas  *ledger.MemoryStore

	// CreateErr, when set, fails every Create.
	CreateErr error
	// BeforeUpdate runs inside UpdateDetails before the version check and
	// may mutate the stored row to simulate a concurrent writer.
	BeforeUpdate func(row *model.Reservation)
}

var _ service.Store = (*Store)(nil)

// NewStore returns an empty store whose modifications move quota in quotas.
func NewStore(quotas *ledger.MemoryStore) *Store {
	return &Store{
		rows:    map[uint64]*model.Reservation{},
		history: map[uint64][]model.ReservationHistory{},
		quotas:  quotas,
	}
}

// Put stores a copy of res, assigning an id when it has none.
func (s *Store) Put(res model.Reservation) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.ID == 0 {
		s.nextID++
		res.ID = s.nextID
	} else if res.ID > s.nextID {
		s.nextID = res.ID
	}
	s.rows[res.ID] = res.Clone()
	return res.ID
}

// Row returns a copy of the stored reservation or nil.
func (s *Store) Row(id uint64) *model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		return r.Clone()
	}
	return nil
}

// Entries returns the history written for id.
func (s *Store) Entries(id uint64) []model.ReservationHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ReservationHistory(nil), s.history[id]...)
}

func (s *Store) Create(ctx context.Context, res *model.Reservation, h model.ReservationHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if res.TableID != nil && s.overlaps(*res.TableID, res.StartsAt, res.EndsAt, 0) {
		return repository.ErrTableTaken
	}
	s.nextID++
	res.ID = s.nextID
	res.Version = 1
	s.rows[res.ID] = res.Clone()
	h.ReservationID = res.ID
	s.history[res.ID] = append(s.history[res.ID], h)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uint64) (*model.Reservation, error) {
	if r := s.Row(id); r != nil {
		return r, nil
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListByUser(ctx context.Context, userID uint64, limit, offset int) ([]model.Reservation, error) {
	out := s.filter(func(r *model.Reservation) bool { return r.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.After(out[j].StartsAt) })
	return page(out, limit, offset), nil
}

func (s *Store) ListByRestaurant(ctx context.Context, restaurantID uint64, status model.Status, from, to time.Time) ([]model.Reservation, error) {
	out := s.filter(func(r *model.Reservation) bool {
		return r.RestaurantID == restaurantID && (status == "" || r.Status == status) &&
			!r.StartsAt.Before(from) && r.StartsAt.Before(to)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (s *Store) ListDue(ctx context.Context, status model.Status, now time.Time, limit, offset int) ([]model.Reservation, error) {
	var out []model.Reservation
	switch status {
	case model.StatusPending:
		out = s.filter(func(r *model.Reservation) bool { return r.Status == status && r.DeadlinePassed(now) })
	case model.StatusConfirmed:
		out = s.filter(func(r *model.Reservation) bool { return r.Status == status && !r.EndsAt.After(now) })
	default:
		return nil, errors.New("no due column for status " + string(status))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (s *Store) HasTableOverlap(ctx context.Context, tableID uint64, start, end time.Time, excludeID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps(tableID, start, end, excludeID), nil
}

// overlaps must be called with s.mu held.
func (s *Store) overlaps(tableID uint64, start, end time.Time, excludeID uint64) bool {
	for _, r := range s.rows {
		if r.TableID != nil && *r.TableID == tableID && r.ID != excludeID &&
			(r.Status == model.StatusPending || r.Status == model.StatusConfirmed) &&
			r.StartsAt.Before(end) && r.EndsAt.After(start) {
			return true
		}
	}
	return false
}

func (s *Store) Transition(ctx context.Context, t repository.Transition) error {
	if !model.CanTransition(t.From, t.To) {
		return errors.New("illegal transition")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[t.ReservationID]
	if !ok || !t.Holds(row) {
		return repository.ErrStale
	}
	s.rows[t.ReservationID] = t.Apply(row)
	h := t.History
	h.ReservationID = t.ReservationID
	s.history[t.ReservationID] = append(s.history[t.ReservationID], h)
	return nil
}

func (s *Store) UpdateDetails(ctx context.Context, res *model.Reservation, expectedVersion uint32, h model.ReservationHistory, move *ledger.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[res.ID]
	if ok && s.BeforeUpdate != nil {
		s.BeforeUpdate(row)
	}
	if !ok || row.Version != expectedVersion || !row.Status.Modifiable() {
		return repository.ErrStale
	}
	if res.TableID != nil && s.overlaps(*res.TableID, res.StartsAt, res.EndsAt, res.ID) {
		return repository.ErrTableTaken
	}
	if move != nil {
		if s.quotas == nil {
			return errors.New("servicetest: store has no quota ledger")
		}
		if err := s.quotas.ApplyTransfer(ctx, move); err != nil {
			return err
		}
	}
	updated := res.Clone()
	updated.Status = row.Status
	updated.Version = expectedVersion + 1
	s.rows[res.ID] = updated
	res.Version = updated.Version
	h.ReservationID = res.ID
	s.history[res.ID] = append(s.history[res.ID], h)
	return nil
}

func (s *Store) History(ctx context.Context, reservationID uint64) ([]model.ReservationHistory, error) {
	return s.Entries(reservationID), nil
}

func (s *Store) filter(keep func(*model.Reservation) bool) []model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Reservation{}
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, *r.Clone())
		}
	}
	return out
}

func page(in []model.Reservation, limit, offset int) []model.Reservation {
	if offset >= len(in) {
		return []model.Reservation{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

// Remote answers restaurant and table requests from fixed data.  Unknown
// restaurants do not exist; tables are handed out sequentially from 100.
type Remote struct {
	mu sync.Mutex

	Restaurants map[uint64]remote.Restaurant
	Owners      map[uint64]uint64 // restaurant id -> owner id
	HoursReason string            // non-empty rejects every hours check
	NoTable     string            // non-empty rejects every table request with this reason
	Err         error             // returned by every request/reply call when set
	Search      []messaging.RestaurantSummary

	// Allocate overrides sequential table allocation.
	Allocate func(restaurantID, reservationID uint64, partySize int) remote.TableAllocation

	nextTable uint64
	Requests  int
	Released  []uint64
	Reserved  []uint64
}

var _ service.Remote = (*Remote)(nil)

// NewRemote returns a remote that knows one active restaurant owned by
// ownerID.
func NewRemote(restaurantID, ownerID uint64) *Remote {
	return &Remote{
		Restaurants: map[uint64]remote.Restaurant{restaurantID: {ID: restaurantID, Exists: true, Active: true, Name: "Trattoria"}},
		Owners:      map[uint64]uint64{restaurantID: ownerID},
		nextTable:   100,
	}
}

func (r *Remote) ValidateRestaurant(ctx context.Context, restaurantID uint64) (remote.Restaurant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests++
	if r.Err != nil {
		return remote.Restaurant{}, r.Err
	}
	return r.Restaurants[restaurantID], nil
}

func (r *Remote) ValidateHours(ctx context.Context, restaurantID uint64, start time.Time, duration time.Duration) (bool, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests++
	if r.Err != nil {
		return false, "", r.Err
	}
	return r.HoursReason == "", r.HoursReason, nil
}

func (r *Remote) RequestTable(ctx context.Context, restaurantID, reservationID uint64, start time.Time, duration time.Duration, partySize int) (remote.TableAllocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests++
	if r.Err != nil {
		return remote.TableAllocation{}, r.Err
	}
	if r.NoTable != "" {
		return remote.TableAllocation{Reason: r.NoTable}, nil
	}
	if r.Allocate != nil {
		return r.Allocate(restaurantID, reservationID, partySize), nil
	}
	r.nextTable++
	return remote.TableAllocation{Available: true, TableID: r.nextTable}, nil
}

func (r *Remote) MarkTableReserved(ctx context.Context, restaurantID, tableID, reservationID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reserved = append(r.Reserved, tableID)
	return nil
}

func (r *Remote) ReleaseTable(ctx context.Context, restaurantID, tableID, reservationID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Released = append(r.Released, tableID)
	return nil
}

func (r *Remote) ValidateOwnership(ctx context.Context, restaurantID, ownerID uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests++
	if r.Err != nil {
		return false, r.Err
	}
	owner, ok := r.Owners[restaurantID]
	return ok && owner == ownerID, nil
}

func (r *Remote) SearchRestaurants(ctx context.Context, query, city string, limit int) ([]messaging.RestaurantSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests++
	if r.Err != nil {
		return nil, r.Err
	}
	return append([]messaging.RestaurantSummary{}, r.Search...), nil
}

// ReleasedTables returns a copy of the released table ids.
func (r *Remote) ReleasedTables() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.Released...)
}

// RequestCount is the number of request/reply calls made so far.
func (r *Remote) RequestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Requests
}

// Events records published domain events.
type Events struct {
	mu     sync.Mutex
	events []service.ReservationEvent
}

func (e *Events) PublishEvent(ctx context.Context, routingKey string, v any) error {
	ev, ok := v.(service.ReservationEvent)
	if !ok {
		return errors.New("unexpected event type")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

// Types lists the routing keys published so far, in order.
func (e *Events) Types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}
