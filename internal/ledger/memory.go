package ledger

import (
	"context"
	"sync"

	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// MemoryStore keeps quota rows in process memory.  Each operation checks and
// applies its change under one lock, which gives it the same all-or-nothing
// behaviour as the conditional SQL update in repository.QuotaRepo.  It does
// not coordinate across processes.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[model.SlotKey]*model.ReservationQuota
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[model.SlotKey]*model.ReservationQuota)}
}

// Seed installs a row, replacing any existing one.
func (s *MemoryStore) Seed(q model.ReservationQuota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := q
	s.rows[q.SlotKey] = &c
}

func (s *MemoryStore) row(key model.SlotKey, limits Limits) *model.ReservationQuota {
	q, ok := s.rows[key]
	if !ok {
		q = &model.ReservationQuota{SlotKey: key, MaxReservations: limits.MaxReservations, MaxCapacity: limits.MaxCapacity}
		s.rows[key] = q
	}
	return q
}

func (s *MemoryStore) TryReserve(ctx context.Context, key model.SlotKey, limits Limits, d Delta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.row(key, limits)
	if !q.CanReserve(d.Reservations, d.Capacity) {
		return false, nil
	}
	q.CurrentReservations += d.Reservations
	q.CurrentCapacity += d.Capacity
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, key model.SlotKey, d Delta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.rows[key]
	if !ok || !q.CanRelease(d.Reservations, d.Capacity) {
		return false, nil
	}
	q.CurrentReservations -= d.Reservations
	q.CurrentCapacity -= d.Capacity
	return true, nil
}

func (s *MemoryStore) Move(ctx context.Context, from, to model.SlotKey, limits Limits, out, in Delta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.rows[from]
	if !ok || !src.CanRelease(out.Reservations, out.Capacity) {
		return false, ErrUnderflow
	}
	dst := s.row(to, limits)

	// Work on copies so a rejected move leaves both rows untouched.
	srcAfter := *src
	srcAfter.CurrentReservations -= out.Reservations
	srcAfter.CurrentCapacity -= out.Capacity
	dstBefore := *dst
	if from == to {
		dstBefore = srcAfter
	}
	if !dstBefore.CanReserve(in.Reservations, in.Capacity) {
		return false, nil
	}
	dstBefore.CurrentReservations += in.Reservations
	dstBefore.CurrentCapacity += in.Capacity

	if from == to {
		*src = dstBefore
		return true, nil
	}
	*src = srcAfter
	*dst = dstBefore
	return true, nil
}

// ApplyTransfer performs t as one unit.  A full target yields ErrNoRoom
// and leaves both slots untouched.
func (s *MemoryStore) ApplyTransfer(ctx context.Context, t *Transfer) error {
	ok, err := s.Move(ctx, t.From, t.To, t.Limits, t.Out, t.In)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoRoom
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key model.SlotKey) (model.ReservationQuota, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.rows[key]
	if !ok {
		return model.ReservationQuota{}, false, nil
	}
	return *q, true, nil
}
