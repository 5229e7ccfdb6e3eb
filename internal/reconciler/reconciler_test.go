package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/restaurant-reservation/internal/clock"
	"github.com/iliyamo/restaurant-reservation/internal/config"
	"github.com/iliyamo/restaurant-reservation/internal/ledger"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/service"
	"github.com/iliyamo/restaurant-reservation/internal/service/servicetest"
)

// fakeLifecycle mimics the service's due lists: rows that were applied or
// skipped leave the list, failed rows stay where they were.
type fakeLifecycle struct {
	mu        sync.Mutex
	overdue   []model.Reservation
	elapsed   []model.Reservation
	listErr   error
	outcomes  map[uint64]error // nil entry: applied
	skip      map[uint64]bool
	gone      map[uint64]bool
	attempts  map[uint64]int
	block     chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
}

func (f *fakeLifecycle) ListOverdue(ctx context.Context, limit, offset int) ([]model.Reservation, error) {
	if f.block != nil {
		f.enterOnce.Do(func() { close(f.entered) })
		<-f.block
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.page(f.overdue, limit, offset), nil
}

func (f *fakeLifecycle) ListElapsed(ctx context.Context, limit, offset int) ([]model.Reservation, error) {
	return f.page(f.elapsed, limit, offset), nil
}

func (f *fakeLifecycle) page(rows []model.Reservation, limit, offset int) []model.Reservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []model.Reservation
	for _, r := range rows {
		if !f.gone[r.ID] {
			due = append(due, r)
		}
	}
	if offset >= len(due) {
		return nil
	}
	due = due[offset:]
	if len(due) > limit {
		due = due[:limit]
	}
	return due
}

func (f *fakeLifecycle) ExpireOverdue(ctx context.Context, id uint64) (bool, error) {
	return f.apply(id)
}

func (f *fakeLifecycle) CompleteElapsed(ctx context.Context, id uint64) (bool, error) {
	return f.apply(id)
}

func (f *fakeLifecycle) apply(id uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = map[uint64]int{}
	}
	f.attempts[id]++
	if err := f.outcomes[id]; err != nil {
		return false, err
	}
	if f.gone == nil {
		f.gone = map[uint64]bool{}
	}
	f.gone[id] = true
	return !f.skip[id], nil
}

func TestSweepCountsOutcomes(t *testing.T) {
	f := &fakeLifecycle{
		overdue:  []model.Reservation{{ID: 1}, {ID: 2}, {ID: 3}},
		elapsed:  []model.Reservation{{ID: 4}, {ID: 5}},
		outcomes: map[uint64]error{3: errors.New("db gone")},
		skip:     map[uint64]bool{2: true},
	}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := New(f, Options{Metrics: m})

	res := r.Sweep(context.Background())
	assert.Equal(t, Result{Expired: 1, Completed: 2, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.rows.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rows.WithLabelValues("failed")))
}

func TestSweepPagesPastFailingRows(t *testing.T) {
	var overdue []model.Reservation
	outcomes := map[uint64]error{}
	for id := uint64(1); id <= 7; id++ {
		overdue = append(overdue, model.Reservation{ID: id})
	}
	// the two oldest rows fail on every attempt and fill a whole batch
	outcomes[1] = errors.New("row locked")
	outcomes[2] = errors.New("row locked")
	f := &fakeLifecycle{overdue: overdue, outcomes: outcomes}
	r := New(f, Options{BatchSize: 2})

	res := r.Sweep(context.Background())
	assert.Equal(t, 5, res.Expired, "rows behind the failing head are still reached")
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, f.attempts[1], "a failed row is tried once per sweep")

	res = r.Sweep(context.Background())
	assert.Equal(t, Result{Failed: 2}, res)
}

func TestSweepListFailureStillRunsCompletion(t *testing.T) {
	f := &fakeLifecycle{listErr: errors.New("timeout"), elapsed: []model.Reservation{{ID: 9}}}
	res := New(f, Options{}).Sweep(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Completed)
}

func TestOverlappingSweepIsSkipped(t *testing.T) {
	f := &fakeLifecycle{block: make(chan struct{}), entered: make(chan struct{})}
	r := New(f, Options{})

	done := make(chan Result)
	go func() { done <- r.Sweep(context.Background()) }()
	<-f.entered

	assert.True(t, r.Sweep(context.Background()).Busy)
	close(f.block)
	assert.False(t, (<-done).Busy)
}

func TestRunSweepsImmediatelyAndStops(t *testing.T) {
	f := &fakeLifecycle{overdue: []model.Reservation{{ID: 1}}}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := New(f, Options{Interval: time.Hour, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.rows.WithLabelValues("expired")) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

// Expiry end to end: an unconfirmed reservation is cancelled by the sweep
// once its deadline passes, and its seats become bookable again.
func TestSweepExpiresUnconfirmedReservation(t *testing.T) {
	const restaurantID, ownerID, userID = uint64(3), uint64(30), uint64(300)
	now := time.Date(2026, 11, 1, 10, 0, 0, 0, time.UTC)
	start := time.Date(2026, 11, 1, 20, 0, 0, 0, time.UTC)

	clk := clock.NewManual(now)
	quotas := ledger.NewMemoryStore()
	store := servicetest.NewStore(quotas)
	rmt := servicetest.NewRemote(restaurantID, ownerID)
	policy := config.ReservationPolicy{
		PartyMin: 1, PartyMax: 8,
		DefaultDuration: 2 * time.Hour, MinDuration: 30 * time.Minute, MaxDuration: 4 * time.Hour,
		ConfirmationWindow: 15 * time.Minute, SlotWidth: 30 * time.Minute,
		SlotMaxReservations: 5, SlotMaxCapacity: 8, NoShowGrace: 15 * time.Minute,
	}
	l := ledger.New(quotas, ledger.Limits{MaxReservations: 5, MaxCapacity: 8}, nil, nil)
	svc := service.NewReservationService(store, rmt, l, policy, service.Options{Clock: clk})
	r := New(svc, Options{BatchSize: 10})

	ctx := context.Background()
	res, err := svc.Create(ctx, userID, service.CreateInput{RestaurantID: restaurantID, StartsAt: start, PartySize: 8})
	require.NoError(t, err)

	_, err = svc.Create(ctx, userID+1, service.CreateInput{RestaurantID: restaurantID, StartsAt: start, PartySize: 2})
	var cerr *service.ConflictError
	require.ErrorAs(t, err, &cerr, "slot is full")

	assert.Equal(t, Result{}, r.Sweep(ctx), "nothing due before the deadline")

	clk.Advance(15 * time.Minute)
	assert.Equal(t, Result{Expired: 1}, r.Sweep(ctx))

	row := store.Row(res.ID)
	assert.Equal(t, model.StatusCancelled, row.Status)
	assert.Equal(t, "expired", *row.CancellationReason)
	assert.Nil(t, row.ConfirmationDeadline)
	assert.Equal(t, []uint64{*res.TableID}, rmt.ReleasedTables())

	_, err = svc.Create(ctx, userID+1, service.CreateInput{RestaurantID: restaurantID, StartsAt: start, PartySize: 2})
	require.NoError(t, err)
	assert.Equal(t, Result{}, r.Sweep(ctx), "a second sweep finds nothing")
}
