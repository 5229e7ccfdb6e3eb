// Package reconciler periodically moves reservations whose time has come:
// PENDING ones past their confirmation deadline are expired and CONFIRMED
// ones past their end time are completed.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iliyamo/restaurant-reservation/internal/logging"
	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// Lifecycle is the part of the reservation service the reconciler drives.
// The Expire and Complete calls report false when the reservation is no
// longer eligible.  List calls page through due rows oldest first.
type Lifecycle interface {
	ListOverdue(ctx context.Context, limit, offset int) ([]model.Reservation, error)
	ListElapsed(ctx context.Context, limit, offset int) ([]model.Reservation, error)
	ExpireOverdue(ctx context.Context, id uint64) (bool, error)
	CompleteElapsed(ctx context.Context, id uint64) (bool, error)
}

// Result counts what one sweep did.
type Result struct {
	Expired   int
	Completed int
	Skipped   int
	Failed    int
	// Busy is set when the sweep did not run because another was in progress.
	Busy bool
}

// Reconciler runs lifecycle sweeps.
type Reconciler struct {
	svc       Lifecycle
	interval  time.Duration
	batchSize int
	log       *slog.Logger
	metrics   *Metrics

	mu sync.Mutex
}

// Options tunes a Reconciler.  Zero values select defaults.
type Options struct {
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
	Metrics   *Metrics
}

func New(svc Lifecycle, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Reconciler{
		svc:       svc,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		log:       logging.Component(opts.Logger, "reconciler"),
		metrics:   opts.Metrics,
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass.  A pass that starts while another is still running
// returns immediately with Busy set.
func (r *Reconciler) Sweep(ctx context.Context) Result {
	if !r.mu.TryLock() {
		r.log.Debug("sweep already running, tick skipped")
		return Result{Busy: true}
	}
	defer r.mu.Unlock()

	start := time.Now()
	var res Result
	r.pass(ctx, "expire", r.svc.ListOverdue, r.svc.ExpireOverdue, &res, &res.Expired)
	r.pass(ctx, "complete", r.svc.ListElapsed, r.svc.CompleteElapsed, &res, &res.Completed)
	r.metrics.observe(res, time.Since(start))

	if res.Expired+res.Completed+res.Failed > 0 {
		r.log.Info("sweep finished", "expired", res.Expired, "completed", res.Completed,
			"skipped", res.Skipped, "failed", res.Failed, "took", time.Since(start))
	}
	return res
}

// pass drains the due rows of one kind in pages of batchSize.  Rows that
// were applied or skipped have left the due set; rows that failed are still
// in it, so the offset grows by the failures and the next page starts past
// them instead of retrying the same head of the queue.
func (r *Reconciler) pass(
	ctx context.Context,
	name string,
	list func(context.Context, int, int) ([]model.Reservation, error),
	apply func(context.Context, uint64) (bool, error),
	res *Result,
	done *int,
) {
	offset := 0
	for {
		due, err := list(ctx, r.batchSize, offset)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.log.Error("listing due reservations failed", "pass", name, "error", err)
			}
			res.Failed++
			return
		}
		for _, d := range due {
			if ctx.Err() != nil {
				return
			}
			ok, err := apply(ctx, d.ID)
			switch {
			case err != nil:
				res.Failed++
				offset++
				r.log.Error("reservation sweep failed", "pass", name, "reservation_id", d.ID, "error", err)
			case ok:
				*done++
			default:
				res.Skipped++
			}
		}
		if len(due) < r.batchSize {
			return
		}
	}
}
