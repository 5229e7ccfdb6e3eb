package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/restaurant-reservation/internal/ledger"
	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// QuotaRepo is the MySQL ledger.Store.  Each counter change is one UPDATE
// whose WHERE clause carries the bound check, so concurrent bookings on the
// same slot are serialised by InnoDB's row lock and the loser simply
// matches no row.
type QuotaRepo struct {
	db *sql.DB
}

// NewQuotaRepo returns a quota store bound to db.
func NewQuotaRepo(db *sql.DB) *QuotaRepo { return &QuotaRepo{db: db} }

var _ ledger.Store = (*QuotaRepo)(nil)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	ensureQuotaSQL = `INSERT IGNORE INTO reservation_quotas
		(restaurant_id, slot_date, time_slot, max_reservations, current_reservations, max_capacity, current_capacity)
		VALUES (?, ?, ?, ?, 0, ?, 0)`
	reserveQuotaSQL = `UPDATE reservation_quotas
		SET current_reservations = current_reservations + ?, current_capacity = current_capacity + ?
		WHERE restaurant_id = ? AND slot_date = ? AND time_slot = ?
		  AND current_reservations + ? <= max_reservations AND current_capacity + ? <= max_capacity`
	releaseQuotaSQL = `UPDATE reservation_quotas
		SET current_reservations = current_reservations - ?, current_capacity = current_capacity - ?
		WHERE restaurant_id = ? AND slot_date = ? AND time_slot = ?
		  AND current_reservations >= ? AND current_capacity >= ?`
)

func ensureQuota(ctx context.Context, db execer, key model.SlotKey, limits ledger.Limits) error {
	_, err := db.ExecContext(ctx, ensureQuotaSQL, key.RestaurantID, key.Date, key.Slot, limits.MaxReservations, limits.MaxCapacity)
	return err
}

func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func reserve(ctx context.Context, db execer, key model.SlotKey, d ledger.Delta) (bool, error) {
	return applied(db.ExecContext(ctx, reserveQuotaSQL, d.Reservations, d.Capacity,
		key.RestaurantID, key.Date, key.Slot, d.Reservations, d.Capacity))
}

func release(ctx context.Context, db execer, key model.SlotKey, d ledger.Delta) (bool, error) {
	return applied(db.ExecContext(ctx, releaseQuotaSQL, d.Reservations, d.Capacity,
		key.RestaurantID, key.Date, key.Slot, d.Reservations, d.Capacity))
}

// TryReserve creates the slot row if needed, then adds d if it fits.
func (r *QuotaRepo) TryReserve(ctx context.Context, key model.SlotKey, limits ledger.Limits, d ledger.Delta) (bool, error) {
	if err := ensureQuota(ctx, r.db, key, limits); err != nil {
		return false, err
	}
	return reserve(ctx, r.db, key, d)
}

// Release subtracts d unless a counter would go negative.
func (r *QuotaRepo) Release(ctx context.Context, key model.SlotKey, d ledger.Delta) (bool, error) {
	return release(ctx, r.db, key, d)
}

// applyTransfer releases t.Out from the source and reserves t.In on the
// target using db, which must be a transaction.  The caller rolls back on
// any error, including ErrUnderflow and ErrNoRoom.
func applyTransfer(ctx context.Context, db execer, t *ledger.Transfer) error {
	released, err := release(ctx, db, t.From, t.Out)
	if err != nil {
		return err
	}
	if !released {
		return ledger.ErrUnderflow
	}
	reserved, err := reserve(ctx, db, t.To, t.In)
	if err != nil {
		return err
	}
	if !reserved {
		return ledger.ErrNoRoom
	}
	return nil
}

// Move releases out from one slot and reserves in on another inside one
// transaction.  A full target rolls the release back.
func (r *QuotaRepo) Move(ctx context.Context, from, to model.SlotKey, limits ledger.Limits, out, in ledger.Delta) (ok bool, err error) {
	// INSERT IGNORE inside the transaction would hold its gap lock until commit.
	if err := ensureQuota(ctx, r.db, to, limits); err != nil {
		return false, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	err = applyTransfer(ctx, tx, &ledger.Transfer{From: from, To: to, Out: out, In: in, Limits: limits})
	if errors.Is(err, ledger.ErrNoRoom) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Get reads a slot row.  found is false when the slot was never booked.
func (r *QuotaRepo) Get(ctx context.Context, key model.SlotKey) (q model.ReservationQuota, found bool, err error) {
	const sel = `SELECT max_reservations, current_reservations, max_capacity, current_capacity
		FROM reservation_quotas WHERE restaurant_id = ? AND slot_date = ? AND time_slot = ?`
	q.SlotKey = key
	err = r.db.QueryRowContext(ctx, sel, key.RestaurantID, key.Date, key.Slot).
		Scan(&q.MaxReservations, &q.CurrentReservations, &q.MaxCapacity, &q.CurrentCapacity)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReservationQuota{}, false, nil
	}
	if err != nil {
		return model.ReservationQuota{}, false, err
	}
	return q, true, nil
}
