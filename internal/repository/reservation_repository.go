package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/restaurant-reservation/internal/ledger"
	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// ReservationRepo persists reservations.  Every write also appends a
// reservation_history row inside the same transaction.  All timestamps are
// stored in UTC (the DSN sets loc=UTC).
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a repository bound to db.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, user_id, restaurant_id, table_id, starts_at, duration_minutes, ends_at,
	party_size, status, confirmation_deadline, customer_name, customer_email, customer_phone,
	special_requests, cancellation_reason, version, created_at, updated_at,
	confirmed_at, cancelled_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(s rowScanner) (*model.Reservation, error) {
	var (
		r           model.Reservation
		tableID     sql.NullInt64
		durationMin int
		status      string
		deadline    sql.NullTime
		reason      sql.NullString
		confirmedAt sql.NullTime
		cancelledAt sql.NullTime
		completedAt sql.NullTime
	)
	err := s.Scan(&r.ID, &r.UserID, &r.RestaurantID, &tableID, &r.StartsAt, &durationMin, &r.EndsAt,
		&r.PartySize, &status, &deadline, &r.CustomerName, &r.CustomerEmail, &r.CustomerPhone,
		&r.SpecialRequests, &reason, &r.Version, &r.CreatedAt, &r.UpdatedAt,
		&confirmedAt, &cancelledAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Duration = time.Duration(durationMin) * time.Minute
	r.Status = model.Status(status)
	if tableID.Valid {
		id := uint64(tableID.Int64)
		r.TableID = &id
	}
	if reason.Valid {
		v := reason.String
		r.CancellationReason = &v
	}
	r.ConfirmationDeadline = nullTime(deadline)
	r.ConfirmedAt = nullTime(confirmedAt)
	r.CancelledAt = nullTime(cancelledAt)
	r.CompletedAt = nullTime(completedAt)
	return &r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullableUint(u *uint64) any {
	if u == nil {
		return nil
	}
	return *u
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Create inserts a PENDING reservation together with its CREATED history
// entry.  On success res.ID, Version, CreatedAt and UpdatedAt are set.
func (r *ReservationRepo) Create(ctx context.Context, res *model.Reservation, h model.ReservationHistory) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if res.TableID != nil {
		if err = lockTableOverlap(ctx, tx, *res.TableID, res.StartsAt, res.EndsAt, 0); err != nil {
			return err
		}
	}

	const q = `INSERT INTO reservations (user_id, restaurant_id, table_id, starts_at, duration_minutes, ends_at,
		party_size, status, confirmation_deadline, customer_name, customer_email, customer_phone,
		special_requests, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`
	now := res.CreatedAt.UTC()
	result, err := tx.ExecContext(ctx, q, res.UserID, res.RestaurantID, nullableUint(res.TableID),
		res.StartsAt.UTC(), res.DurationMinutes(), res.EndsAt.UTC(), res.PartySize, string(res.Status),
		nullableTime(res.ConfirmationDeadline), res.CustomerName, res.CustomerEmail, res.CustomerPhone,
		res.SpecialRequests, now, now)
	if err != nil {
		err = tableConflict(err)
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	res.ID = uint64(id)
	res.Version = 1
	res.UpdatedAt = now

	h.ReservationID = res.ID
	if err = insertHistoryTx(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID loads one reservation.  It returns ErrNotFound when the id is
// unknown.
func (r *ReservationRepo) GetByID(ctx context.Context, id uint64) (*model.Reservation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

// ListByUser returns the user's reservations, newest start first.
func (r *ReservationRepo) ListByUser(ctx context.Context, userID uint64, limit, offset int) ([]model.Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM reservations
		WHERE user_id = ? ORDER BY starts_at DESC, id DESC LIMIT ? OFFSET ?`
	return r.list(ctx, q, userID, limit, offset)
}

// ListByRestaurant returns reservations of a restaurant starting in
// [from, to), optionally restricted to one status.
func (r *ReservationRepo) ListByRestaurant(ctx context.Context, restaurantID uint64, status model.Status, from, to time.Time) ([]model.Reservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE restaurant_id = ? AND starts_at >= ? AND starts_at < ?`
	args := []any{restaurantID, from.UTC(), to.UTC()}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY starts_at, id`
	return r.list(ctx, q, args...)
}

// ListDue returns up to limit reservations in status whose time guard has
// passed at now: confirmation_deadline for PENDING rows, ends_at for
// CONFIRMED rows.  Oldest first so a backlog drains in order; offset skips
// rows the caller already tried and failed on.
func (r *ReservationRepo) ListDue(ctx context.Context, status model.Status, now time.Time, limit, offset int) ([]model.Reservation, error) {
	var col string
	switch status {
	case model.StatusPending:
		col = "confirmation_deadline"
	case model.StatusConfirmed:
		col = "ends_at"
	default:
		return nil, errors.New("no due column for status " + string(status))
	}
	q := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE status = ? AND ` + col + ` <= ? ORDER BY ` + col + `, id LIMIT ? OFFSET ?`
	return r.list(ctx, q, string(status), now.UTC(), limit, offset)
}

func (r *ReservationRepo) list(ctx context.Context, q string, args ...any) ([]model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Reservation{}
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// HasTableOverlap reports whether another live reservation holds tableID
// for any part of [start, end).  excludeID skips the reservation being
// modified; pass 0 on creation.
func (r *ReservationRepo) HasTableOverlap(ctx context.Context, tableID uint64, start, end time.Time, excludeID uint64) (bool, error) {
	const q = `SELECT EXISTS(
		SELECT 1 FROM reservations
		WHERE table_id = ? AND id <> ? AND status IN ('PENDING', 'CONFIRMED')
		  AND starts_at < ? AND ends_at > ?)`
	var exists bool
	err := r.db.QueryRowContext(ctx, q, tableID, excludeID, end.UTC(), start.UTC()).Scan(&exists)
	return exists, err
}

// lockTableOverlap repeats the overlap check inside tx with a locking read.
// The next-key locks it takes on the table index block a concurrent
// transaction from inserting an overlapping row until tx ends.
func lockTableOverlap(ctx context.Context, tx *sql.Tx, tableID uint64, start, end time.Time, excludeID uint64) error {
	const q = `SELECT id FROM reservations
		WHERE table_id = ? AND id <> ? AND status IN ('PENDING', 'CONFIRMED')
		  AND starts_at < ? AND ends_at > ?
		LIMIT 1 FOR UPDATE`
	var id uint64
	err := tx.QueryRowContext(ctx, q, tableID, excludeID, end.UTC(), start.UTC()).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return tableConflict(err)
	}
	return ErrTableTaken
}

// tableConflict maps an InnoDB deadlock between two writers competing for
// the same table range to ErrTableTaken.  The victim's transaction has
// already been rolled back by the server.
func tableConflict(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1213 {
		return ErrTableTaken
	}
	return err
}

// Transition describes one conditional status change.  The update only
// applies while the row is still in From and every non-nil guard holds at
// the time of the write.
type Transition struct {
	ReservationID uint64
	From          model.Status
	To            model.Status
	At            time.Time
	Reason        *string // cancellation reason, CANCELLED only

	DeadlineReached *time.Time // confirmation_deadline <= value
	DeadlineOpen    *time.Time // confirmation_deadline > value
	EndedBy         *time.Time // ends_at <= value
	StartedBefore   *time.Time // starts_at < value

	History model.ReservationHistory
}

func (t Transition) statement() (string, []any) {
	at := t.At.UTC()
	set := []string{"status = ?", "version = version + 1", "updated_at = ?", "confirmation_deadline = NULL"}
	args := []any{string(t.To), at}
	switch t.To {
	case model.StatusConfirmed:
		set = append(set, "confirmed_at = ?")
		args = append(args, at)
	case model.StatusCancelled:
		set = append(set, "cancelled_at = ?", "cancellation_reason = ?", "table_id = NULL")
		var reason any
		if t.Reason != nil {
			reason = *t.Reason
		}
		args = append(args, at, reason)
	case model.StatusCompleted:
		set = append(set, "completed_at = ?")
		args = append(args, at)
	case model.StatusNoShow:
		set = append(set, "table_id = NULL")
	}

	where := []string{"id = ?", "status = ?"}
	args = append(args, t.ReservationID, string(t.From))
	guard := func(cond string, v *time.Time) {
		if v != nil {
			where = append(where, cond)
			args = append(args, v.UTC())
		}
	}
	guard("confirmation_deadline <= ?", t.DeadlineReached)
	guard("confirmation_deadline > ?", t.DeadlineOpen)
	guard("ends_at <= ?", t.EndedBy)
	guard("starts_at < ?", t.StartedBefore)

	return "UPDATE reservations SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND "), args
}

// Holds reports whether res satisfies t's status and time guards, the same
// predicate the UPDATE's WHERE clause evaluates.
func (t Transition) Holds(res *model.Reservation) bool {
	if res.ID != t.ReservationID || res.Status != t.From {
		return false
	}
	if t.DeadlineReached != nil && (res.ConfirmationDeadline == nil || res.ConfirmationDeadline.After(*t.DeadlineReached)) {
		return false
	}
	if t.DeadlineOpen != nil && (res.ConfirmationDeadline == nil || !res.ConfirmationDeadline.After(*t.DeadlineOpen)) {
		return false
	}
	if t.EndedBy != nil && res.EndsAt.After(*t.EndedBy) {
		return false
	}
	if t.StartedBefore != nil && !res.StartsAt.Before(*t.StartedBefore) {
		return false
	}
	return true
}

// Apply returns a copy of res as the row reads after the UPDATE.
func (t Transition) Apply(res *model.Reservation) *model.Reservation {
	at := t.At.UTC()
	out := res.Clone()
	out.Status = t.To
	out.Version++
	out.UpdatedAt = at
	out.ConfirmationDeadline = nil
	switch t.To {
	case model.StatusConfirmed:
		out.ConfirmedAt = &at
	case model.StatusCancelled:
		out.CancelledAt = &at
		out.TableID = nil
		if t.Reason != nil {
			reason := *t.Reason
			out.CancellationReason = &reason
		}
	case model.StatusCompleted:
		out.CompletedAt = &at
	case model.StatusNoShow:
		out.TableID = nil
	}
	return out
}

// Transition applies t and its history entry atomically.  ErrStale means the
// row was not in t.From or a guard failed; nothing was written.
func (r *ReservationRepo) Transition(ctx context.Context, t Transition) (err error) {
	if !model.CanTransition(t.From, t.To) {
		return errors.New("illegal transition " + string(t.From) + " -> " + string(t.To))
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q, args := t.statement()
	ok, err := applied(tx.ExecContext(ctx, q, args...))
	if err != nil {
		return err
	}
	if !ok {
		err = ErrStale
		return err
	}
	h := t.History
	h.ReservationID = t.ReservationID
	if h.CreatedAt.IsZero() {
		h.CreatedAt = t.At
	}
	if err = insertHistoryTx(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateDetails writes a modification of time, party size, table, contact
// fields and confirmation deadline.  The write only applies while the row
// still carries expectedVersion and a modifiable status; otherwise ErrStale
// is returned.  A non-nil move is applied to the quota counters in the same
// transaction, so a full target slot (ledger.ErrNoRoom) or a lost race
// leaves both the row and the quota as they were.  On success res.Version
// is bumped to match the row.
func (r *ReservationRepo) UpdateDetails(ctx context.Context, res *model.Reservation, expectedVersion uint32, h model.ReservationHistory, move *ledger.Transfer) (err error) {
	if move != nil {
		// outside the transaction, as in QuotaRepo.Move
		if err := ensureQuota(ctx, r.db, move.To, move.Limits); err != nil {
			return err
		}
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const q = `UPDATE reservations SET starts_at = ?, duration_minutes = ?, ends_at = ?, party_size = ?,
		table_id = ?, confirmation_deadline = ?, customer_name = ?, customer_email = ?, customer_phone = ?,
		special_requests = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status IN ('PENDING', 'CONFIRMED')`
	ok, err := applied(tx.ExecContext(ctx, q, res.StartsAt.UTC(), res.DurationMinutes(), res.EndsAt.UTC(), res.PartySize,
		nullableUint(res.TableID), nullableTime(res.ConfirmationDeadline), res.CustomerName, res.CustomerEmail,
		res.CustomerPhone, res.SpecialRequests, res.UpdatedAt.UTC(), res.ID, expectedVersion))
	if err != nil {
		return err
	}
	if !ok {
		err = ErrStale
		return err
	}
	if res.TableID != nil {
		if err = lockTableOverlap(ctx, tx, *res.TableID, res.StartsAt, res.EndsAt, res.ID); err != nil {
			return err
		}
	}
	if move != nil {
		if err = applyTransfer(ctx, tx, move); err != nil {
			return err
		}
	}
	h.ReservationID = res.ID
	if h.CreatedAt.IsZero() {
		h.CreatedAt = res.UpdatedAt
	}
	if err = insertHistoryTx(ctx, tx, h); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	res.Version = expectedVersion + 1
	return nil
}
