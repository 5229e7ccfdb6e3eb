package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/restaurant-reservation/internal/ledger"
	"github.com/iliyamo/restaurant-reservation/internal/model"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

var (
	testSlot   = model.SlotKey{RestaurantID: 7, Date: "2026-11-02", Slot: "19:00"}
	testSlot2  = model.SlotKey{RestaurantID: 7, Date: "2026-11-02", Slot: "20:30"}
	testLimits = ledger.Limits{MaxReservations: 5, MaxCapacity: 20}
)

func TestQuotaRepo_TryReserve(t *testing.T) {
	testCases := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "fits", affected: 1, want: true},
		{name: "slot full", affected: 0, want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectExec(regexp.QuoteMeta(`INSERT IGNORE INTO reservation_quotas`)).
				WithArgs(7, "2026-11-02", "19:00", 5, 20).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(regexp.QuoteMeta(`SET current_reservations = current_reservations + ?`)).
				WithArgs(1, 4, 7, "2026-11-02", "19:00", 1, 4).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))

			ok, err := NewQuotaRepo(db).TryReserve(context.Background(), testSlot, testLimits, ledger.Delta{Reservations: 1, Capacity: 4})
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestQuotaRepo_Release(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta(`SET current_reservations = current_reservations - ?`)).
		WithArgs(1, 4, 7, "2026-11-02", "19:00", 1, 4).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := NewQuotaRepo(db).Release(context.Background(), testSlot, ledger.Delta{Reservations: 1, Capacity: 4})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaRepo_MoveCommits(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT IGNORE INTO reservation_quotas`)).
		WithArgs(7, "2026-11-02", "20:30", 5, 20).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`current_reservations - ?`)).
		WithArgs(1, 4, 7, "2026-11-02", "19:00", 1, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`current_reservations + ?`)).
		WithArgs(1, 6, 7, "2026-11-02", "20:30", 1, 6).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := NewQuotaRepo(db).Move(context.Background(), testSlot, testSlot2, testLimits,
		ledger.Delta{Reservations: 1, Capacity: 4}, ledger.Delta{Reservations: 1, Capacity: 6})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaRepo_MoveIntoFullSlotRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT IGNORE INTO reservation_quotas`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`current_reservations - ?`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`current_reservations + ?`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := NewQuotaRepo(db).Move(context.Background(), testSlot, testSlot2, testLimits,
		ledger.Delta{Reservations: 1, Capacity: 4}, ledger.Delta{Reservations: 1, Capacity: 4})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaRepo_MoveUnderflow(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT IGNORE INTO reservation_quotas`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`current_reservations - ?`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := NewQuotaRepo(db).Move(context.Background(), testSlot, testSlot2, testLimits,
		ledger.Delta{Reservations: 1, Capacity: 4}, ledger.Delta{Reservations: 1, Capacity: 4})
	assert.ErrorIs(t, err, ledger.ErrUnderflow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaRepo_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQuotaRepo(db)
	cols := []string{"max_reservations", "current_reservations", "max_capacity", "current_capacity"}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM reservation_quotas`)).
		WithArgs(7, "2026-11-02", "19:00").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(5, 2, 20, 9))
	q, found, err := repo.Get(context.Background(), testSlot)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testSlot, q.SlotKey)
	assert.Equal(t, 11, q.RemainingCapacity())

	mock.ExpectQuery(regexp.QuoteMeta(`FROM reservation_quotas`)).
		WillReturnRows(sqlmock.NewRows(cols))
	_, found, err = repo.Get(context.Background(), testSlot2)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var reservationCols = []string{"id", "user_id", "restaurant_id", "table_id", "starts_at", "duration_minutes", "ends_at",
	"party_size", "status", "confirmation_deadline", "customer_name", "customer_email", "customer_phone",
	"special_requests", "cancellation_reason", "version", "created_at", "updated_at",
	"confirmed_at", "cancelled_at", "completed_at"}

func TestReservationRepo_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	start := time.Date(2026, 11, 2, 19, 0, 0, 0, time.UTC)
	created := start.Add(-48 * time.Hour)
	deadline := created.Add(15 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM reservations WHERE id = ?`)).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows(reservationCols).AddRow(
			42, 9, 7, 3, start, 90, start.Add(90*time.Minute),
			4, "PENDING", deadline, "Ada", "ada@example.com", "", "", nil, 1, created, created,
			nil, nil, nil))

	res, err := NewReservationRepo(db).GetByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.ID)
	require.NotNil(t, res.TableID)
	assert.Equal(t, uint64(3), *res.TableID)
	assert.Equal(t, 90*time.Minute, res.Duration)
	assert.Equal(t, model.StatusPending, res.Status)
	require.NotNil(t, res.ConfirmationDeadline)
	assert.True(t, deadline.Equal(*res.ConfirmationDeadline))
	assert.Nil(t, res.CancellationReason)
	assert.Nil(t, res.ConfirmedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM reservations WHERE id = ?`)).
		WillReturnRows(sqlmock.NewRows(reservationCols))

	_, err := NewReservationRepo(db).GetByID(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReservationRepo_CreateWritesHistory(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 10, 30, 12, 0, 0, 0, time.UTC)
	start := time.Date(2026, 11, 2, 19, 0, 0, 0, time.UTC)
	deadline := now.Add(15 * time.Minute)
	table := uint64(3)
	res := &model.Reservation{
		UserID: 9, RestaurantID: 7, TableID: &table, StartsAt: start, Duration: 90 * time.Minute,
		EndsAt: start.Add(90 * time.Minute), PartySize: 4, Status: model.StatusPending,
		ConfirmationDeadline: &deadline, CustomerName: "Ada", CreatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`LIMIT 1 FOR UPDATE`)).
		WithArgs(3, 0, start.Add(90*time.Minute), start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reservations`)).
		WithArgs(9, 7, 3, start, 90, start.Add(90*time.Minute), 4, "PENDING", deadline, "Ada", "", "", "", now, now).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reservation_history`)).
		WithArgs(42, "CREATED", nil, "PENDING", 9, "USER", "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := NewReservationRepo(db).Create(context.Background(), res, model.ReservationHistory{
		Action: model.ActionCreated, NewStatus: model.StatusPending,
		ActorID: 9, ActorType: model.ActorUser, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.ID)
	assert.Equal(t, uint32(1), res.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_CreateRollsBackOnHistoryFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reservations`)).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reservation_history`)).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	res := &model.Reservation{Status: model.StatusPending, CreatedAt: time.Now()}
	err := NewReservationRepo(db).Create(context.Background(), res, model.ReservationHistory{Action: model.ActionCreated})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_TransitionExpiryCarriesDeadlineGuard(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 10, 30, 12, 0, 0, 0, time.UTC)
	reason := "expired"
	prev := model.StatusPending

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE reservations SET status = ?, version = version + 1, updated_at = ?, confirmation_deadline = NULL, `+
			`cancelled_at = ?, cancellation_reason = ?, table_id = NULL WHERE id = ? AND status = ? AND confirmation_deadline <= ?`)).
		WithArgs("CANCELLED", now, now, "expired", 42, "PENDING", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reservation_history`)).
		WithArgs(42, "EXPIRED", "PENDING", "CANCELLED", 0, "SYSTEM", "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := NewReservationRepo(db).Transition(context.Background(), Transition{
		ReservationID: 42, From: model.StatusPending, To: model.StatusCancelled, At: now,
		Reason: &reason, DeadlineReached: &now,
		History: model.ReservationHistory{
			Action: model.ActionExpired, PreviousStatus: &prev, NewStatus: model.StatusCancelled,
			ActorType: model.ActorSystem,
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_TransitionStale(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE reservations SET status = ?`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewReservationRepo(db).Transition(context.Background(), Transition{
		ReservationID: 42, From: model.StatusConfirmed, To: model.StatusCompleted, At: now, EndedBy: &now,
	})
	assert.ErrorIs(t, err, ErrStale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_TransitionRejectsIllegalEdge(t *testing.T) {
	db, mock := newMockDB(t)
	err := NewReservationRepo(db).Transition(context.Background(), Transition{
		ReservationID: 42, From: model.StatusCancelled, To: model.StatusConfirmed, At: time.Now(),
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "no statement may be issued for an illegal edge")
}

func TestReservationRepo_UpdateDetailsVersionGuard(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 10, 30, 12, 0, 0, 0, time.UTC)
	start := time.Date(2026, 11, 2, 20, 30, 0, 0, time.UTC)
	table := uint64(5)
	res := &model.Reservation{
		ID: 42, StartsAt: start, Duration: time.Hour, EndsAt: start.Add(time.Hour), PartySize: 6,
		TableID: &table, UpdatedAt: now, Version: 3,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = ? AND version = ? AND status IN ('PENDING', 'CONFIRMED')`)).
		WithArgs(start, 60, start.Add(time.Hour), 6, 5, nil, "", "", "", "", now, 42, 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewReservationRepo(db).UpdateDetails(context.Background(), res, 3, model.ReservationHistory{Action: model.ActionModified}, nil)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, uint32(3), res.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_CreateRejectsLockedOverlap(t *testing.T) {
	db, mock := newMockDB(t)
	start := time.Date(2026, 11, 2, 19, 0, 0, 0, time.UTC)
	table := uint64(3)
	res := &model.Reservation{
		UserID: 9, RestaurantID: 7, TableID: &table, StartsAt: start, Duration: time.Hour,
		EndsAt: start.Add(time.Hour), PartySize: 2, Status: model.StatusPending, CreatedAt: start.Add(-time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`LIMIT 1 FOR UPDATE`)).
		WithArgs(3, 0, start.Add(time.Hour), start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(77))
	mock.ExpectRollback()

	err := NewReservationRepo(db).Create(context.Background(), res, model.ReservationHistory{Action: model.ActionCreated})
	assert.ErrorIs(t, err, ErrTableTaken)
	assert.Zero(t, res.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_CreateDeadlockIsTableConflict(t *testing.T) {
	db, mock := newMockDB(t)
	start := time.Date(2026, 11, 2, 19, 0, 0, 0, time.UTC)
	table := uint64(3)
	res := &model.Reservation{
		TableID: &table, StartsAt: start, Duration: time.Hour, EndsAt: start.Add(time.Hour),
		Status: model.StatusPending, CreatedAt: start.Add(-time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`LIMIT 1 FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reservations`)).
		WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"})
	mock.ExpectRollback()

	err := NewReservationRepo(db).Create(context.Background(), res, model.ReservationHistory{Action: model.ActionCreated})
	assert.ErrorIs(t, err, ErrTableTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_TransitionRowsAffectedError(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	driverErr := errors.New("rows affected unavailable")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE reservations SET status = ?`)).
		WillReturnResult(sqlmock.NewErrorResult(driverErr))
	mock.ExpectRollback()

	err := NewReservationRepo(db).Transition(context.Background(), Transition{
		ReservationID: 42, From: model.StatusConfirmed, To: model.StatusCompleted, At: now, EndedBy: &now,
	})
	assert.ErrorIs(t, err, driverErr)
	assert.NotErrorIs(t, err, ErrStale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func modifiedReservation(now, start time.Time) *model.Reservation {
	table := uint64(5)
	deadline := now.Add(15 * time.Minute)
	return &model.Reservation{
		ID: 42, StartsAt: start, Duration: time.Hour, EndsAt: start.Add(time.Hour), PartySize: 6,
		TableID: &table, ConfirmationDeadline: &deadline, UpdatedAt: now, Version: 3,
	}
}

func TestReservationRepo_UpdateDetailsMovesQuotaInSameTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 10, 30, 12, 0, 0, 0, time.UTC)
	start := time.Date(2026, 11, 2, 20, 30, 0, 0, time.UTC)
	res := modifiedReservation(now, start)
	move := &ledger.Transfer{From: testSlot, To: testSlot2, Out: ledger.Delta{Reservations: 1, Capacity: 4},
		In: ledger.Delta{Reservations: 1, Capacity: 6}, Limits: testLimits}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT IGNORE INTO reservation_quotas`)).
		WithArgs(7, "2026-11-02", "20:30", 5, 20).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`table_id = ?, confirmation_deadline = ?`)).
		WithArgs(start, 60, start.Add(time.Hour), 6, 5, now.Add(15*time.Minute), "", "", "", "", now, 42, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`LIMIT 1 FOR UPDATE`)).
		WithArgs(5, 42, start.Add(time.Hour), start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta(`SET current_reservations = current_reservations - ?`)).
		WithArgs(1, 4, 7, "2026-11-02", "19:00", 1, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET current_reservations = current_reservations + ?`)).
		WithArgs(1, 6, 7, "2026-11-02", "20:30", 1, 6).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reservation_history`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := NewReservationRepo(db).UpdateDetails(context.Background(), res, 3, model.ReservationHistory{Action: model.ActionModified}, move)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), res.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_UpdateDetailsFullTargetRollsBackRow(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 10, 30, 12, 0, 0, 0, time.UTC)
	start := time.Date(2026, 11, 2, 20, 30, 0, 0, time.UTC)
	res := modifiedReservation(now, start)
	move := &ledger.Transfer{From: testSlot, To: testSlot2, Out: ledger.Delta{Reservations: 1, Capacity: 4},
		In: ledger.Delta{Reservations: 1, Capacity: 6}, Limits: testLimits}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT IGNORE INTO reservation_quotas`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = ? AND version = ?`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`LIMIT 1 FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta(`SET current_reservations = current_reservations - ?`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET current_reservations = current_reservations + ?`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewReservationRepo(db).UpdateDetails(context.Background(), res, 3, model.ReservationHistory{Action: model.ActionModified}, move)
	assert.ErrorIs(t, err, ledger.ErrNoRoom)
	assert.Equal(t, uint32(3), res.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_HasTableOverlap(t *testing.T) {
	db, mock := newMockDB(t)
	start := time.Date(2026, 11, 2, 19, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(`)).
		WithArgs(3, 42, end, start).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(int64(1)))

	overlap, err := NewReservationRepo(db).HasTableOverlap(context.Background(), 3, start, end, 42)
	require.NoError(t, err)
	assert.True(t, overlap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepo_ListDueRejectsTerminalStatus(t *testing.T) {
	db, _ := newMockDB(t)
	_, err := NewReservationRepo(db).ListDue(context.Background(), model.StatusCancelled, time.Now(), 10, 0)
	assert.Error(t, err)
}

func TestTransitionHoldsAndApply(t *testing.T) {
	now := time.Date(2026, 10, 30, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(-time.Minute)
	table := uint64(3)
	res := &model.Reservation{ID: 42, Status: model.StatusPending, ConfirmationDeadline: &deadline, TableID: &table, Version: 2}
	reason := "expired"

	expire := Transition{ReservationID: 42, From: model.StatusPending, To: model.StatusCancelled, At: now, Reason: &reason, DeadlineReached: &now}
	confirm := Transition{ReservationID: 42, From: model.StatusPending, To: model.StatusConfirmed, At: now, DeadlineOpen: &now}
	assert.True(t, expire.Holds(res))
	assert.False(t, confirm.Holds(res), "confirmation is closed once the deadline passed")

	after := expire.Apply(res)
	assert.Equal(t, model.StatusCancelled, after.Status)
	assert.Nil(t, after.TableID)
	assert.Nil(t, after.ConfirmationDeadline)
	assert.Equal(t, uint32(3), after.Version)
	require.NotNil(t, after.CancellationReason)
	assert.Equal(t, "expired", *after.CancellationReason)
	assert.Equal(t, model.StatusPending, res.Status, "apply must not touch the input")
	assert.False(t, expire.Holds(after))
}
