package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/restaurant-reservation/internal/model"
)

func insertHistoryTx(ctx context.Context, tx *sql.Tx, h model.ReservationHistory) error {
	const q = `INSERT INTO reservation_history
		(reservation_id, action, previous_status, new_status, actor_id, actor_type, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	var prev any
	if h.PreviousStatus != nil {
		prev = string(*h.PreviousStatus)
	}
	_, err := tx.ExecContext(ctx, q, h.ReservationID, string(h.Action), prev, string(h.NewStatus),
		h.ActorID, string(h.ActorType), h.Note, h.CreatedAt.UTC())
	return err
}

// History returns the audit trail of a reservation in the order it was
// written.
func (r *ReservationRepo) History(ctx context.Context, reservationID uint64) ([]model.ReservationHistory, error) {
	const q = `SELECT id, reservation_id, action, previous_status, new_status, actor_id, actor_type, note, created_at
		FROM reservation_history WHERE reservation_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ReservationHistory{}
	for rows.Next() {
		var (
			h         model.ReservationHistory
			action    string
			prev      sql.NullString
			next      string
			actorType string
		)
		if err := rows.Scan(&h.ID, &h.ReservationID, &action, &prev, &next, &h.ActorID, &actorType, &h.Note, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Action = model.Action(action)
		h.NewStatus = model.Status(next)
		h.ActorType = model.ActorType(actorType)
		if prev.Valid {
			s := model.Status(prev.String)
			h.PreviousStatus = &s
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
