package repo

import (
	"context"
	"database/sql"

	"stampline/internal/domain"
)

// EventsAfter returns up to limit events with id > after, oldest first.
func (r Repo) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,ts,type,set_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SetID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Cursor returns the last event id delivered to sink. ok is false when the
// sink has never recorded one.
func (r Repo) Cursor(ctx context.Context, sink string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT event_id FROM notifier_cursors WHERE sink=?`), sink).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SetCursor(ctx context.Context, sink string, eventID int64) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO notifier_cursors(sink,event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(sink) DO UPDATE SET event_id=excluded.event_id, updated_at=excluded.updated_at`), sink, eventID, r.ts())
	if err != nil {
		return persistErr("set cursor", err)
	}
	return nil
}

// AppendEvent records an event that is not tied to a state change, such as a
// dropped stale decision.
func (r Repo) AppendEvent(ctx context.Context, setID, evtType string, payload any) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback()
	if err := r.Events.Append(ctx, tx, evtType, setID, payload); err != nil {
		return persistErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit", err)
	}
	return nil
}
