package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stampline/internal/db"
)

// Record is an event queued during a mutation and written with it.
type Record struct {
	Type    string
	Payload any
}

// Batch collects events produced while a set is being mutated. They are only
// written if the surrounding transaction commits.
type Batch struct {
	records []Record
}

func (b *Batch) Add(evtType string, payload any) {
	b.records = append(b.records, Record{Type: evtType, Payload: payload})
}

func (b *Batch) Records() []Record {
	if b == nil {
		return nil
	}
	return b.records
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.records)
}

// outboxLockKey names the Postgres advisory lock that orders event inserts.
const outboxLockKey int64 = 0x5354414d50

// Writer appends events inside the caller's transaction. On Postgres every
// appending transaction first takes a transaction-scoped advisory lock, so ids
// drawn from the sequence become visible in id order and a reader polling with
// id > cursor never skips a row that commits late. SQLite serializes writers
// already.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

func (w Writer) lockOutbox(ctx context.Context, tx *sql.Tx) error {
	if w.Dialect != db.Postgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxLockKey); err != nil {
		return fmt.Errorf("lock outbox: %w", err)
	}
	return nil
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, setID string, payload any) error {
	if err := w.lockOutbox(ctx, tx); err != nil {
		return err
	}
	return w.insert(ctx, tx, evtType, setID, payload)
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, evtType, setID string, payload any) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,set_id,payload_json) VALUES (?,?,?,?)`),
		ts, evtType, setID, string(data))
	return err
}

// AppendBatch writes every queued record for setID inside tx, in order.
func (w Writer) AppendBatch(ctx context.Context, tx *sql.Tx, setID string, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	if err := w.lockOutbox(ctx, tx); err != nil {
		return err
	}
	for _, rec := range b.Records() {
		if err := w.insert(ctx, tx, rec.Type, setID, rec.Payload); err != nil {
			return fmt.Errorf("append %s: %w", rec.Type, err)
		}
	}
	return nil
}
