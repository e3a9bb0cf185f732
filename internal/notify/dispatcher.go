// Package notify delivers outbox events to the outside world. Every sink keeps
// its own persisted cursor, so delivery is at-least-once and survives restarts.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stampline/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives events in outbox order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.Event) error
}

// Source is the outbox the dispatcher drains. repo.Repo implements it.
type Source interface {
	EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	Cursor(ctx context.Context, sink string) (int64, bool, error)
	SetCursor(ctx context.Context, sink string, eventID int64) error
}

// Subscription binds a sink to the event types it wants. No types means all.
type Subscription struct {
	Sink   Sink
	Events []string
	// FromStart replays the whole outbox for a sink that has no cursor yet.
	// Otherwise a new sink starts at the current end.
	FromStart bool
}

type Dispatcher struct {
	Source        Source
	Subscriptions []Subscription
	Interval      time.Duration
	Batch         int
	Logger        zerolog.Logger
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Subscriptions) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce gives every sink one pass over the pending events. A sink that
// fails stops at the failing event and retries it on the next pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, sub := range d.Subscriptions {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, sub)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, sub Subscription) {
	name := sub.Sink.Name()
	log := d.Logger.With().Str("sink", name).Logger()
	cursor, err := d.cursorFor(ctx, sub)
	if err != nil {
		log.Error().Err(err).Msg("load cursor")
		return
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := d.Source.EventsAfter(ctx, cursor, batch)
	if err != nil {
		log.Error().Err(err).Msg("fetch events")
		return
	}
	filter := newEventFilter(sub.Events)
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := sub.Sink.Deliver(ctx, evt); err != nil {
				log.Warn().Err(err).Int64("event_id", evt.ID).Str("type", evt.Type).Msg("delivery failed")
				return
			}
			log.Debug().Int64("event_id", evt.ID).Str("type", evt.Type).Msg("delivered")
		}
		if err := d.Source.SetCursor(ctx, name, evt.ID); err != nil {
			log.Error().Err(err).Int64("event_id", evt.ID).Msg("save cursor")
			return
		}
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, sub Subscription) (int64, error) {
	name := sub.Sink.Name()
	cur, ok, err := d.Source.Cursor(ctx, name)
	if err != nil || ok {
		return cur, err
	}
	if !sub.FromStart {
		if cur, err = d.Source.LatestEventID(ctx); err != nil {
			return 0, err
		}
	}
	return cur, d.Source.SetCursor(ctx, name, cur)
}

// Envelope is the JSON body every sink sends.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	SetID      string          `json:"set_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func NewEnvelope(evt domain.Event) Envelope {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return Envelope{ID: evt.ID, Type: evt.Type, SetID: evt.SetID, TS: evt.TS, Payload: payload, PayloadRaw: raw}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
