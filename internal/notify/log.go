package notify

import (
	"context"

	"github.com/rs/zerolog"

	"stampline/internal/domain"
)

// LogSink writes events to the structured log. It is the default sink when
// nothing else is configured.
type LogSink struct {
	Logger zerolog.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Deliver(ctx context.Context, evt domain.Event) error {
	l.Logger.Info().
		Int64("event_id", evt.ID).
		Str("type", evt.Type).
		Str("set_id", evt.SetID).
		RawJSON("payload", NewEnvelope(evt).Payload).
		Msg("event")
	return nil
}
