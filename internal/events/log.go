package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes one structured line per persisted event.
func LogNotifier(logger zerolog.Logger) Notifier {
	return NotifierFunc(func(_ context.Context, ev Event) error {
		logger.Info().
			Str("event_id", ev.ID.String()).
			Str("topic", ev.Topic).
			Str("aggregate_id", ev.AggregateID).
			Msg("domain event emitted")
		return nil
	})
}
