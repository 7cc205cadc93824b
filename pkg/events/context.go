package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

// EventSink receives engine lifecycle events. Implementations must be safe
// for concurrent use.
type EventSink interface {
	PublishEvent(event Event) error
}

type NullSink struct{}

func (NullSink) PublishEvent(Event) error { return nil }

// CollectSink buffers events for inspection in tests.
type CollectSink struct {
	Events []Event
}

func (s *CollectSink) PublishEvent(e Event) error {
	s.Events = append(s.Events, e)
	return nil
}

func (s *CollectSink) ByType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

type eventSinksKeyType struct{}

var eventSinksKey = eventSinksKeyType{}

func WithEventSinks(ctx context.Context, sinks ...EventSink) context.Context {
	existing := GetEventSinks(ctx)
	combined := make([]EventSink, 0, len(existing)+len(sinks))
	combined = append(combined, existing...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, eventSinksKey, combined)
}

func GetEventSinks(ctx context.Context) []EventSink {
	if sinks, ok := ctx.Value(eventSinksKey).([]EventSink); ok {
		return sinks
	}
	return nil
}

// PublishEventToContext fans an event out to every sink attached to the
// context. Sink failures are logged and do not interrupt the caller.
func PublishEventToContext(ctx context.Context, event Event) {
	for _, sink := range GetEventSinks(ctx) {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).
				Str("event_type", string(event.Type())).
				Object("meta", event.Metadata()).
				Msg("failed to publish event to sink")
		}
	}
}
