package events

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WatermillSink publishes events as JSON messages on a watermill topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

func (s *WatermillSink) PublishEvent(event Event) error {
	payload, err := MarshalJSONEvent(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("event_type", string(event.Type()))
	if turnID := event.Metadata().TurnID; turnID != "" {
		msg.Metadata.Set("turn_id", turnID)
	}

	return errors.Wrapf(s.publisher.Publish(s.topic, msg), "failed to publish event to topic %s", s.topic)
}
