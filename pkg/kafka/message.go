package kafka

import (
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/models"
)

// MessageHeaders are set on every event so consumers can filter without
// decoding the body.
type MessageHeaders struct {
	EventType   models.EventType
	Source      string
	SyncID      string
	TraceParent string
	TraceState  string
}

// ToKafkaHeaders converts MessageHeaders to kafka headers, skipping empty values
func (h *MessageHeaders) ToKafkaHeaders() []kafka.Header {
	pairs := []struct {
		key   string
		value string
	}{
		{"event_type", string(h.EventType)},
		{"source", h.Source},
		{"sync_id", h.SyncID},
		{"traceparent", h.TraceParent},
		{"tracestate", h.TraceState},
	}

	headers := make([]kafka.Header, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		headers = append(headers, kafka.Header{Key: p.key, Value: []byte(p.value)})
	}
	return headers
}

// NewEventMessage encodes evt as a kafka message keyed by the entity, so all
// events for one entity land on one partition.
func NewEventMessage(topic string, evt *models.SyncEvent, headers MessageHeaders) (kafka.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, err
	}

	headers.EventType = evt.Type
	headers.Source = evt.Source
	headers.SyncID = evt.SyncID

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(evt.Key()),
		Value:   data,
		Headers: headers.ToKafkaHeaders(),
		Time:    evt.Timestamp,
	}, nil
}

// ParseSyncEvent decodes a message value produced by NewEventMessage.
func ParseSyncEvent(data []byte) (*models.SyncEvent, error) {
	var evt models.SyncEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}
