package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) Stats() kafka.WriterStats {
	return kafka.WriterStats{Messages: int64(len(w.messages))}
}

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func headerMap(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, ParseBrokers(" kafka-1:9092, ,kafka-2:9092 "))
	assert.Empty(t, ParseBrokers(""))
}

func TestNewProducer_Validation(t *testing.T) {
	_, err := NewProducer(ProducerConfig{Topic: "events"}, getTestLogger())
	assert.Error(t, err)

	_, err = NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}}, getTestLogger())
	assert.Error(t, err)

	p, err := NewProducer(DefaultProducerConfig([]string{"localhost:9092"}, "events"), getTestLogger())
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_PublishSyncEvent(t *testing.T) {
	writer := &fakeWriter{}
	p := newProducer(writer, ProducerConfig{Topic: "fern-sync-events"}, getTestLogger())

	tracing.SetTracer(sdktrace.NewTracerProvider().Tracer("test"))
	defer tracing.SetTracer(nil)

	ctx := tracing.WithTraceParent(context.Background(), "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	evt := &models.SyncEvent{
		Type:       models.EventEntitySynced,
		Source:     "pokemon",
		SyncID:     "sync-1",
		EntityType: "pokemons",
		EntityID:   1,
	}
	require.NoError(t, p.PublishSyncEvent(ctx, evt))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "fern-sync-events", msg.Topic)
	assert.Equal(t, "pokemon:pokemons:1", string(msg.Key))
	assert.False(t, msg.Time.IsZero())

	headers := headerMap(msg.Headers)
	assert.Equal(t, "entity.synced", headers["event_type"])
	assert.Equal(t, "pokemon", headers["source"])
	assert.Equal(t, "sync-1", headers["sync_id"])
	assert.Contains(t, headers["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")

	decoded, err := ParseSyncEvent(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, models.EventEntitySynced, decoded.Type)
	assert.Equal(t, int64(1), decoded.EntityID)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", decoded.TraceID)
	assert.Equal(t, int64(1), p.Stats().Messages)
}

func TestProducer_PublishError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	p := newProducer(writer, ProducerConfig{Topic: "fern-sync-events"}, getTestLogger())

	err := p.PublishSyncEvent(context.Background(), &models.SyncEvent{
		Type:      models.EventPageFailed,
		Source:    "pokemon",
		URL:       "https://pokeapi.co/api/v2/pokemon/",
		Attempts:  5,
		Timestamp: time.Now(),
	})
	assert.ErrorContains(t, err, "broker down")

	require.NoError(t, p.Close())
	assert.True(t, writer.closed)
}

func TestMessageHeaders_SkipsEmpty(t *testing.T) {
	h := MessageHeaders{EventType: models.EventPageFailed, Source: "ability"}
	headers := headerMap(h.ToKafkaHeaders())
	assert.Len(t, headers, 2)
	assert.Equal(t, "sync.page_failed", headers["event_type"])
}
