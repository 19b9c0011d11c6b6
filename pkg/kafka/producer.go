package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ProducerConfig configures the event producer
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	MaxAttempts  int
	WriteTimeout time.Duration
	Async        bool
	Compression  string
	RequiredAcks int
}

// DefaultProducerConfig returns producer defaults for the given brokers and topic
func DefaultProducerConfig(brokers []string, topic string) ProducerConfig {
	return ProducerConfig{
		Brokers:      brokers,
		Topic:        topic,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		Compression:  "snappy",
		RequiredAcks: int(kafka.RequireOne),
	}
}

// ParseBrokers splits a comma separated broker list, dropping blanks
func ParseBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.WriterStats
}

// Producer publishes sync events to Kafka
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	config ProducerConfig
}

// NewProducer creates a new Kafka producer
func NewProducer(config ProducerConfig, logger ectologger.Logger) (*Producer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	var compression kafka.Compression
	switch config.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "snappy":
		compression = kafka.Snappy
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchTimeout:           config.BatchTimeout,
		MaxAttempts:            config.MaxAttempts,
		WriteTimeout:           config.WriteTimeout,
		Async:                  config.Async,
		Compression:            compression,
		RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, config, logger), nil
}

func newProducer(writer messageWriter, config ProducerConfig, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		config: config,
	}
}

// PublishSyncEvent writes evt to the configured topic with the caller's
// trace context in its headers.
func (p *Producer) PublishSyncEvent(ctx context.Context, evt *models.SyncEvent) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishSyncEvent")
	defer span.End()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.TraceID == "" {
		evt.TraceID = tracing.GetTraceID(ctx)
	}

	msg, err := NewEventMessage(p.config.Topic, evt, MessageHeaders{
		TraceParent: tracing.GetTraceParent(ctx),
		TraceState:  tracing.GetTraceState(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		tracing.RecordError(span, err)
		metrics.RecordKafkaPublish(p.config.Topic, "error", time.Since(start))
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %s event", evt.Type)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.RecordKafkaPublish(p.config.Topic, "success", time.Since(start))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	p.logger.Info("Kafka producer closed")
	return nil
}

// Stats returns producer statistics
func (p *Producer) Stats() kafka.WriterStats {
	return p.writer.Stats()
}

// Ping dials the first reachable broker.
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.config.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}
