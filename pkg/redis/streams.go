package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
)

// StreamMessage is one job read from a stream. Job is nil and DecodeErr set
// when the entry could not be decoded.
type StreamMessage struct {
	ID        string
	Stream    string
	Data      string
	Job       *models.Job
	DecodeErr error
}

// Streams provides Redis Streams operations for job queues
type Streams struct {
	client *Client
}

// NewStreams creates a new Streams instance
func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

func encodeJob(job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	return string(payload), nil
}

// Publish adds a job to a stream
func (s *Streams) Publish(ctx context.Context, stream string, job *models.Job) (string, error) {
	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	result, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"data": payload,
		},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).Debugf("Published %s job %s to stream %s (message ID: %s)", job.Type, job.ID, stream, result)
	return result, nil
}

// CreateConsumerGroup creates a consumer group for a stream
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new messages from a stream using a consumer group
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		for _, msg := range result.Messages {
			messages = append(messages, decodeMessage(result.Stream, msg))
		}
	}
	return messages, nil
}

func decodeMessage(stream string, msg redis.XMessage) StreamMessage {
	out := StreamMessage{ID: msg.ID, Stream: stream}

	data, ok := msg.Values["data"].(string)
	if !ok {
		out.DecodeErr = fmt.Errorf("message %s has no data field", msg.ID)
		return out
	}
	out.Data = data

	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		out.DecodeErr = fmt.Errorf("failed to unmarshal message %s: %w", msg.ID, err)
		return out
	}
	out.Job = &job
	return out
}

// Ack acknowledges messages
func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending returns pending messages idle for at least minIdle
func (s *Streams) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]redis.XPendingExt, error) {
	return s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim claims pending messages for a consumer
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]StreamMessage, 0, len(results))
	for _, msg := range results {
		messages = append(messages, decodeMessage(stream, msg))
	}
	return messages, nil
}

// Len returns the length of a stream
func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

// Range returns messages in a stream between start and end IDs
func (s *Streams) Range(ctx context.Context, stream, start, end string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]StreamMessage, 0, len(results))
	for _, msg := range results {
		messages = append(messages, decodeMessage(stream, msg))
	}
	return messages, nil
}
