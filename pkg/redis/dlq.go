package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultDLQStream is the default dead letter queue stream name
	DefaultDLQStream = "fern:dlq"

	// DLQMaxLen is the maximum length of the DLQ stream (oldest entries trimmed)
	DLQMaxLen = 10000
)

// ErrDLQEntryNotFound is returned when a message id is not in the DLQ
var ErrDLQEntryNotFound = errors.New("DLQ entry not found")

// DeadLetterQueue handles dead letter queue operations
type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

// NewDeadLetterQueue creates a new dead letter queue handler
func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{
		client:     client,
		streamName: streamName,
		logger:     logger,
	}
}

// DLQEntry represents a dead letter queue entry
type DLQEntry struct {
	ID           string                  `json:"id"`
	MessageID    string                  `json:"message_id,omitempty"`
	Source       string                  `json:"source"`
	JobType      models.JobType          `json:"job_type"`
	URL          string                  `json:"url,omitempty"`
	SyncID       string                  `json:"sync_id,omitempty"`
	OriginalJob  *models.Job             `json:"original_job,omitempty"`
	RawMessage   string                  `json:"raw_message,omitempty"`
	Reason       models.DeadLetterReason `json:"reason"`
	ErrorMessage string                  `json:"error_message"`
	RetryCount   int                     `json:"retry_count"`
	CreatedAt    time.Time               `json:"created_at"`
	TraceID      string                  `json:"trace_id,omitempty"`
}

// NewDLQEntry describes a failed job. job may be nil when the message
// could not be decoded; raw keeps the undecoded payload then.
func NewDLQEntry(job *models.Job, raw string, reason models.DeadLetterReason, err error) *DLQEntry {
	entry := &DLQEntry{
		OriginalJob: job,
		Reason:      reason,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if job != nil {
		entry.Source = job.Source
		entry.JobType = job.Type
		entry.URL = job.URL
		entry.SyncID = job.SyncID
		entry.RetryCount = job.Attempt
	} else {
		entry.RawMessage = raw
	}
	return entry
}

// Add adds a job to the dead letter queue
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.TraceID == "" {
		entry.TraceID = tracing.GetTraceID(ctx)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	messageID, err := d.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			"data":   string(data),
			"source": entry.Source,
			"reason": string(entry.Reason),
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add job to DLQ")
		return "", fmt.Errorf("failed to add to DLQ: %w", err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"dlq_id":   entry.ID,
		"source":   entry.Source,
		"job_type": entry.JobType,
		"reason":   entry.Reason,
	}).Warnf("Added job to DLQ: %s", entry.ErrorMessage)
	return messageID, nil
}

func (d *DeadLetterQueue) decode(ctx context.Context, msg redis.XMessage) (*DLQEntry, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, false
	}

	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal DLQ entry: %s", msg.ID)
		return nil, false
	}
	entry.MessageID = msg.ID
	return &entry, true
}

// List returns up to count entries, newest first, optionally filtered by source
func (d *DeadLetterQueue) List(ctx context.Context, source string, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	fetch := count
	if source != "" {
		fetch = count * 4
	}

	messages, err := d.client.Redis().XRevRangeN(ctx, d.streamName, "+", "-", fetch).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, ok := d.decode(ctx, msg)
		if !ok || (source != "" && entry.Source != source) {
			continue
		}
		entries = append(entries, *entry)
		if int64(len(entries)) >= count {
			break
		}
	}

	return entries, nil
}

// Get retrieves a specific DLQ entry by message ID
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Get")
	defer span.End()

	messages, err := d.client.Redis().XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}
	if len(messages) == 0 {
		return nil, ErrDLQEntryNotFound
	}

	entry, ok := d.decode(ctx, messages[0])
	if !ok {
		return nil, fmt.Errorf("invalid DLQ entry format: %s", messageID)
	}
	return entry, nil
}

// Delete removes an entry from the dead letter queue
func (d *DeadLetterQueue) Delete(ctx context.Context, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Delete")
	defer span.End()

	count, err := d.client.Redis().XDel(ctx, d.streamName, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}
	if count == 0 {
		return ErrDLQEntryNotFound
	}

	d.logger.WithContext(ctx).Infof("Deleted DLQ entry: %s", messageID)
	return nil
}

// Count returns the number of entries in the DLQ
func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.Redis().XLen(ctx, d.streamName).Result()
}

// Retry re-publishes the original job of a DLQ entry onto the job stream
// with its attempt counter reset, then removes the entry.
func (d *DeadLetterQueue) Retry(ctx context.Context, messageID string, jobQueue *Streams, queueName string) (*models.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Retry")
	defer span.End()

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if entry.OriginalJob == nil {
		return nil, fmt.Errorf("DLQ entry has no original job: %s", messageID)
	}

	job := entry.OriginalJob.Retry()
	job.Attempt = 0

	if _, err := jobQueue.Publish(ctx, queueName, job); err != nil {
		return nil, fmt.Errorf("failed to re-enqueue job: %w", err)
	}

	if err := d.Delete(ctx, messageID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to delete DLQ entry after retry")
	}

	d.logger.WithContext(ctx).Infof("Retried DLQ entry: %s source=%s type=%s", messageID, entry.Source, entry.JobType)
	return job, nil
}
