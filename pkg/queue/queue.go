package queue

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultPromoteBatch is how many due delayed jobs are moved per pass
const DefaultPromoteBatch = 100

// RedisQueue publishes jobs to a Redis stream. Delayed jobs wait in a
// sorted set until Promote moves them onto the stream, so retries survive
// worker restarts.
type RedisQueue struct {
	streams *redis.Streams
	delayed *redis.DelayedSet
	stream  string
	logger  ectologger.Logger
}

var _ pipeline.Queue = (*RedisQueue)(nil)

func NewRedisQueue(streams *redis.Streams, delayed *redis.DelayedSet, stream string, logger ectologger.Logger) *RedisQueue {
	return &RedisQueue{
		streams: streams,
		delayed: delayed,
		stream:  stream,
		logger:  logger,
	}
}

// Stream returns the job stream name.
func (q *RedisQueue) Stream() string {
	return q.stream
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job) error {
	ctx, span := tracing.StartSpan(ctx, "RedisQueue.Enqueue")
	defer span.End()

	if job.TraceParent == "" {
		job.TraceParent = tracing.GetTraceParent(ctx)
	}
	if _, err := q.streams.Publish(ctx, q.stream, job); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

func (q *RedisQueue) EnqueueAfter(ctx context.Context, job *models.Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}

	ctx, span := tracing.StartSpan(ctx, "RedisQueue.EnqueueAfter")
	defer span.End()

	if err := q.delayed.Schedule(ctx, job, time.Now().Add(delay)); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

// Promote moves every delayed job due at now onto the stream.
func (q *RedisQueue) Promote(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for {
		moved, err := q.delayed.Promote(ctx, q.stream, now, DefaultPromoteBatch)
		if err != nil {
			return total, err
		}
		total += moved
		if moved < DefaultPromoteBatch {
			break
		}
	}

	if total > 0 {
		metrics.DelayedJobsPromoted.Add(float64(total))
		q.logger.WithContext(ctx).Debugf("Promoted %d delayed jobs onto %s", total, q.stream)
	}
	return total, nil
}
