package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
)

// promoteScript moves due members of the delayed set onto the stream in one
// step so a job is never both delayed and queued.
var promoteScript = redis.NewScript(`
	local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
	for _, member in ipairs(due) do
		redis.call("xadd", KEYS[2], "*", "data", member)
		redis.call("zrem", KEYS[1], member)
	end
	return #due
`)

// DelayedSet holds jobs scheduled for a later time in a sorted set scored by
// their due time in milliseconds.
type DelayedSet struct {
	client *Client
	key    string
}

// NewDelayedSet creates a delayed set stored at key
func NewDelayedSet(client *Client, key string) *DelayedSet {
	if key == "" {
		key = "fern:delayed"
	}
	return &DelayedSet{client: client, key: key}
}

// Schedule stores job until at
func (d *DelayedSet) Schedule(ctx context.Context, job *models.Job, at time.Time) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}

	if err := d.client.rdb.ZAdd(ctx, d.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		d.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to schedule job %s", job.ID)
		return err
	}

	d.client.logger.WithContext(ctx).Debugf("Scheduled %s job %s for %s", job.Type, job.ID, at.Format(time.RFC3339))
	return nil
}

// Promote moves up to limit jobs due at now onto stream and returns how
// many moved.
func (d *DelayedSet) Promote(ctx context.Context, stream string, now time.Time, limit int64) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	return promoteScript.Run(ctx, d.client.rdb, []string{d.key, stream},
		strconv.FormatInt(now.UnixMilli(), 10),
		limit,
	).Int64()
}

// Len returns the number of delayed jobs
func (d *DelayedSet) Len(ctx context.Context) (int64, error) {
	return d.client.rdb.ZCard(ctx, d.key).Result()
}
