package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Limit allows Requests per Window.
type Limit struct {
	Requests int64
	Window   time.Duration
}

// Throttle paces outbound requests per source.
type Throttle interface {
	// Wait blocks until a request for source may be sent.
	Wait(ctx context.Context, source string) error
	// Block pauses all requests for source for d.
	Block(ctx context.Context, source string, d time.Duration) error
}

// Manager throttles each source with a Redis sliding window shared by every
// worker replica.
type Manager struct {
	limiter *redis.RateLimiter
	limits  map[string]Limit
	maxWait time.Duration
	logger  ectologger.Logger
}

// NewManager creates a new rate limit manager. Sources without a limit are
// only subject to Block.
func NewManager(redisClient *redis.Client, limits map[string]Limit, maxWait time.Duration, logger ectologger.Logger) *Manager {
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	return &Manager{
		limiter: redis.NewRateLimiter(redisClient, "fern:ratelimit:"),
		limits:  limits,
		maxWait: maxWait,
		logger:  logger,
	}
}

func (m *Manager) Wait(ctx context.Context, source string) error {
	ctx, span := tracing.StartSpan(ctx, "RateLimitManager.Wait")
	defer span.End()

	start := time.Now()
	deadline := start.Add(m.maxWait)
	limit, limited := m.limits[source]
	waited := false

	for {
		retryIn, err := m.check(ctx, source, limit, limited)
		if err != nil {
			// fail open
			m.logger.WithContext(ctx).WithError(err).Errorf("Rate limit check failed for %s", source)
			return nil
		}
		if retryIn == 0 {
			if waited {
				metrics.RecordRateLimitWait(source, time.Since(start))
			}
			return nil
		}

		if time.Now().Add(retryIn).After(deadline) {
			return fmt.Errorf("rate limit for %s would exceed max wait time of %v", source, m.maxWait)
		}

		m.logger.WithContext(ctx).Infof("Rate limited for %s, waiting %v", source, retryIn)
		waited = true

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryIn):
		}
	}
}

// check returns how long to wait before a request for source may go out.
func (m *Manager) check(ctx context.Context, source string, limit Limit, limited bool) (time.Duration, error) {
	if !limited || limit.Requests <= 0 {
		blocked, ttl, err := m.limiter.IsBlocked(ctx, source)
		if err != nil || !blocked {
			return 0, err
		}
		return nonZero(ttl), nil
	}

	result, err := m.limiter.Allow(ctx, source, limit.Requests, limit.Window)
	if err != nil {
		return 0, err
	}
	if result.Allowed {
		return 0, nil
	}
	return nonZero(result.RetryIn), nil
}

func nonZero(d time.Duration) time.Duration {
	if d <= 0 {
		return 50 * time.Millisecond
	}
	return d
}

func (m *Manager) Block(ctx context.Context, source string, d time.Duration) error {
	m.logger.WithContext(ctx).Warnf("Blocking requests for %s for %v", source, d)
	return m.limiter.BlockFor(ctx, source, d)
}
