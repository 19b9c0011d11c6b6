package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/loaders"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/transform"
)

const testStream = "test:jobs"

type fixture struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	streams *redis.Streams
	dlq     *redis.DeadLetterQueue
	queue   *RedisQueue
}

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := getTestLogger()
	client := redis.NewClientFromRedis(rdb, logger)
	streams := redis.NewStreams(client)
	return &fixture{
		mr:      mr,
		client:  client,
		streams: streams,
		dlq:     redis.NewDeadLetterQueue(client, "test:dlq", logger),
		queue:   NewRedisQueue(streams, redis.NewDelayedSet(client, "test:delayed"), testStream, logger),
	}
}

func (f *fixture) processor(handler pipeline.Handler, cfg ProcessorConfig) *Processor {
	cfg.Stream = testStream
	cfg.ConsumerGroup = "test-group"
	cfg.ConsumerName = "test-consumer"
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 50 * time.Millisecond
	}
	return NewProcessor(f.streams, f.dlq, f.queue, handler, cfg, getTestLogger())
}

type recordingHandler struct {
	mu   sync.Mutex
	jobs []*models.Job
	err  func(job *models.Job) error
}

func (r *recordingHandler) Handle(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.err != nil {
		return r.err(job)
	}
	return nil
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func TestRedisQueue_EnqueueAndPromote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(ctx, models.NewJob(models.JobTypeLoadPage, "pokemon", "")))
	require.NoError(t, f.queue.EnqueueAfter(ctx, models.NewJob(models.JobTypeLoadPage, "pokemon", "http://x/?offset=20"), time.Hour))
	require.NoError(t, f.queue.EnqueueAfter(ctx, models.NewJob(models.JobTypeLoadPage, "pokemon", "http://x/?offset=40"), 0))

	n, err := f.streams.Len(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	moved, err := f.queue.Promote(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), moved)

	moved, err = f.queue.Promote(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	messages, err := f.streams.Range(ctx, testStream, "-", "+")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "http://x/?offset=20", messages[2].Job.URL)
}

func TestProcessor_ProcessesAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	handler := &recordingHandler{err: func(job *models.Job) error {
		switch job.URL {
		case "http://x/bad":
			return &transform.ExtractionError{Path: "id", Reason: "missing id"}
		case "http://x/down":
			return &loaders.LoaderError{URL: job.URL, StatusCode: 500}
		}
		return nil
	}}
	p := f.processor(handler, ProcessorConfig{WorkerCount: 2})
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	for _, url := range []string{"http://x/1", "http://x/bad", "http://x/down", "http://x/2"} {
		require.NoError(t, f.queue.Enqueue(ctx, models.NewJob(models.JobTypeLoadEntity, "pokemon", url)))
	}

	require.Eventually(t, func() bool { return handler.count() == 4 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := f.dlq.Count(ctx)
		return n == 2
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := f.dlq.List(ctx, "", 10)
	require.NoError(t, err)
	reasons := map[models.DeadLetterReason]string{}
	for _, entry := range entries {
		reasons[entry.Reason] = entry.URL
	}
	assert.Equal(t, "http://x/bad", reasons[models.DLQReasonExtractionError])
	assert.Equal(t, "http://x/down", reasons[models.DLQReasonLoaderError])

	require.Eventually(t, func() bool {
		pending, err := f.streams.Pending(ctx, testStream, "test-group", 0, 10)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessor_UndecodableMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mr.XAdd(testStream, "*", []string{"data", "{not json"})
	require.NoError(t, err)

	handler := &recordingHandler{}
	p := f.processor(handler, ProcessorConfig{})
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := f.dlq.Count(ctx)
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, handler.count())

	entries, err := f.dlq.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.DLQReasonInvalidJob, entries[0].Reason)
	assert.Equal(t, "{not json", entries[0].RawMessage)
}

func TestProcessor_ClaimsStaleMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.streams.CreateConsumerGroup(ctx, testStream, "test-group"))
	require.NoError(t, f.queue.Enqueue(ctx, models.NewJob(models.JobTypeLoadEntity, "pokemon", "http://x/1")))

	// a consumer that crashes after reading
	crashed, err := f.streams.Consume(ctx, testStream, "test-group", "crashed", 10, -1)
	require.NoError(t, err)
	require.Len(t, crashed, 1)

	p := f.processor(&recordingHandler{}, ProcessorConfig{ClaimMinIdle: time.Millisecond, MaxDeliveries: 1})
	time.Sleep(10 * time.Millisecond)

	p.claimPendingMessages(ctx)
	require.Len(t, p.jobsCh, 1)
	claimed := <-p.jobsCh
	assert.Equal(t, crashed[0].ID, claimed.ID)

	// delivered twice now, past the limit
	time.Sleep(10 * time.Millisecond)
	p.claimPendingMessages(ctx)
	assert.Len(t, p.jobsCh, 0)

	entries, err := f.dlq.List(ctx, "pokemon", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.DLQReasonMaxRetries, entries[0].Reason)
}

func TestProcessor_StartTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.processor(&recordingHandler{}, ProcessorConfig{})

	require.NoError(t, p.Start(ctx))
	assert.True(t, p.IsRunning())
	assert.Error(t, p.Start(ctx))

	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Stop(ctx))
}

func TestProcessor_Restart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	handler := &recordingHandler{}
	p := f.processor(handler, ProcessorConfig{})

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Start(ctx))
		require.NoError(t, f.queue.Enqueue(ctx, models.NewJob(models.JobTypeLoadPage, "pokemon", "")))
		want := i + 1
		require.Eventually(t, func() bool { return handler.count() == want }, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, p.Stop(ctx))
		assert.False(t, p.IsRunning())
	}
}

func TestProcessor_RunsPipelineRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var calls int
	var mu sync.Mutex
	handler := pipeline.HandlerFunc(func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if job.Attempt == 0 {
			return f.queue.EnqueueAfter(ctx, job.Retry(), 10*time.Millisecond)
		}
		return nil
	})

	p := f.processor(handler, ProcessorConfig{PromoteInterval: 10 * time.Millisecond})
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	require.NoError(t, f.queue.Enqueue(ctx, models.NewJob(models.JobTypeLoadPage, "pokemon", "")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 5*time.Second, 10*time.Millisecond)

	n, err := f.dlq.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
