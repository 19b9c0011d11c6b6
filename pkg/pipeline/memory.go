package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Failure is a job that returned an error.
type Failure struct {
	Job    *models.Job
	Err    error
	Reason models.DeadLetterReason
}

// MemoryQueue is an in-process Queue for running a sync to completion
// without Redis.
type MemoryQueue struct {
	mu       sync.Mutex
	backlog  []*models.Job
	failures []Failure
	delays   []time.Duration
	notify   chan struct{}
	inflight sync.WaitGroup

	delayScale float64
	logger     ectologger.Logger
}

type MemoryOption func(*MemoryQueue)

// WithDelayScale multiplies every EnqueueAfter delay; 0 makes retries
// immediate.
func WithDelayScale(scale float64) MemoryOption {
	return func(q *MemoryQueue) {
		q.delayScale = scale
	}
}

func NewMemoryQueue(logger ectologger.Logger, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		notify:     make(chan struct{}, 1),
		delayScale: 1,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *models.Job) error {
	q.inflight.Add(1)
	q.push(job)
	return nil
}

func (q *MemoryQueue) EnqueueAfter(_ context.Context, job *models.Job, delay time.Duration) error {
	q.inflight.Add(1)

	q.mu.Lock()
	q.delays = append(q.delays, delay)
	q.mu.Unlock()

	scaled := time.Duration(float64(delay) * q.delayScale)
	if scaled <= 0 {
		q.push(job)
		return nil
	}
	time.AfterFunc(scaled, func() { q.push(job) })
	return nil
}

func (q *MemoryQueue) push(job *models.Job) {
	q.mu.Lock()
	q.backlog = append(q.backlog, job)
	q.mu.Unlock()
	q.wake()
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop() *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return nil
	}
	job := q.backlog[0]
	q.backlog = q.backlog[1:]
	if len(q.backlog) > 0 {
		defer q.wake()
	}
	return job
}

// RunUntilIdle processes jobs with the given number of workers until no job
// is queued, delayed or running, or ctx is done.
func (q *MemoryQueue) RunUntilIdle(ctx context.Context, handler Handler, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			q.work(gctx, handler)
			return nil
		})
	}

	idle := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-ctx.Done():
	}
	cancel()

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		job := q.pop()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		q.process(ctx, handler, job)
	}
}

func (q *MemoryQueue) process(ctx context.Context, handler Handler, job *models.Job) {
	defer q.inflight.Done()

	start := time.Now()
	err := handler.Handle(ctx, job)
	duration := time.Since(start)

	if err == nil {
		metrics.RecordQueueJob(string(job.Type), "success", duration)
		return
	}

	reason := Classify(err)
	metrics.RecordQueueJob(string(job.Type), "failed", duration)
	q.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"source":   job.Source,
		"url":      job.URL,
		"reason":   reason,
	}).Errorf("Job %s failed", job.Type)

	q.mu.Lock()
	q.failures = append(q.failures, Failure{Job: job, Err: err, Reason: reason})
	q.mu.Unlock()
}

// Failures returns the failed jobs so far.
func (q *MemoryQueue) Failures() []Failure {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Failure, len(q.failures))
	copy(out, q.failures)
	return out
}

// Delays returns every delay passed to EnqueueAfter, unscaled.
func (q *MemoryQueue) Delays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]time.Duration, len(q.delays))
	copy(out, q.delays)
	return out
}
