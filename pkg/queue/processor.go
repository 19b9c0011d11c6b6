package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxDeliveries is how often a message may be delivered before
	// it is dead-lettered
	DefaultMaxDeliveries = 5

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 5 * time.Minute

	// DefaultPromoteInterval is how often delayed jobs are checked
	DefaultPromoteInterval = time.Second
)

// ProcessorConfig holds configuration for the job processor
type ProcessorConfig struct {
	// Stream name for the job queue
	Stream string

	// Consumer group name
	ConsumerGroup string

	// Consumer name (unique per instance)
	ConsumerName string

	// Number of messages to fetch per batch
	BatchSize int64

	// How long to block waiting for new messages
	BlockTimeout time.Duration

	// Deliveries after which a pending message goes to the DLQ
	MaxDeliveries int64

	// How often to check for and claim stale pending messages
	ClaimInterval time.Duration

	// Minimum idle time before claiming a pending message
	ClaimMinIdle time.Duration

	// How often to move due delayed jobs onto the stream
	PromoteInterval time.Duration

	// Number of worker goroutines
	WorkerCount int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:          "fern:jobs",
		ConsumerGroup:   "fern-workers",
		ConsumerName:    hostname,
		BatchSize:       DefaultBatchSize,
		BlockTimeout:    DefaultBlockTimeout,
		MaxDeliveries:   DefaultMaxDeliveries,
		ClaimInterval:   DefaultClaimInterval,
		ClaimMinIdle:    DefaultClaimMinIdle,
		PromoteInterval: DefaultPromoteInterval,
		WorkerCount:     1,
	}
}

// Processor runs pipeline jobs from a Redis stream. A failed job is
// dead-lettered with its classified reason and acknowledged; retries are
// the pipeline's business, not the processor's.
type Processor struct {
	streams *redis.Streams
	dlq     *redis.DeadLetterQueue
	queue   *RedisQueue
	handler pipeline.Handler
	config  ProcessorConfig
	logger  ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	running bool
	started bool
	mu      sync.RWMutex
}

// NewProcessor creates a new job processor. queue may be nil when delayed
// jobs are promoted elsewhere.
func NewProcessor(
	streams *redis.Streams,
	dlq *redis.DeadLetterQueue,
	queue *RedisQueue,
	handler pipeline.Handler,
	config ProcessorConfig,
	logger ectologger.Logger,
) *Processor {
	defaults := DefaultProcessorConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = defaults.ConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = DefaultMaxDeliveries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.PromoteInterval <= 0 {
		config.PromoteInterval = DefaultPromoteInterval
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		dlq:      dlq,
		queue:    queue,
		handler:  handler,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

// Start starts the processor
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	if p.started {
		select {
		case <-p.stoppedC:
			p.stopCh = make(chan struct{})
			p.stoppedC = make(chan struct{})
			p.jobsCh = make(chan redis.StreamMessage, p.config.BatchSize*2)
		default:
			p.mu.Unlock()
			return errors.New("processor is still stopping")
		}
	}
	p.running = true
	p.started = true
	stopCh, stoppedC, jobsCh := p.stopCh, p.stoppedC, p.jobsCh
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		p.mu.Lock()
		p.running = false
		p.started = false
		p.mu.Unlock()
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var workers sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		workers.Add(1)
		go p.worker(ctx, &workers, i)
	}

	var producers sync.WaitGroup
	producers.Add(2)
	go p.consumeLoop(ctx, &producers)
	go p.claimLoop(ctx, &producers)
	if p.queue != nil {
		producers.Add(1)
		go p.promoteLoop(ctx, &producers)
	}

	go func() {
		<-stopCh
		producers.Wait()
		close(jobsCh)
		workers.Wait()
		close(stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Job processor started")
	return nil
}

// Stop stops the processor gracefully
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh, stoppedC := p.stopCh, p.stoppedC
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping job processor...")

	close(stopCh)

	select {
	case <-stoppedC:
		p.logger.WithContext(ctx).Info("Job processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Job processor shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the processor is running
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.streams.Consume(
			ctx,
			p.config.Stream,
			p.config.ConsumerGroup,
			p.config.ConsumerName,
			p.config.BatchSize,
			p.config.BlockTimeout,
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		for _, msg := range messages {
			select {
			case p.jobsCh <- msg:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

func (p *Processor) promoteLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			if _, err := p.queue.Promote(ctx, now); err != nil && ctx.Err() == nil {
				p.logger.WithContext(ctx).WithError(err).Warn("Failed to promote delayed jobs")
			}
		}
	}
}

// claimPendingMessages takes over messages left pending by crashed
// consumers, dead-lettering those delivered too often.
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ClaimMinIdle, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount <= p.config.MaxDeliveries {
			staleIDs = append(staleIDs, msg.ID)
			continue
		}
		p.logger.WithContext(ctx).Warnf("Message %s exceeded max deliveries (%d), moving to DLQ", msg.ID, msg.RetryCount)
		p.moveToDLQ(ctx, msg.ID, msg.RetryCount)
	}

	if len(staleIDs) == 0 {
		return
	}

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}

	metrics.QueueJobsReclaimed.Add(float64(len(claimed)))
	p.logger.WithContext(ctx).Infof("Claimed %d stale pending messages", len(claimed))

	for _, msg := range claimed {
		select {
		case p.jobsCh <- msg:
		case <-p.stopCh:
			return
		default:
			// workers are busy; the message stays pending for the next pass
		}
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)
	for msg := range p.jobsCh {
		p.process(ctx, msg)
	}
	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// process runs one message and always settles it: acknowledged on success,
// dead-lettered and acknowledged on failure.
func (p *Processor) process(ctx context.Context, msg redis.StreamMessage) {
	if msg.DecodeErr != nil {
		p.logger.WithContext(ctx).WithError(msg.DecodeErr).Warnf("Failed to decode job message %s", msg.ID)
		p.deadLetter(ctx, msg, models.DLQReasonInvalidJob, msg.DecodeErr)
		return
	}

	job := msg.Job
	ctx = tracing.WithTraceParent(ctx, job.TraceParent)
	ctx, span := tracing.StartSpan(ctx, "Processor.process")
	defer span.End()

	ctx = appctx.SetRequestID(ctx, job.ID)

	metrics.QueueJobsInFlight.Inc()
	start := time.Now()
	err := p.handler.Handle(ctx, job)
	duration := time.Since(start)
	metrics.QueueJobsInFlight.Dec()

	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordQueueJob(string(job.Type), "failed", duration)
		p.logger.WithContext(ctx).WithError(err).Warnf("Job %s (%s) failed after %s", job.ID, job.Type, duration)
		p.deadLetter(ctx, msg, pipeline.Classify(err), err)
		return
	}

	metrics.RecordQueueJob(string(job.Type), "success", duration)
	p.logger.WithContext(ctx).Debugf("Job %s (%s) completed in %s", job.ID, job.Type, duration)
	p.ack(ctx, msg.ID)
}

func (p *Processor) deadLetter(ctx context.Context, msg redis.StreamMessage, reason models.DeadLetterReason, cause error) {
	if p.dlq != nil {
		entry := redis.NewDLQEntry(msg.Job, msg.Data, reason, cause)
		if _, err := p.dlq.Add(ctx, entry); err != nil {
			// leave it pending so the claim loop sees it again
			p.logger.WithContext(ctx).WithError(err).Errorf("Failed to add message %s to DLQ", msg.ID)
			return
		}
		metrics.RecordDLQJob(entry.Source, string(reason))
	}
	p.ack(ctx, msg.ID)
}

// moveToDLQ dead-letters a pending message by id.
func (p *Processor) moveToDLQ(ctx context.Context, messageID string, deliveries int64) {
	ctx, span := tracing.StartSpan(ctx, "Processor.moveToDLQ")
	defer span.End()

	messages, err := p.streams.Range(ctx, p.config.Stream, messageID, messageID)
	if err != nil || len(messages) == 0 {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to get message %s for DLQ", messageID)
		p.ack(ctx, messageID)
		return
	}

	cause := fmt.Errorf("delivered %d times without completing", deliveries)
	p.deadLetter(ctx, messages[0], models.DLQReasonMaxRetries, cause)
}

func (p *Processor) ack(ctx context.Context, messageID string) {
	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, messageID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", messageID)
	}
}
