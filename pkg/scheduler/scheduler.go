package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

	// ErrUnknownTask is returned for a trigger whose task the scheduler cannot enqueue
	ErrUnknownTask = errors.New("unknown trigger task")
)

const (
	// DefaultPollInterval is the default interval between scheduling runs
	DefaultPollInterval = 30 * time.Second

	// DefaultLockTTL is the default TTL for distributed locks
	DefaultLockTTL = 60 * time.Second

	// DefaultBatchSize is the number of triggers to fetch per poll
	DefaultBatchSize = 100

	// LockKeyPrefix is the prefix for scheduler locks
	LockKeyPrefix = "fern:scheduler:"
)

// TriggerRepository is the trigger storage the scheduler polls.
type TriggerRepository interface {
	ListEnabled(ctx context.Context, limit int) ([]models.PeriodicTrigger, error)
	GetByID(ctx context.Context, id string) (*models.PeriodicTrigger, error)
	MarkRun(ctx context.Context, id string, at time.Time) error
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to check for due triggers
	PollInterval time.Duration
	// LockTTL bounds how long one instance holds a trigger while firing it
	LockTTL time.Duration
	// BatchSize is the number of triggers fetched per poll
	BatchSize int
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		LockTTL:      DefaultLockTTL,
		BatchSize:    DefaultBatchSize,
	}
}

// Scheduler polls periodic triggers and enqueues a sync job for each one
// that is due. Several instances may run; a Redis lock per trigger keeps a
// trigger from firing twice for one interval.
type Scheduler struct {
	repo   TriggerRepository
	queue  pipeline.Queue
	locker *redis.Locker
	config Config
	logger ectologger.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func New(repo TriggerRepository, queue pipeline.Queue, locker *redis.Locker, config Config, logger ectologger.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	return &Scheduler{
		repo:   repo,
		queue:  queue,
		locker: locker,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Start begins polling in the background
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s batch_size=%d",
		s.config.PollInterval, s.config.BatchSize)

	go s.pollLoop(ctx, s.stopCh, s.stoppedC)
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, stoppedC := s.stopCh, s.stoppedC
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")
	close(stopCh)

	select {
	case <-stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context, stopCh <-chan struct{}, stoppedC chan<- struct{}) {
	defer close(stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-stopCh:
			s.logger.WithContext(ctx).Debug("Scheduler poll loop stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce fires every due trigger and returns how many it fired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunOnce")
	defer span.End()

	start := time.Now()
	triggers, err := s.repo.ListEnabled(ctx, s.config.BatchSize)
	if err != nil {
		tracing.RecordError(span, err)
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list periodic triggers")
		return 0
	}

	now := s.now()
	scheduled, skipped := 0, 0
	for i := range triggers {
		trigger := &triggers[i]
		if !trigger.IsDue(now) {
			continue
		}

		fired, err := s.fire(ctx, trigger)
		if err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				skipped++
				continue
			}
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to fire trigger %s", trigger.Name)
			continue
		}
		if fired {
			scheduled++
		} else {
			skipped++
		}
	}

	if scheduled > 0 || skipped > 0 {
		s.logger.WithContext(ctx).Infof("Scheduling cycle completed: scheduled=%d skipped=%d duration=%s",
			scheduled, skipped, time.Since(start))
	}
	return scheduled
}

// fire enqueues the trigger's job under its lock. The trigger is re-read
// once the lock is held since another instance may have fired it since it
// was listed.
func (s *Scheduler) fire(ctx context.Context, listed *models.PeriodicTrigger) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.fire")
	defer span.End()

	lock, err := s.locker.Acquire(ctx, LockKeyPrefix+listed.ID, s.config.LockTTL)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redis.ErrLockNotHeld) {
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to release lock for trigger %s", listed.Name)
		}
	}()

	trigger, err := s.repo.GetByID(ctx, listed.ID)
	if err != nil {
		return false, err
	}
	now := s.now()
	if !trigger.IsDue(now) {
		return false, nil
	}

	job, err := jobFor(trigger)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	ctx = appctx.SetSource(ctx, job.Source)

	if err := s.queue.Enqueue(ctx, job); err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	if err := s.repo.MarkRun(ctx, trigger.ID, now); err != nil {
		return false, err
	}

	metrics.RecordTriggerFired(trigger.Task)
	s.logger.WithContext(ctx).Infof("Fired trigger %s (job_id=%s)", trigger.Name, job.ID)
	return true, nil
}

func jobFor(trigger *models.PeriodicTrigger) (*models.Job, error) {
	if trigger.Task != pipeline.SyncTask {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, trigger.Task)
	}
	source := trigger.KwargString("source")
	if source == "" {
		return nil, fmt.Errorf("trigger %s has no source argument", trigger.Name)
	}
	return models.NewJob(models.JobTypeSync, source, ""), nil
}
