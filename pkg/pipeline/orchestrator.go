package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/loaders"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/sources"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// SyncTask is the task name periodic triggers use to start a sync
	SyncTask = "sync"
	// SyncInterval is the interval of the triggers CreatePeriodicTasks makes
	SyncInterval = 24 * time.Hour
)

// SourceProvider resolves configured sources.
type SourceProvider interface {
	Get(name string) (*sources.Source, error)
	Names() []string
}

// TriggerStore persists periodic triggers.
type TriggerStore interface {
	// EnsurePeriodicTrigger creates the trigger unless one with the same
	// name exists, and reports whether it created it.
	EnsurePeriodicTrigger(ctx context.Context, trigger *models.PeriodicTrigger) (bool, error)
}

// EventPublisher receives pipeline events. Publishing is best effort.
type EventPublisher interface {
	PublishSyncEvent(ctx context.Context, evt *models.SyncEvent) error
}

// Orchestrator runs the page walk as queue jobs: a page job fans out one
// load_entity job per reference, then enqueues the next page.
type Orchestrator struct {
	sources  SourceProvider
	queue    Queue
	triggers TriggerStore
	events   EventPublisher
	retry    RetryPolicy
	logger   ectologger.Logger
}

type Option func(*Orchestrator)

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.retry = policy
	}
}

func WithTriggerStore(triggers TriggerStore) Option {
	return func(o *Orchestrator) {
		o.triggers = triggers
	}
}

func WithEvents(events EventPublisher) Option {
	return func(o *Orchestrator) {
		o.events = events
	}
}

func NewOrchestrator(srcs SourceProvider, queue Queue, logger ectologger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sources: srcs,
		queue:   queue,
		retry:   DefaultRetryPolicy(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sync starts a sync run by enqueuing the seed page job. It does not wait
// for the run.
func (o *Orchestrator) Sync(ctx context.Context, source string) (*models.Job, error) {
	if _, err := o.sources.Get(source); err != nil {
		return nil, err
	}

	job := models.NewJob(models.JobTypeLoadPage, source, "")
	job.SyncID = uuid.New().String()
	job.TraceParent = tracing.GetTraceParent(ctx)

	if err := o.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue sync of %s: %w", source, err)
	}

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"source":  source,
		"sync_id": job.SyncID,
	}).Infof("Started sync of %s", source)
	return job, nil
}

// Handle dispatches a job to its step.
func (o *Orchestrator) Handle(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	ctx = tracing.WithTraceParent(ctx, job.TraceParent)
	ctx = appctx.SetJobID(ctx, job.ID)
	ctx = appctx.SetSource(ctx, job.Source)
	ctx = appctx.SetSyncID(ctx, job.SyncID)

	switch job.Type {
	case models.JobTypeSync:
		_, err := o.Sync(ctx, job.Source)
		return err
	case models.JobTypeLoadPage:
		return o.LoadPage(ctx, job)
	case models.JobTypeLoadEntity:
		return o.LoadEntity(ctx, job)
	case models.JobTypeSaveEntity:
		return o.SaveEntity(ctx, job)
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidJob, job.Type)
	}
}

// LoadPage loads one page, fans out its entities and enqueues the next
// page. Loader failures are retried by re-enqueuing the job with a delay.
func (o *Orchestrator) LoadPage(ctx context.Context, job *models.Job) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.LoadPage",
		attribute.String("source", job.Source),
		attribute.String("url", job.URL),
		attribute.Int("attempt", job.Attempt),
	)
	defer span.End()

	src, err := o.sources.Get(job.Source)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	logger := o.logger.WithContext(ctx).WithFields(appctx.LogFields(ctx))

	page, err := src.PageLoader.Load(ctx, job.URL)
	if err != nil {
		metrics.RecordPageLoad(job.Source, "error")
		tracing.RecordError(span, err)
		if !loaders.IsLoaderError(err) {
			return err
		}
		return o.retryPage(ctx, job, err)
	}
	metrics.RecordPageLoad(job.Source, "success")

	for _, url := range page.URLs {
		if err := o.queue.Enqueue(ctx, job.Next(models.JobTypeLoadEntity, url)); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("failed to enqueue entity %s: %w", url, err)
		}
	}

	if page.Next != "" {
		if err := o.queue.Enqueue(ctx, job.Next(models.JobTypeLoadPage, page.Next)); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("failed to enqueue page %s: %w", page.Next, err)
		}
	}

	logger.WithFields(map[string]any{
		"entities": len(page.URLs),
		"next":     page.Next,
	}).Infof("Loaded page with %d entities", len(page.URLs))
	return nil
}

func (o *Orchestrator) retryPage(ctx context.Context, job *models.Job, cause error) error {
	logger := o.logger.WithContext(ctx).WithError(cause).WithFields(appctx.LogFields(ctx))

	if !o.retry.Allows(job.Attempt) {
		logger.Errorf("Page %q failed after %d retries", job.URL, job.Attempt)
		o.publish(ctx, &models.SyncEvent{
			Type:     models.EventPageFailed,
			Source:   job.Source,
			SyncID:   job.SyncID,
			URL:      job.URL,
			Attempts: job.Attempt,
			Error:    cause.Error(),
		})
		return &RetriesExhaustedError{URL: job.URL, Attempts: job.Attempt, Err: cause}
	}

	delay := o.retry.Delay(job.Attempt)
	retry := job.Retry()
	if err := o.queue.EnqueueAfter(ctx, retry, delay); err != nil {
		return fmt.Errorf("failed to schedule page retry: %w", err)
	}

	metrics.RecordPageRetry(job.Source)
	logger.WithFields(map[string]any{
		"retry": retry.Attempt,
		"delay": delay.String(),
	}).Warnf("Page load failed, retry %d/%d in %s", retry.Attempt, o.retry.MaxRetries, delay)
	return nil
}

// LoadEntity fetches one entity and hands its payload to a save job.
func (o *Orchestrator) LoadEntity(ctx context.Context, job *models.Job) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.LoadEntity",
		attribute.String("source", job.Source),
		attribute.String("url", job.URL),
	)
	defer span.End()

	src, err := o.sources.Get(job.Source)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	raw, err := src.EntityLoader.Load(ctx, job.URL)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to encode entity %s: %w", job.URL, err)
	}

	save := job.Next(models.JobTypeSaveEntity, job.URL)
	save.Payload = payload
	if err := o.queue.Enqueue(ctx, save); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to enqueue save of %s: %w", job.URL, err)
	}
	return nil
}

// SaveEntity transforms the payload and applies it to the store.
func (o *Orchestrator) SaveEntity(ctx context.Context, job *models.Job) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.SaveEntity",
		attribute.String("source", job.Source),
		attribute.String("url", job.URL),
	)
	defer span.End()

	src, err := o.sources.Get(job.Source)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(job.Payload, &raw); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("%w: payload is not an object: %v", ErrInvalidJob, err)
	}

	record, err := src.Transformer.Transform(raw)
	if err != nil {
		metrics.RecordEntitySave(job.Source, "extraction_error")
		tracing.RecordError(span, err)
		return err
	}

	if err := src.Updater.Apply(ctx, record); err != nil {
		metrics.RecordEntitySave(job.Source, "error")
		tracing.RecordError(span, err)
		return err
	}
	metrics.RecordEntitySave(job.Source, "success")

	o.logger.WithContext(ctx).WithFields(appctx.LogFields(ctx)).WithFields(map[string]any{
		"entity_type": src.EntityType,
		"entity_id":   record.ID,
	}).Infof("Saved %s %d", src.EntityType, record.ID)

	o.publish(ctx, &models.SyncEvent{
		Type:       models.EventEntitySynced,
		Source:     job.Source,
		SyncID:     job.SyncID,
		EntityType: src.EntityType,
		EntityID:   record.ID,
		URL:        job.URL,
	})
	return nil
}

// CreatePeriodicTasks makes sure every source has its daily sync trigger.
// Triggers are created disabled and existing ones are left untouched.
func (o *Orchestrator) CreatePeriodicTasks(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.CreatePeriodicTasks")
	defer span.End()

	if o.triggers == nil {
		return fmt.Errorf("no trigger store configured")
	}

	for _, source := range o.sources.Names() {
		trigger := &models.PeriodicTrigger{
			Name:            TriggerName(source),
			Task:            SyncTask,
			IntervalSeconds: int64(SyncInterval / time.Second),
			Kwargs:          database.NewJSONB(map[string]any{"source": source}),
			Enabled:         false,
		}

		created, err := o.triggers.EnsurePeriodicTrigger(ctx, trigger)
		if err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("failed to ensure trigger for %s: %w", source, err)
		}
		if created {
			o.logger.WithContext(ctx).Infof("Created periodic task %q", trigger.Name)
		}
	}
	return nil
}

// TriggerName is the periodic trigger name of a source.
func TriggerName(source string) string {
	return "Update " + source
}

func (o *Orchestrator) publish(ctx context.Context, evt *models.SyncEvent) {
	if o.events == nil {
		return
	}
	evt.Timestamp = time.Now().UTC()
	evt.TraceID = tracing.GetTraceID(ctx)
	if err := o.events.PublishSyncEvent(ctx, evt); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warnf("Failed to publish %s event", evt.Type)
	}
}
