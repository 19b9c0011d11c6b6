package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// JobType names one step of the sync pipeline.
type JobType string

const (
	// JobTypeSync starts a sync run for a source
	JobTypeSync JobType = "sync"
	// JobTypeLoadPage loads one listing page and fans out its entities
	JobTypeLoadPage JobType = "load_page"
	// JobTypeLoadEntity fetches one entity payload
	JobTypeLoadEntity JobType = "load_entity"
	// JobTypeSaveEntity transforms and persists one entity payload
	JobTypeSaveEntity JobType = "save_entity"
)

// Job is the unit of work carried by the queue. Jobs share nothing but
// this payload.
type Job struct {
	ID     string  `json:"id"`
	Type   JobType `json:"type" validate:"required,oneof=sync load_page load_entity save_entity"`
	Source string  `json:"source" validate:"required"`
	// URL is the page or entity reference. Empty on a page job means the seed URL.
	URL string `json:"url,omitempty" validate:"required_if=Type load_entity"`
	// Payload is the raw entity carried from load_entity to save_entity.
	Payload json.RawMessage `json:"payload,omitempty" validate:"required_if=Type save_entity"`
	// Attempt counts retries of a page job, starting at 0.
	Attempt     int       `json:"attempt" validate:"gte=0"`
	SyncID      string    `json:"sync_id,omitempty"`
	TraceParent string    `json:"traceparent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

var jobValidator = validator.New()

// NewJob builds a job stamped with a fresh id and creation time.
func NewJob(jobType JobType, source, url string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Source:    source,
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the job carries what its type needs.
func (j *Job) Validate() error {
	if err := jobValidator.Struct(j); err != nil {
		return fmt.Errorf("invalid %s job: %w", j.Type, err)
	}
	return nil
}

// Next derives a follow-up job in the same sync run.
func (j *Job) Next(jobType JobType, url string) *Job {
	next := NewJob(jobType, j.Source, url)
	next.SyncID = j.SyncID
	next.TraceParent = j.TraceParent
	return next
}

// Retry copies the job with the attempt counter advanced.
func (j *Job) Retry() *Job {
	retry := *j
	retry.ID = uuid.New().String()
	retry.Attempt = j.Attempt + 1
	retry.CreatedAt = time.Now().UTC()
	return &retry
}
