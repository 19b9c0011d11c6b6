package pipeline

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Queue carries pipeline jobs between workers.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	// EnqueueAfter makes job visible to workers once delay has passed.
	EnqueueAfter(ctx context.Context, job *models.Job, delay time.Duration) error
}

// Handler runs one job. A returned error fails the job.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) error
}

type HandlerFunc func(ctx context.Context, job *models.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) error {
	return f(ctx, job)
}
