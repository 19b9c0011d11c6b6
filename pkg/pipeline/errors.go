package pipeline

import (
	"errors"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/loaders"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/sources"
	"github.com/Ramsey-B/fern/pkg/transform"
)

// ErrInvalidJob wraps jobs that fail validation or carry an unknown type.
var ErrInvalidJob = errors.New("invalid job")

// RetriesExhaustedError is returned when a page job fails after its last
// allowed retry.
type RetriesExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("page %s failed after %d retries: %v", e.URL, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// Classify maps a job failure to its dead-letter reason.
func Classify(err error) models.DeadLetterReason {
	var exhausted *RetriesExhaustedError
	var unknownSource *sources.UnknownSourceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &exhausted):
		return models.DLQReasonMaxRetries
	case errors.As(err, &unknownSource):
		return models.DLQReasonUnknownSource
	case errors.Is(err, ErrInvalidJob):
		return models.DLQReasonInvalidJob
	case transform.IsExtractionError(err):
		return models.DLQReasonExtractionError
	case loaders.IsLoaderError(err):
		return models.DLQReasonLoaderError
	default:
		return models.DLQReasonUnknown
	}
}
