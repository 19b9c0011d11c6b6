package loaders

import (
	"errors"
	"fmt"
)

// LoaderError is a transport failure or a non-2xx response while fetching a
// page or an entity. Page loads are retried on it; nothing else is.
type LoaderError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *LoaderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("loading %s: unexpected status %d: %s", e.URL, e.StatusCode, truncate(e.Body, 512))
	}
	return fmt.Sprintf("loading %s: %v", e.URL, e.Err)
}

func (e *LoaderError) Unwrap() error {
	return e.Err
}

// IsLoaderError reports whether err wraps a LoaderError.
func IsLoaderError(err error) bool {
	var le *LoaderError
	return errors.As(err, &le)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
