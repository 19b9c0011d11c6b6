package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ExtractionError means the payload does not have the shape the mapping
// expects. It is fatal for the entity and never retried.
type ExtractionError struct {
	Path   string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %s", e.Path, e.Reason)
}

// IsExtractionError reports whether err wraps an ExtractionError.
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

func extractionErrorf(path, format string, args ...any) *ExtractionError {
	return &ExtractionError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

var trailingID = regexp.MustCompile(`/(\d+)/?$`)

// IDFromURL returns the trailing numeric path segment of a reference URL,
// e.g. https://pokeapi.co/api/v2/type/12/ -> 12.
func IDFromURL(url string) (int64, error) {
	match := trailingID.FindStringSubmatch(url)
	if match == nil {
		return 0, extractionErrorf("url", "can't extract id from url %q", url)
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, extractionErrorf("url", "id in url %q out of range", url)
	}
	return id, nil
}
