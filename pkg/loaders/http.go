package loaders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Page is one listing page: entity reference URLs in listing order and the
// next page URL, empty on the last page.
type Page struct {
	URLs []string
	Next string
}

// RawEntity is an entity payload exactly as decoded from the API.
type RawEntity map[string]any

type PageLoader interface {
	// Load fetches url, or the seed URL when url is empty.
	Load(ctx context.Context, url string) (*Page, error)
}

type EntityLoader interface {
	Load(ctx context.Context, url string) (RawEntity, error)
}

// fetcher issues one throttled GET and turns transport failures and non-2xx
// responses into LoaderError.
type fetcher struct {
	source   string
	client   *httpclient.Client
	throttle ratelimit.Throttle
	logger   ectologger.Logger
}

func (f *fetcher) fetch(ctx context.Context, kind, url string) (*httpclient.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "loaders."+kind,
		attribute.String("source", f.source),
		attribute.String("url", url),
	)
	defer span.End()

	logger := f.logger.WithContext(ctx).WithFields(map[string]any{
		"source": f.source,
		"url":    url,
	})
	logger.Infof("Loading %s", kind)

	if f.throttle != nil {
		if err := f.throttle.Wait(ctx, f.source); err != nil {
			tracing.RecordError(span, err)
			return nil, &LoaderError{URL: url, Err: err}
		}
	}

	resp, err := f.client.Get(ctx, url, nil)
	if err != nil {
		tracing.RecordError(span, err)
		logger.WithError(err).Errorf("Failed to load %s", kind)
		return nil, &LoaderError{URL: url, Err: err}
	}

	if !resp.IsSuccess() {
		body := string(resp.Body)
		logger.WithFields(map[string]any{
			"status_code":   resp.StatusCode,
			"response_text": truncate(body, 1024),
		}).Error("Bad response status code")

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			f.backOff(ctx, resp.RetryAfter(time.Now()))
		}

		loaderErr := &LoaderError{URL: url, StatusCode: resp.StatusCode, Body: body}
		tracing.RecordError(span, loaderErr)
		return nil, loaderErr
	}

	return resp, nil
}

func (f *fetcher) backOff(ctx context.Context, d time.Duration) {
	if f.throttle == nil || d <= 0 {
		return
	}
	if err := f.throttle.Block(ctx, f.source, d); err != nil {
		f.logger.WithContext(ctx).WithError(err).Warnf("Failed to block source %s", f.source)
	}
}

// HTTPPageLoader walks a `{results: [{url}], next}` listing.
type HTTPPageLoader struct {
	fetcher
	seedURL string
}

func NewHTTPPageLoader(source, seedURL string, client *httpclient.Client, throttle ratelimit.Throttle, logger ectologger.Logger) *HTTPPageLoader {
	return &HTTPPageLoader{
		fetcher: fetcher{source: source, client: client, throttle: throttle, logger: logger},
		seedURL: seedURL,
	}
}

type pageResponse struct {
	Results []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"results"`
	Next *string `json:"next"`
}

func (l *HTTPPageLoader) Load(ctx context.Context, url string) (*Page, error) {
	if url == "" {
		url = l.seedURL
	}

	resp, err := l.fetch(ctx, "page", url)
	if err != nil {
		return nil, err
	}

	return ParsePage(resp.Body)
}

// ParsePage decodes a listing body, keeping result order.
func ParsePage(body []byte) (*Page, error) {
	var decoded pageResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("malformed page: %w", err)
	}
	if decoded.Results == nil {
		return nil, fmt.Errorf("malformed page: missing results")
	}

	page := &Page{URLs: make([]string, 0, len(decoded.Results))}
	for i, result := range decoded.Results {
		if result.URL == "" {
			return nil, fmt.Errorf("malformed page: result %d has no url", i)
		}
		page.URLs = append(page.URLs, result.URL)
	}
	if decoded.Next != nil {
		page.Next = *decoded.Next
	}
	return page, nil
}

// HTTPEntityLoader fetches one JSON entity.
type HTTPEntityLoader struct {
	fetcher
}

func NewHTTPEntityLoader(source string, client *httpclient.Client, throttle ratelimit.Throttle, logger ectologger.Logger) *HTTPEntityLoader {
	return &HTTPEntityLoader{
		fetcher: fetcher{source: source, client: client, throttle: throttle, logger: logger},
	}
}

func (l *HTTPEntityLoader) Load(ctx context.Context, url string) (RawEntity, error) {
	resp, err := l.fetch(ctx, "entity", url)
	if err != nil {
		return nil, err
	}

	var raw RawEntity
	if err := resp.JSON(&raw); err != nil {
		return nil, fmt.Errorf("malformed entity %s: %w", url, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("malformed entity %s: not an object", url)
	}
	return raw, nil
}
