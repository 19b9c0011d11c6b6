package loaders

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/httpclient"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type recordingThrottle struct {
	mu      sync.Mutex
	waits   int
	blocked map[string]time.Duration
}

func (r *recordingThrottle) Wait(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits++
	return nil
}

func (r *recordingThrottle) Block(_ context.Context, source string, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blocked == nil {
		r.blocked = map[string]time.Duration{}
	}
	r.blocked[source] = d
	return nil
}

func TestHTTPPageLoader_Load(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "":
			fmt.Fprintf(w, `{"results":[{"name":"b","url":"%[1]s/pokemon/2/"},{"name":"a","url":"%[1]s/pokemon/1/"}],"next":"%[1]s/pokemon/?offset=2"}`, srv.URL)
		default:
			fmt.Fprintf(w, `{"results":[{"name":"c","url":"%s/pokemon/3/"}],"next":null}`, srv.URL)
		}
	}))
	defer srv.Close()

	throttle := &recordingThrottle{}
	client := httpclient.NewClient(httpclient.DefaultConfig(), testLogger())
	loader := NewHTTPPageLoader("pokemon", srv.URL+"/pokemon/", client, throttle, testLogger())

	page, err := loader.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/pokemon/2/", srv.URL + "/pokemon/1/"}, page.URLs, "listing order is kept")
	assert.Equal(t, srv.URL+"/pokemon/?offset=2", page.Next)

	last, err := loader.Load(context.Background(), page.Next)
	require.NoError(t, err)
	assert.Len(t, last.URLs, 1)
	assert.Empty(t, last.Next)
	assert.Equal(t, 2, throttle.waits)
}

func TestParsePage(t *testing.T) {
	t.Run("absent next", func(t *testing.T) {
		page, err := ParsePage([]byte(`{"results":[]}`))
		require.NoError(t, err)
		assert.Empty(t, page.URLs)
		assert.Empty(t, page.Next)
	})

	t.Run("missing results", func(t *testing.T) {
		_, err := ParsePage([]byte(`{"next":null}`))
		assert.Error(t, err)
	})

	t.Run("result without url", func(t *testing.T) {
		_, err := ParsePage([]byte(`{"results":[{"name":"x"}]}`))
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParsePage([]byte(`<html>`))
		require.Error(t, err)
		assert.False(t, IsLoaderError(err))
	})
}

func TestHTTPPageLoader_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	client := httpclient.NewClient(httpclient.DefaultConfig(), testLogger())
	_, err := NewHTTPPageLoader("pokemon", srv.URL, client, nil, testLogger()).Load(context.Background(), "")
	require.Error(t, err)

	var loaderErr *LoaderError
	require.ErrorAs(t, err, &loaderErr)
	assert.Equal(t, http.StatusInternalServerError, loaderErr.StatusCode)
	assert.Equal(t, "upstream exploded", loaderErr.Body)
	assert.Equal(t, srv.URL, loaderErr.URL)
}

func TestHTTPPageLoader_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := httpclient.NewClient(httpclient.DefaultConfig(), testLogger())
	_, err := NewHTTPPageLoader("pokemon", url, client, nil, testLogger()).Load(context.Background(), "")
	require.Error(t, err)
	assert.True(t, IsLoaderError(err))
}

func TestHTTPPageLoader_RetryAfterBlocksSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	throttle := &recordingThrottle{}
	client := httpclient.NewClient(httpclient.DefaultConfig(), testLogger())
	_, err := NewHTTPPageLoader("pokemon", srv.URL, client, throttle, testLogger()).Load(context.Background(), "")
	require.True(t, IsLoaderError(err))
	assert.Equal(t, 12*time.Second, throttle.blocked["pokemon"])
}

func TestHTTPEntityLoader_Load(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"name":"bulbasaur","types":[]}`))
	}))
	defer srv.Close()

	client := httpclient.NewClient(httpclient.DefaultConfig(), testLogger())
	loader := NewHTTPEntityLoader("pokemon", client, nil, testLogger())

	raw, err := loader.Load(context.Background(), srv.URL+"/pokemon/1/")
	require.NoError(t, err)
	assert.Equal(t, "bulbasaur", raw["name"])
	assert.Equal(t, float64(1), raw["id"])

	_, err = loader.Load(context.Background(), srv.URL+"/missing/")
	var loaderErr *LoaderError
	require.ErrorAs(t, err, &loaderErr)
	assert.Equal(t, http.StatusNotFound, loaderErr.StatusCode)
}
