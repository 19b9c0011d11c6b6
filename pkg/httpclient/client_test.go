package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestClient_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fern/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"bulbasaur"}`))
	}))
	defer srv.Close()

	client := NewClient(DefaultConfig(), testLogger())
	resp, err := client.Get(context.Background(), srv.URL, map[string]string{"X-Test": "yes"})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())

	var body map[string]string
	require.NoError(t, resp.JSON(&body))
	assert.Equal(t, "bulbasaur", body["name"])
}

func TestClient_NonSuccessIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	}))
	defer srv.Close()

	resp, err := NewClient(DefaultConfig(), testLogger()).Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccess())
	assert.Equal(t, "not found", string(resp.Body))
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	_, err := NewClient(cfg, testLogger()).Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_RejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", MaxResponseSize+10)))
	}))
	defer srv.Close()

	_, err := NewClient(DefaultConfig(), testLogger()).Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestResponse_RetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	seconds := &Response{Headers: http.Header{"Retry-After": []string{"7"}}}
	assert.Equal(t, 7*time.Second, seconds.RetryAfter(now))

	date := &Response{Headers: http.Header{"Retry-After": []string{now.Add(30 * time.Second).Format(http.TimeFormat)}}}
	assert.Equal(t, 30*time.Second, date.RetryAfter(now))

	missing := &Response{Headers: http.Header{}}
	assert.Zero(t, missing.RetryAfter(now))

	garbage := &Response{Headers: http.Header{"Retry-After": []string{"soon"}}}
	assert.Zero(t, garbage.RetryAfter(now))
}
