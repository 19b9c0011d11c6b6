package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/loaders"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/sources"
	"github.com/Ramsey-B/fern/pkg/store"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

const sourcesYAML = `
sources:
  pokemon:
    page_loader: {url: "%s/pokemon/"}
    transformer:
      fields:
        name: {path: name, type: string, required: true}
      relations:
        types: {items: types, reference: type}
    updater:
      target_entity_type: pokemons
      relations:
        types:
          target: types
          join: {table: pokemon_types, owner_column: pokemon_id, related_column: type_id}
`

func pokeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/pokemon/" && r.URL.Query().Get("offset") == "":
			fmt.Fprintf(w, `{"results":[{"url":"%[1]s/pokemon/1/"},{"url":"%[1]s/pokemon/2/"}],"next":"%[1]s/pokemon/?offset=2"}`, srv.URL)
		case r.URL.Path == "/pokemon/":
			fmt.Fprintf(w, `{"results":[{"url":"%[1]s/pokemon/3/"},{"url":"%[1]s/pokemon/4/"}],"next":null}`, srv.URL)
		default:
			var id int
			if _, err := fmt.Sscanf(r.URL.Path, "/pokemon/%d/", &id); err != nil {
				http.NotFound(w, r)
				return
			}
			fmt.Fprintf(w, `{"id":%d,"name":"p%d","types":[{"slot":1,"type":{"name":"grass","url":"%s/type/12/"}}]}`, id, id, srv.URL)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRegistry(t *testing.T, baseURL string, st store.Store) *sources.Registry {
	t.Helper()
	file, err := sources.Parse([]byte(fmt.Sprintf(sourcesYAML, baseURL)))
	require.NoError(t, err)

	logger := getTestLogger()
	registry, err := sources.NewRegistry(file, nil, sources.Deps{
		HTTPClient: httpclient.NewClient(httpclient.DefaultConfig(), logger),
		Store:      st,
		Logger:     logger,
	})
	require.NoError(t, err)
	return registry
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*models.SyncEvent
}

func (r *recordingEvents) PublishSyncEvent(_ context.Context, evt *models.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEvents) ofType(t models.EventType) []*models.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SyncEvent
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func TestSync_TwoPagesEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv := pokeAPI(t)
	st := store.NewMemoryStore()
	queue := NewMemoryQueue(getTestLogger())
	events := &recordingEvents{}
	o := NewOrchestrator(newRegistry(t, srv.URL, st), queue, getTestLogger(), WithEvents(events))

	job, err := o.Sync(ctx, "pokemon")
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeLoadPage, job.Type)
	assert.Empty(t, job.URL)
	assert.NotEmpty(t, job.SyncID)

	require.NoError(t, queue.RunUntilIdle(ctx, o, 4))

	assert.Empty(t, queue.Failures())
	assert.Equal(t, 4, st.Count("pokemons"))
	assert.Equal(t, 1, st.Count("types"))
	for id := int64(1); id <= 4; id++ {
		row, ok := st.Get("pokemons", id)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("p%d", id), row["name"])
		assert.Len(t, st.Joins("pokemon_types", id), 1)
	}

	synced := events.ofType(models.EventEntitySynced)
	require.Len(t, synced, 4)
	for _, evt := range synced {
		assert.Equal(t, job.SyncID, evt.SyncID)
		assert.Equal(t, "pokemons", evt.EntityType)
	}
}

func TestSync_Idempotent(t *testing.T) {
	ctx := context.Background()
	srv := pokeAPI(t)
	st := store.NewMemoryStore()
	registry := newRegistry(t, srv.URL, st)

	for i := 0; i < 2; i++ {
		queue := NewMemoryQueue(getTestLogger())
		o := NewOrchestrator(registry, queue, getTestLogger())
		_, err := o.Sync(ctx, "pokemon")
		require.NoError(t, err)
		require.NoError(t, queue.RunUntilIdle(ctx, o, 2))
	}

	assert.Equal(t, 4, st.Count("pokemons"))
	assert.Len(t, st.Joins("pokemon_types", 1), 1)
}

func TestSync_UnknownSource(t *testing.T) {
	o := NewOrchestrator(newRegistry(t, "http://unused", store.NewMemoryStore()), NewMemoryQueue(getTestLogger()), getTestLogger())
	_, err := o.Sync(context.Background(), "digimon")
	var unknown *sources.UnknownSourceError
	assert.True(t, errors.As(err, &unknown))
}

type countingPageLoader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingPageLoader) Load(_ context.Context, url string) (*loaders.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil, c.err
}

func (c *countingPageLoader) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type staticSources map[string]*sources.Source

func (s staticSources) Get(name string) (*sources.Source, error) {
	src, ok := s[name]
	if !ok {
		return nil, &sources.UnknownSourceError{Name: name}
	}
	return src, nil
}

func (s staticSources) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestLoadPage_RetriesLoaderErrors(t *testing.T) {
	ctx := context.Background()
	pages := &countingPageLoader{err: &loaders.LoaderError{URL: "http://x/", StatusCode: http.StatusBadGateway}}
	queue := NewMemoryQueue(getTestLogger(), WithDelayScale(0))
	events := &recordingEvents{}
	o := NewOrchestrator(staticSources{"flaky": {Name: "flaky", PageLoader: pages}}, queue, getTestLogger(), WithEvents(events))

	_, err := o.Sync(ctx, "flaky")
	require.NoError(t, err)
	require.NoError(t, queue.RunUntilIdle(ctx, o, 2))

	assert.Equal(t, 6, pages.Calls(), "one load plus five retries")

	failures := queue.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.DLQReasonMaxRetries, failures[0].Reason)
	assert.Equal(t, 5, failures[0].Job.Attempt)
	assert.True(t, loaders.IsLoaderError(failures[0].Err))

	delays := queue.Delays()
	require.Len(t, delays, 5)
	for i, d := range delays {
		nominal := time.Second << i
		assert.GreaterOrEqual(t, d, nominal/2, "retry %d", i+1)
		assert.LessOrEqual(t, d, nominal*3/2, "retry %d", i+1)
	}

	assert.Len(t, events.ofType(models.EventPageFailed), 1)
}

func TestLoadPage_OtherErrorsNotRetried(t *testing.T) {
	ctx := context.Background()
	pages := &countingPageLoader{err: errors.New("malformed page")}
	queue := NewMemoryQueue(getTestLogger(), WithDelayScale(0))
	o := NewOrchestrator(staticSources{"broken": {Name: "broken", PageLoader: pages}}, queue, getTestLogger())

	_, err := o.Sync(ctx, "broken")
	require.NoError(t, err)
	require.NoError(t, queue.RunUntilIdle(ctx, o, 1))

	assert.Equal(t, 1, pages.Calls())
	failures := queue.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.DLQReasonUnknown, failures[0].Reason)
	assert.Empty(t, queue.Delays())
}

func TestSaveEntity_ExtractionErrorFailsEntityOnly(t *testing.T) {
	ctx := context.Background()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pokemon/":
			fmt.Fprintf(w, `{"results":[{"url":"%[1]s/pokemon/1/"},{"url":"%[1]s/pokemon/2/"}]}`, srv.URL)
		case "/pokemon/1/":
			fmt.Fprint(w, `{"id":1,"name":"ok","types":[]}`)
		default:
			fmt.Fprint(w, `{"id":2,"name":"bad","types":[{"slot":1,"type":{"name":"x","url":"/type/none/"}}]}`)
		}
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	queue := NewMemoryQueue(getTestLogger())
	o := NewOrchestrator(newRegistry(t, srv.URL, st), queue, getTestLogger())

	_, err := o.Sync(ctx, "pokemon")
	require.NoError(t, err)
	require.NoError(t, queue.RunUntilIdle(ctx, o, 2))

	assert.Equal(t, 1, st.Count("pokemons"))
	failures := queue.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.DLQReasonExtractionError, failures[0].Reason)
	assert.Equal(t, models.JobTypeSaveEntity, failures[0].Job.Type)
}

func TestLoadEntity_FailureNotRetried(t *testing.T) {
	ctx := context.Background()
	var srv *httptest.Server
	var entityCalls int
	var mu sync.Mutex
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pokemon/" {
			fmt.Fprintf(w, `{"results":[{"url":"%s/pokemon/1/"}]}`, srv.URL)
			return
		}
		mu.Lock()
		entityCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	queue := NewMemoryQueue(getTestLogger())
	o := NewOrchestrator(newRegistry(t, srv.URL, store.NewMemoryStore()), queue, getTestLogger())
	_, err := o.Sync(ctx, "pokemon")
	require.NoError(t, err)
	require.NoError(t, queue.RunUntilIdle(ctx, o, 1))

	mu.Lock()
	assert.Equal(t, 1, entityCalls)
	mu.Unlock()
	failures := queue.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.DLQReasonLoaderError, failures[0].Reason)
}

func TestHandle_InvalidJob(t *testing.T) {
	o := NewOrchestrator(staticSources{}, NewMemoryQueue(getTestLogger()), getTestLogger())

	err := o.Handle(context.Background(), &models.Job{Type: models.JobTypeLoadEntity, Source: "pokemon"})
	assert.Equal(t, models.DLQReasonInvalidJob, Classify(err))

	err = o.Handle(context.Background(), &models.Job{Type: "explode", Source: "pokemon"})
	assert.Equal(t, models.DLQReasonInvalidJob, Classify(err))

	err = o.Handle(context.Background(), models.NewJob(models.JobTypeSync, "digimon", ""))
	assert.Equal(t, models.DLQReasonUnknownSource, Classify(err))
}

type memoryTriggers struct {
	mu       sync.Mutex
	triggers map[string]*models.PeriodicTrigger
}

func (m *memoryTriggers) EnsurePeriodicTrigger(_ context.Context, trigger *models.PeriodicTrigger) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.triggers == nil {
		m.triggers = map[string]*models.PeriodicTrigger{}
	}
	if _, ok := m.triggers[trigger.Name]; ok {
		return false, nil
	}
	m.triggers[trigger.Name] = trigger
	return true, nil
}

func TestCreatePeriodicTasks_Idempotent(t *testing.T) {
	ctx := context.Background()
	triggers := &memoryTriggers{}
	srcs := staticSources{"pokemon": {Name: "pokemon"}, "ability": {Name: "ability"}}
	o := NewOrchestrator(srcs, NewMemoryQueue(getTestLogger()), getTestLogger(), WithTriggerStore(triggers))

	require.NoError(t, o.CreatePeriodicTasks(ctx))
	require.NoError(t, o.CreatePeriodicTasks(ctx))

	require.Len(t, triggers.triggers, 2)
	trigger := triggers.triggers["Update pokemon"]
	require.NotNil(t, trigger)
	assert.Equal(t, SyncTask, trigger.Task)
	assert.Equal(t, int64(86400), trigger.IntervalSeconds)
	assert.Equal(t, "pokemon", trigger.KwargString("source"))
	assert.False(t, trigger.Enabled)
}

func TestCreatePeriodicTasks_NoStore(t *testing.T) {
	o := NewOrchestrator(staticSources{}, NewMemoryQueue(getTestLogger()), getTestLogger())
	assert.Error(t, o.CreatePeriodicTasks(context.Background()))
}

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()
	assert.True(t, policy.Allows(0))
	assert.True(t, policy.Allows(4))
	assert.False(t, policy.Allows(5))

	policy.RandomizationFactor = 0
	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 16*time.Second, policy.Delay(4))

	policy.MaxInterval = 3 * time.Second
	assert.Equal(t, 3*time.Second, policy.Delay(4))
}
