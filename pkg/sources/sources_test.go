package sources

import (
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/loaders"
	"github.com/Ramsey-B/fern/pkg/store"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testDeps() Deps {
	logger := getTestLogger()
	return Deps{
		HTTPClient: httpclient.NewClient(httpclient.DefaultConfig(), logger),
		Store:      store.NewMemoryStore(),
		Logger:     logger,
	}
}

func TestLoadFile_Shipped(t *testing.T) {
	t.Setenv("POKEAPI_BASE_URL", "http://pokeapi.local/api/v2")

	file, err := LoadFile("../../config/sources.yaml")
	require.NoError(t, err)
	require.Contains(t, file.Sources, "pokemon")
	require.Contains(t, file.Sources, "ability")

	pokemon := file.Sources["pokemon"]
	assert.Equal(t, "http://pokeapi.local/api/v2/pokemon/", pokemon.PageLoader.URL)
	assert.Equal(t, "pokemons", pokemon.Updater.TargetEntityType)
	assert.Equal(t, "sprites.front_default", pokemon.Transformer.Fields["front_sprite"].Path)
	assert.Equal(t, []string{"is_hidden"}, pokemon.Updater.Relations["abilities"].Flags)
	assert.Equal(t, time.Minute, pokemon.RateLimit.Window)

	assert.Equal(t, int64(100), file.Limits()["ability"].Requests)

	registry, err := NewRegistry(file, nil, testDeps())
	require.NoError(t, err)
	assert.Equal(t, []string{"ability", "pokemon"}, registry.Names())

	src, err := registry.Get("pokemon")
	require.NoError(t, err)
	assert.Equal(t, "pokemons", src.EntityType)
	assert.Equal(t, []string{"abilities", "types"}, src.Relations)
	assert.IsType(t, &loaders.HTTPPageLoader{}, src.PageLoader)
}

func TestParse_EnvDefaults(t *testing.T) {
	file, err := Parse([]byte(`
sources:
  things:
    page_loader:
      url: ${FERN_TEST_UNSET_URL:-http://example.com/things/}
    transformer:
      fields:
        name: {path: name}
    updater:
      target_entity_type: things
`))
	require.NoError(t, err)

	things := file.Sources["things"]
	assert.Equal(t, "http://example.com/things/", things.PageLoader.URL)
	assert.Equal(t, KindHTTP, things.PageLoader.Kind)
	assert.Equal(t, KindHTTP, things.EntityLoader.Kind)
	assert.Equal(t, KindJMESPath, things.Transformer.Kind)
	assert.Equal(t, KindSQL, things.Updater.Kind)
	assert.Empty(t, file.Limits())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`sources: {}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`
sources:
  things:
    page_loader: {url: "http://example.com/"}
    updater: {}
`))
	assert.Error(t, err, "target_entity_type is required")

	_, err = Parse([]byte(`sources: [`))
	assert.Error(t, err)
}

func TestNewRegistry_Errors(t *testing.T) {
	base := func() *File {
		file, err := Parse([]byte(`
sources:
  things:
    page_loader: {url: "http://example.com/things/"}
    transformer:
      fields:
        name: {path: name}
    updater:
      target_entity_type: things
`))
		require.NoError(t, err)
		return file
	}

	t.Run("unknown kind", func(t *testing.T) {
		file := base()
		src := file.Sources["things"]
		src.Transformer.Kind = "xslt"
		file.Sources["things"] = src
		_, err := NewRegistry(file, nil, testDeps())
		assert.ErrorContains(t, err, "unknown transformer kind")
	})

	t.Run("relation without updater mapping", func(t *testing.T) {
		file, err := Parse([]byte(`
sources:
  things:
    page_loader: {url: "http://example.com/things/"}
    transformer:
      relations:
        tags: {items: tags, reference: tag}
    updater:
      target_entity_type: things
`))
		require.NoError(t, err)
		_, err = NewRegistry(file, nil, testDeps())
		assert.ErrorContains(t, err, "no updater mapping")
	})

	t.Run("unknown source", func(t *testing.T) {
		registry, err := NewRegistry(base(), nil, testDeps())
		require.NoError(t, err)

		_, err = registry.Get("nope")
		var unknown *UnknownSourceError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, "nope", unknown.Name)
	})

	t.Run("custom factory", func(t *testing.T) {
		file := base()
		src := file.Sources["things"]
		src.PageLoader.Kind = "static"
		file.Sources["things"] = src

		factories := DefaultFactories()
		factories.PageLoaders["static"] = func(string, LoaderConfig, Deps) (loaders.PageLoader, error) {
			return nil, nil
		}
		_, err := NewRegistry(file, factories, testDeps())
		assert.NoError(t, err)
	})
}
