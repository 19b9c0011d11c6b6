package expressions

import (
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestEvaluator_Paths(t *testing.T) {
	data := decode(t, `{
		"id": 1,
		"name": "bulbasaur",
		"sprites": {"front_default": "https://img/1.png"},
		"types": [
			{"slot": 1, "type": {"name": "grass", "url": "https://pokeapi.co/api/v2/type/12/"}},
			{"slot": 2, "type": {"name": "poison", "url": "https://pokeapi.co/api/v2/type/4/"}}
		]
	}`)
	eval := NewEvaluator()

	name, err := eval.EvaluateString("name", data)
	require.NoError(t, err)
	assert.Equal(t, "bulbasaur", name)

	sprite, err := eval.EvaluateString("sprites.front_default", data)
	require.NoError(t, err)
	assert.Equal(t, "https://img/1.png", sprite)

	id, ok, err := eval.EvaluateInt64("id", data)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)

	_, ok, err = eval.EvaluateInt64("missing", data)
	require.NoError(t, err)
	assert.False(t, ok)

	types, err := eval.EvaluateSlice("types", data)
	require.NoError(t, err)
	assert.Len(t, types, 2)

	_, err = eval.EvaluateSlice("name", data)
	assert.Error(t, err)

	ref, err := eval.EvaluateMap("type", types[0])
	require.NoError(t, err)
	assert.Equal(t, "grass", ref["name"])
}

func TestEvaluator_InvalidExpression(t *testing.T) {
	eval := NewEvaluator()
	assert.Error(t, eval.Validate("types[?"))
	_, err := eval.Evaluate("types[?", map[string]any{})
	assert.Error(t, err)
}

func TestEvaluator_ConcurrentUse(t *testing.T) {
	eval := NewEvaluator()
	data := map[string]any{"a": map[string]any{"b": "c"}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := eval.EvaluateString("a.b", data)
			assert.NoError(t, err)
			assert.Equal(t, "c", v)
		}()
	}
	wg.Wait()
}

func TestConversions(t *testing.T) {
	n, err := ToInt64(float64(12))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	_, err = ToInt64(1.5)
	assert.Error(t, err)

	for _, huge := range []float64{1e19, -1e19, math.Pow(2, 63), math.MaxFloat64} {
		_, err = ToInt64(huge)
		assert.Error(t, err, "%v", huge)
	}
	n, err = ToInt64(-math.Pow(2, 63))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), n)

	n, err = ToInt64("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = ToInt64("abc")
	assert.Error(t, err)

	f, err := ToFloat64("6.9")
	require.NoError(t, err)
	assert.Equal(t, 6.9, f)

	b, err := ToBool("true")
	require.NoError(t, err)
	assert.True(t, b)

	_, err = ToBool(1.0)
	assert.Error(t, err)
}
