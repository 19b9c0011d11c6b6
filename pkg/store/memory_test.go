package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pokemonTypes = JoinSpec{
	Table:         "pokemon_types",
	OwnerTable:    "pokemons",
	OwnerColumn:   "pokemon_id",
	RelatedColumn: "type_id",
	SlotColumn:    "slot",
}

func TestMemoryStore_InsertAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	exists, err := s.Exists(ctx, "pokemons", 1)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, s.LockAndUpdate(ctx, "pokemons", 1, map[string]any{"name": "x"}), ErrNotFound)

	require.NoError(t, s.Insert(ctx, "pokemons", 1, map[string]any{"name": "bulbasaur"}))
	assert.ErrorIs(t, s.Insert(ctx, "pokemons", 1, map[string]any{"name": "again"}), ErrUniquenessViolation)

	require.NoError(t, s.LockAndUpdate(ctx, "pokemons", 1, map[string]any{"height": int64(7)}))
	row, ok := s.Get("pokemons", 1)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": int64(1), "name": "bulbasaur", "height": int64(7)}, row)
}

func TestMemoryStore_ConcurrentInsertOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Insert(ctx, "types", 12, map[string]any{"name": "grass"}); err != nil {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 19, conflicts)
	assert.Equal(t, 1, s.Count("types"))
}

func TestMemoryStore_UpsertJoin(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t.Run("overwrites in place", func(t *testing.T) {
		require.NoError(t, s.UpsertJoin(ctx, pokemonTypes, JoinRow{OwnerID: 1, RelatedID: 12, Slot: 1}))
		require.NoError(t, s.UpsertJoin(ctx, pokemonTypes, JoinRow{OwnerID: 1, RelatedID: 12, Slot: 1}))
		assert.Len(t, s.Joins("pokemon_types", 1), 1)
	})

	t.Run("slot holder is displaced", func(t *testing.T) {
		require.NoError(t, s.UpsertJoin(ctx, pokemonTypes, JoinRow{OwnerID: 1, RelatedID: 4, Slot: 2}))
		require.NoError(t, s.UpsertJoin(ctx, pokemonTypes, JoinRow{OwnerID: 1, RelatedID: 3, Slot: 2}))

		joins := s.Joins("pokemon_types", 1)
		require.Len(t, joins, 2)
		assert.Equal(t, int64(12), joins[0].RelatedID)
		assert.Equal(t, int64(3), joins[1].RelatedID)
		assert.Equal(t, int64(2), joins[1].Slot)
	})

	t.Run("other owners untouched", func(t *testing.T) {
		require.NoError(t, s.UpsertJoin(ctx, pokemonTypes, JoinRow{OwnerID: 2, RelatedID: 4, Slot: 2}))
		assert.Len(t, s.Joins("pokemon_types", 1), 2)
		assert.Len(t, s.Joins("pokemon_types", 2), 1)
	})
}

func TestMemoryStore_PruneJoins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertJoin(ctx, pokemonTypes, JoinRow{OwnerID: 1, RelatedID: 12, Slot: 1}))
	require.NoError(t, s.UpsertJoin(ctx, pokemonTypes, JoinRow{OwnerID: 1, RelatedID: 4, Slot: 2}))
	require.NoError(t, s.UpsertJoin(ctx, pokemonTypes, JoinRow{OwnerID: 2, RelatedID: 4, Slot: 1}))

	deleted, err := s.PruneJoins(ctx, pokemonTypes, 1, []int64{12})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, s.Joins("pokemon_types", 1), 1)
	assert.Len(t, s.Joins("pokemon_types", 2), 1)
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("pokemon_types"))
	assert.NoError(t, ValidateIdentifier("_x1"))
	assert.Error(t, ValidateIdentifier("Pokemon"))
	assert.Error(t, ValidateIdentifier("1abc"))
	assert.Error(t, ValidateIdentifier("name; drop table x"))
	assert.Error(t, ValidateIdentifier(""))

	cols, err := SortedColumns(map[string]any{"weight": 1, "name": "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "weight"}, cols)

	_, err = SortedColumns(map[string]any{"bad-col": 1})
	assert.Error(t, err)

	assert.Error(t, JoinSpec{Table: "x", OwnerColumn: "o", RelatedColumn: "r"}.Validate())
	assert.NoError(t, JoinSpec{Table: "x", OwnerColumn: "o", RelatedColumn: "r"}.WithDefaults().Validate())
}
