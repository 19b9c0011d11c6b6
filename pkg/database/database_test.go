package database_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/migrations"
	"github.com/Ramsey-B/fern/pkg/database"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func getTestDB(t *testing.T) database.DB {
	t.Helper()
	ctx := context.Background()
	logger := getTestLogger()

	db, err := database.Connect(ctx, database.ConnConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "fern.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ms := database.NewMigrationService(logger, &database.MigrationConfig{FS: migrations.FS})
	require.NoError(t, ms.Migrate(ctx, db))
	return db
}

func TestDialectFor(t *testing.T) {
	assert.Equal(t, database.DialectSQLite, database.DialectFor("sqlite"))
	assert.Equal(t, database.DialectSQLite, database.DialectFor("sqlite3"))
	assert.Equal(t, database.DialectPostgres, database.DialectFor("postgres"))
	assert.Equal(t, database.DialectPostgres, database.DialectFor("pgx"))
	assert.True(t, database.DialectPostgres.SupportsRowLocks())
	assert.False(t, database.DialectSQLite.SupportsRowLocks())
}

func TestInsertBuilder_OnConflict(t *testing.T) {
	ib := database.NewInsertBuilder(database.DialectPostgres)
	ib.InsertInto("pokemon_types").Cols("pokemon_id", "type_id", "slot").Values(1, 12, 1)
	ib.OnConflict("pokemon_id", "type_id").SetExcluded("slot")

	query, args := ib.Build()
	assert.Contains(t, query, "INSERT INTO pokemon_types (pokemon_id, type_id, slot) VALUES ($1, $2, $3)")
	assert.Contains(t, query, "ON CONFLICT (pokemon_id, type_id) DO UPDATE SET slot = EXCLUDED.slot")
	assert.Equal(t, []any{1, 12, 1}, args)
}

func TestSelectBuilder_LockForUpdate(t *testing.T) {
	pg := database.NewSelectBuilder(database.DialectPostgres)
	pg.Select("id").From("pokemons").Where(pg.Equal("id", 1))
	query, _ := pg.LockForUpdate(database.DialectPostgres).Build()
	assert.Contains(t, query, "FOR UPDATE")

	lite := database.NewSelectBuilder(database.DialectSQLite)
	lite.Select("id").From("pokemons").Where(lite.Equal("id", 1))
	query, _ = lite.LockForUpdate(database.DialectSQLite).Build()
	assert.NotContains(t, query, "FOR UPDATE")
	assert.Contains(t, query, "?")
}

func TestConnConfig_DSN(t *testing.T) {
	pg := database.ConnConfig{Driver: "postgres", Host: "db", Port: "5432", User: "u", Password: "p", Name: "fern", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=fern sslmode=disable", pg.DSN())

	lite := database.ConnConfig{Driver: "sqlite", Path: "/tmp/fern.db"}
	dsn := lite.DSN()
	assert.Contains(t, dsn, "file:/tmp/fern.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
}

func TestIsUniqueViolation_SQLite(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "INSERT INTO types (id, name) VALUES (?, ?)", 12, "grass")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, "INSERT INTO types (id, name) VALUES (?, ?)", 12, "grass")
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))
	assert.True(t, database.IsUniqueViolation(errors.Wrap(err, "insert")))

	assert.False(t, database.IsUniqueViolation(nil))
	assert.False(t, database.IsUniqueViolation(errors.New("boom")))
}

func TestWithTx(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()

	t.Run("rolls back on error", func(t *testing.T) {
		err := db.WithTx(ctx, nil, func(ctx context.Context, q database.Querier) error {
			_, err := q.ExecContext(ctx, "INSERT INTO types (id, name) VALUES (?, ?)", 1, "normal")
			require.NoError(t, err)
			return errors.New("abort")
		})
		require.EqualError(t, err, "abort")

		var count int
		require.NoError(t, db.GetContext(ctx, &count, "SELECT COUNT(*) FROM types WHERE id = ?", 1))
		assert.Equal(t, 0, count)
	})

	t.Run("nested calls join the outer transaction", func(t *testing.T) {
		err := db.WithTx(ctx, nil, func(ctx context.Context, outer database.Querier) error {
			return db.WithTx(ctx, nil, func(ctx context.Context, inner database.Querier) error {
				assert.Same(t, outer, inner)
				assert.Same(t, outer, db.Conn(ctx))
				_, err := inner.ExecContext(ctx, "INSERT INTO types (id, name) VALUES (?, ?)", 2, "fire")
				return err
			})
		})
		require.NoError(t, err)

		var name string
		require.NoError(t, db.GetContext(ctx, &name, "SELECT name FROM types WHERE id = ?", 2))
		assert.Equal(t, "fire", name)
	})
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := getTestDB(t)
	ms := database.NewMigrationService(getTestLogger(), &database.MigrationConfig{FS: migrations.FS})
	require.NoError(t, ms.Migrate(context.Background(), db))
}

func TestJSONB(t *testing.T) {
	j := database.NewJSONB(map[string]any{"source": "pokemon"})
	v, err := j.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"source":"pokemon"}`, v)

	var fromString database.JSONB[map[string]any]
	require.NoError(t, fromString.Scan(`{"source":"ability"}`))
	assert.Equal(t, "ability", fromString.GetValue()["source"])

	var fromBytes database.JSONB[map[string]any]
	require.NoError(t, fromBytes.Scan([]byte(`{"source":"pokemon"}`)))
	assert.Equal(t, "pokemon", fromBytes.GetValue()["source"])

	assert.Error(t, fromBytes.Scan(42))
}
