// Package testutil starts the containers integration tests run against.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/fern/migrations"
	"github.com/Ramsey-B/fern/pkg/database"
)

// IntegrationEnv gates the container tests; they need a docker daemon.
const IntegrationEnv = "FERN_INTEGRATION"

const (
	postgresUser     = "fern"
	postgresPassword = "fern"
	postgresDB       = "fern"
)

// SkipUnlessIntegration skips t in short mode or when FERN_INTEGRATION is unset.
func SkipUnlessIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() || os.Getenv(IntegrationEnv) == "" {
		t.Skipf("set %s=1 to run against containers", IntegrationEnv)
	}
}

// StartPostgres runs a throwaway Postgres container and returns a migrated
// connection to it. The container is removed when the test ends.
func StartPostgres(t *testing.T, driver string, logger ectologger.Logger) database.DB {
	t.Helper()
	SkipUnlessIntegration(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := database.Connect(ctx, database.ConnConfig{
		Driver:       driver,
		Host:         host,
		Port:         port.Port(),
		User:         postgresUser,
		Password:     postgresPassword,
		Name:         postgresDB,
		SSLMode:      "disable",
		MaxOpenConns: 20,
		MaxIdleConns: 5,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ms := database.NewMigrationService(logger, &database.MigrationConfig{FS: migrations.FS})
	require.NoError(t, ms.Migrate(ctx, db))
	return db
}
