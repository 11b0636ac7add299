package state_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/randalmurphal/flowguard/pkg/flowguard/state"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres launches a disposable Postgres container and returns its DSN.
// The test is skipped when Docker is unavailable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "flowguard"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://postgres:secret@%s:%s/flowguard?sslmode=disable", host, port.Port())
}

func TestPostgresStore(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	// Migrations are idempotent
	require.NoError(t, state.Migrate(ctx, dsn))

	storeContractTest(t, "PostgresStore", func(t *testing.T) state.Store {
		store, err := state.NewPostgresStore(ctx, dsn)
		require.NoError(t, err)

		// Each subtest starts from an empty table
		keys, err := store.GetKeysByPrefix(ctx, "")
		require.NoError(t, err)
		for _, k := range keys {
			require.NoError(t, store.DeleteState(ctx, k))
		}
		return store
	})
}
