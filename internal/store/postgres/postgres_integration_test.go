//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pialmmh/statemachine/internal/store"
	"github.com/pialmmh/statemachine/internal/store/postgres"
)

// TestStore_UpsertFindScanAgainstRealPostgres runs the SnapshotStore
// contract against a live PostgreSQL container, exercising the schema
// bootstrap, keyset-paginated ScanWhereStateIn, and MarkOffline paths
// the memstore-backed unit tests can't verify end to end.
func TestStore_UpsertFindScanAgainstRealPostgres(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "statemachine",
			"POSTGRES_PASSWORD": "statemachine",
			"POSTGRES_DB":       "fsm_active",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dbURL := fmt.Sprintf("postgres://statemachine:statemachine@%s:%s/fsm_active?sslmode=disable", host, port.Port())

	s, err := postgres.Open(ctx, postgres.ShardConfig{DatabaseURL: dbURL, ConnectionPoolSize: 5}, nil)
	require.NoError(t, err, "failed to open postgres store")
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Healthy(ctx))

	row := store.Row{MachineID: "m1", State: "RINGING", ContextData: []byte(`{"caller":"alice"}`), Timestamp: time.Now()}
	require.NoError(t, s.Upsert(ctx, row))

	got, found, err := s.FindLatest(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "RINGING", got.State)

	require.NoError(t, s.MarkOffline(ctx, "m1", true))
	got, found, err = s.FindLatest(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.IsOffline)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Upsert(ctx, store.Row{
			MachineID: fmt.Sprintf("scan-%d", i),
			State:     "COMPLETED",
			Timestamp: time.Now(),
		}))
	}

	var all []store.Row
	cursor := store.Cursor("")
	for {
		rows, next, err := s.ScanWhereStateIn(ctx, []string{"COMPLETED"}, cursor, 2)
		require.NoError(t, err)
		all = append(all, rows...)
		if next == "" {
			break
		}
		cursor = next
	}
	require.Len(t, all, 5)

	require.NoError(t, s.Delete(ctx, "m1"))
	_, found, err = s.FindLatest(ctx, "m1")
	require.NoError(t, err)
	require.False(t, found)
}
