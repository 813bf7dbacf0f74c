package runstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type lister interface {
	pipeline.Store
	List(ctx context.Context, opts ListOptions) ([]pipeline.Snapshot, error)
}

func testSnapshot(id string, version int64, status pipeline.Status, updated time.Time) pipeline.Snapshot {
	state := pipeline.NewState(id, "Top 5 categories by total sales", []string{"sales"})
	state.Status = status
	state.Plan = &pipeline.Plan{Steps: []pipeline.PlanStep{{ID: "s1", Number: 1, Goal: "rank categories", Sources: []string{"sales"}}}}
	return pipeline.Snapshot{
		RequestID: id,
		State:     state,
		Next:      pipeline.StageApprovalGate,
		Version:   version,
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
	}
}

func runStoreContract(t *testing.T, store lister) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("load unknown run", func(t *testing.T) {
		_, err := store.Load(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save and load round trip", func(t *testing.T) {
		snap := testSnapshot("run-1", 1, pipeline.StatusAwaitingApproval, now)
		require.NoError(t, store.Save(ctx, snap, 0))

		got, err := store.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, pipeline.StageApprovalGate, got.Next)
		assert.Equal(t, pipeline.StatusAwaitingApproval, got.State.Status)
		require.NotNil(t, got.State.Plan)
		assert.Equal(t, "rank categories", got.State.Plan.Steps[0].Goal)
		assert.Equal(t, []string{"sales"}, got.State.ManualSources)
	})

	t.Run("create conflicts when run exists", func(t *testing.T) {
		err := store.Save(ctx, testSnapshot("run-1", 1, pipeline.StatusRunning, now), 0)
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, testSnapshot("run-1", 2, pipeline.StatusRunning, now.Add(time.Second)), 1))
		err := store.Save(ctx, testSnapshot("run-1", 2, pipeline.StatusCancelled, now.Add(2*time.Second)), 1)
		require.ErrorIs(t, err, ErrConflict)

		got, err := store.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusRunning, got.State.Status)
	})

	t.Run("concurrent writers at same version", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, testSnapshot("run-2", 1, pipeline.StatusAwaitingApproval, now), 0))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Save(ctx, testSnapshot("run-2", 2, pipeline.StatusRunning, now.Add(time.Second)), 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ErrConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 7, conflicts)
	})

	t.Run("list filters by status", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, testSnapshot("run-3", 1, pipeline.StatusSucceeded, now.Add(time.Hour)), 0))

		all, err := store.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "run-3", all[0].RequestID)

		succeeded, err := store.List(ctx, ListOptions{Status: pipeline.StatusSucceeded})
		require.NoError(t, err)
		require.Len(t, succeeded, 1)
		assert.Equal(t, "run-3", succeeded[0].RequestID)
	})

	t.Run("invalid request id", func(t *testing.T) {
		err := store.Save(ctx, testSnapshot("../escape", 1, pipeline.StatusRunning, now), 0)
		require.Error(t, err)
	})
}

func TestRunstore_Memory(t *testing.T) {
	t.Parallel()
	store := NewMemory(MemoryConfig{})
	t.Cleanup(store.Close)
	runStoreContract(t, store)
}

func TestRunstore_Memory_ArchivesTerminalRuns(t *testing.T) {
	t.Parallel()
	store := NewMemory(MemoryConfig{ArchiveTTL: 50 * time.Millisecond})
	t.Cleanup(store.Close)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, testSnapshot("suspended", 1, pipeline.StatusAwaitingApproval, now), 0))
	require.NoError(t, store.Save(ctx, testSnapshot("done", 1, pipeline.StatusSucceeded, now), 0))

	require.Eventually(t, func() bool {
		_, err := store.Load(ctx, "done")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	_, err := store.Load(ctx, "suspended")
	require.NoError(t, err)
}

func TestRunstore_File(t *testing.T) {
	t.Parallel()
	store, err := NewFile(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestRunstore_File_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, testSnapshot("run-1", 1, pipeline.StatusAwaitingApproval, time.Now().UTC()), 0))

	reopened, err := NewFile(dir)
	require.NoError(t, err)
	got, err := reopened.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAwaitingApproval, got.State.Status)
}

func TestRunstore_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, pgContainer)
	require.NoError(t, err)

	url, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgres(ctx, PostgresConfig{Logger: log, URL: url})
	require.NoError(t, err)
	defer store.Close()

	runStoreContract(t, store)
}
