//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"evalorch.io/internal/db"
	"evalorch.io/internal/domain"
)

// newTestPool spins up a throwaway Postgres container via testcontainers
// and applies the schema through AutoInitialize, mirroring how the pack's
// own Postgres-backed repository suites bootstrap their fixtures.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("evalorch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	gdb, err := db.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, db.AutoInitialize(gdb))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestUseCaseRepository_CreateLoadSave(t *testing.T) {
	pool := newTestPool(t)
	repo := NewUseCaseRepository(pool)
	ctx := context.Background()

	uc, err := repo.Create(ctx, "uc1", "team@example.com")
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseTemplateGeneration, uc.State)

	loaded, err := repo.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseTemplateGeneration, loaded.Machine.Current())

	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, repo.SaveStateMachine(ctx, loaded))

	reloaded, err := repo.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseTemplateSent, reloaded.Machine.Current())
	require.Len(t, reloaded.Machine.History(), 2, "P1/P2: history grew by exactly the new transition")
}

func TestUseCaseRepository_SaveStateMachine_StaleWriteOnConflict(t *testing.T) {
	pool := newTestPool(t)
	repo := NewUseCaseRepository(pool)
	ctx := context.Background()

	uc, err := repo.Create(ctx, "uc2", "team@example.com")
	require.NoError(t, err)

	first, err := repo.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)
	second, err := repo.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)

	require.NoError(t, first.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{}, false))
	require.NoError(t, repo.SaveStateMachine(ctx, first))

	require.NoError(t, second.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{}, false))
	err = repo.SaveStateMachine(ctx, second)
	require.Error(t, err, "S6: the second writer observes a stale version")
}

func TestModelEvaluationRepository_CreateLoadSave(t *testing.T) {
	pool := newTestPool(t)
	ucRepo := NewUseCaseRepository(pool)
	modelRepo := NewModelEvaluationRepository(pool)
	ctx := context.Background()

	uc, err := ucRepo.Create(ctx, "uc3", "team@example.com")
	require.NoError(t, err)

	m, err := modelRepo.Create(ctx, uc.ID, "gpt-x", "1.0")
	require.NoError(t, err)
	require.Equal(t, domain.ModelRegistered, m.CurrentState)

	loaded, err := modelRepo.LoadStateMachine(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.ModelQualityCheckPend, domain.TransitionMeta{}, false))
	require.NoError(t, modelRepo.SaveStateMachine(ctx, loaded))

	ids, err := modelRepo.FindByState(ctx, domain.ModelQualityCheckPend)
	require.NoError(t, err)
	require.Contains(t, ids, m.ID)
}
