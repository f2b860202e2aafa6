//go:build integration

package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"evalorch.io/internal/db"
	"evalorch.io/internal/domain"
	"evalorch.io/internal/logging"
	"evalorch.io/internal/repository"
	"evalorch.io/internal/taskqueue"
)

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

// newTestReconciler builds a Reconciler with no distributed lock. Lock
// contention itself (a second instance holding the lock) is not exercised
// here since it needs a live Redis fixture; single-instance reconciliation
// is the behavior under test.
func newTestReconciler(t *testing.T) (*Reconciler, *repository.UseCaseRepository, *repository.ModelEvaluationRepository, *taskqueue.Queue) {
	pool := newTestPool(t)
	useCases := repository.NewUseCaseRepository(pool)
	models := repository.NewModelEvaluationRepository(pool)
	queue := taskqueue.New(pool, []string{"validate_config", "run_quality_check", "run_evaluation", "send_notification"})
	log := logging.ServiceLogger(logging.New(logging.DefaultConfig()), "evalorch-test", "0.0.0")
	return New(useCases, models, queue, nil, 30*time.Second, log), useCases, models, queue
}

func TestRun_ReenqueuesStuckConfigValidation(t *testing.T) {
	r, useCases, _, queue := newTestReconciler(t)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc1", "team@example.com")
	require.NoError(t, err)

	loaded, err := useCases.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseAwaitingConfig, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseConfigReceived, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseConfigValidationRunning, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, useCases.SaveStateMachine(ctx, loaded))

	require.NoError(t, r.Run(ctx))

	task, err := queue.PickNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, uc.ID, task.Args["use_case_id"])
}

func TestRun_ReenqueuesStuckEvaluationQueued(t *testing.T) {
	r, useCases, models, queue := newTestReconciler(t)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc2", "team@example.com")
	require.NoError(t, err)
	m, err := models.Create(ctx, uc.ID, "model-a", "v1")
	require.NoError(t, err)

	loaded, err := models.LoadStateMachine(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.ModelQualityCheckPend, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.ModelQualityCheckRun, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.ModelQualityCheckPassed, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.ModelEvaluationQueued, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, models.SaveStateMachine(ctx, loaded))

	require.NoError(t, r.Run(ctx))

	task, err := queue.PickNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, m.ID, task.Args["model_id"])
}

func TestRun_NoOpWhenNoStuckAggregates(t *testing.T) {
	r, _, _, queue := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))

	task, err := queue.PickNext(ctx)
	require.NoError(t, err)
	require.Nil(t, task)
}
