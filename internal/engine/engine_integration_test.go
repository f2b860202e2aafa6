//go:build integration

package engine

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"evalorch.io/internal/db"
	"evalorch.io/internal/domain"
	"evalorch.io/internal/logging"
	"evalorch.io/internal/repository"
	"evalorch.io/internal/taskqueue"
	"evalorch.io/internal/upload"
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

type memStore struct{ objects map[string][]byte }

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Put(ctx context.Context, key string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = b
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.objects[key])), nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

// newTestEngine builds an Engine exercising CreateUseCase/CreateModel/
// Upload/Cancel/GetStateMachine, the operations that don't require a
// running worker pool or reconciler.
func newTestEngine(t *testing.T) (*Engine, *repository.UseCaseRepository, *repository.ModelEvaluationRepository) {
	pool := newTestPool(t)
	useCases := repository.NewUseCaseRepository(pool)
	models := repository.NewModelEvaluationRepository(pool)
	queue := taskqueue.New(pool, []string{"validate_config", "run_quality_check", "run_evaluation", "send_notification"})
	log := logging.ServiceLogger(logging.New(logging.DefaultConfig()), "evalorch-test", "0.0.0")
	orch := upload.New(useCases, models, newMemStore(), queue, log)

	return &Engine{UseCases: useCases, Models: models, Queue: queue, Uploads: orch, Log: log}, useCases, models
}

func TestEngine_CreateUseCaseRejectsMissingFields(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.CreateUseCase(context.Background(), "", "team@example.com")
	require.Error(t, err)
}

func TestEngine_CreateModelEvaluationRequiresExistingUseCase(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.CreateModelEvaluation(context.Background(), "does-not-exist", "model-a", "v1")
	require.Error(t, err)
}

func TestEngine_UploadConfigThenGetStateMachine(t *testing.T) {
	eng, useCases, _ := newTestEngine(t)
	ctx := context.Background()

	uc, err := eng.CreateUseCase(ctx, "uc1", "team@example.com")
	require.NoError(t, err)

	loaded, err := useCases.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseAwaitingConfig, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, useCases.SaveStateMachine(ctx, loaded))

	result, err := eng.UploadConfig(ctx, uc.ID, []byte(`{"fields":[]}`), "tester")
	require.NoError(t, err)
	require.Equal(t, string(domain.UseCaseConfigValidationRunning), result.NewState)

	sm, err := eng.GetStateMachine(ctx, domain.AggregateUseCase, uc.ID)
	require.NoError(t, err)
	require.Equal(t, string(domain.UseCaseConfigValidationRunning), sm.Current)
}

func TestEngine_CancelUseCaseRejectsTerminalState(t *testing.T) {
	eng, useCases, _ := newTestEngine(t)
	ctx := context.Background()

	uc, err := eng.CreateUseCase(ctx, "uc2", "team@example.com")
	require.NoError(t, err)

	_, err = eng.CancelUseCase(ctx, uc.ID, "no longer needed", "operator")
	require.NoError(t, err)

	_, err = eng.CancelUseCase(ctx, uc.ID, "again", "operator")
	require.Error(t, err)

	fresh, err := useCases.Get(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseCancelled, fresh.State)
}

func TestEngine_CancelModelRejectsTerminalState(t *testing.T) {
	eng, _, models := newTestEngine(t)
	ctx := context.Background()

	uc, err := eng.CreateUseCase(ctx, "uc3", "team@example.com")
	require.NoError(t, err)
	m, err := eng.CreateModelEvaluation(ctx, uc.ID, "model-a", "v1")
	require.NoError(t, err)

	_, err = eng.CancelModel(ctx, m.ID, "no longer needed", "operator")
	require.NoError(t, err)

	_, err = eng.CancelModel(ctx, m.ID, "again", "operator")
	require.Error(t, err)

	fresh, err := models.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ModelCancelled, fresh.CurrentState)
}
