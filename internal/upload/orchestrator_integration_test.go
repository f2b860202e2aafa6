//go:build integration

package upload

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

type memStore struct {
	objects map[string][]byte
}

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

func newTestOrchestrator(t *testing.T) (*Orchestrator, *repository.UseCaseRepository, *repository.ModelEvaluationRepository) {
	pool := newTestPool(t)
	useCases := repository.NewUseCaseRepository(pool)
	models := repository.NewModelEvaluationRepository(pool)
	queue := taskqueue.New(pool, []string{"validate_config", "run_quality_check", "run_evaluation", "send_notification"})
	log := logging.ServiceLogger(logging.New(logging.DefaultConfig()), "evalorch-test", "0.0.0")
	return New(useCases, models, newMemStore(), queue, log), useCases, models
}

// advanceToAwaitingConfig drives a freshly created use case past its
// initial template states into AWAITING_CONFIG, the precondition for a
// config upload.
func advanceToAwaitingConfig(t *testing.T, useCases *repository.UseCaseRepository, id string) {
	t.Helper()
	loaded, err := useCases.LoadStateMachine(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseAwaitingConfig, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, useCases.SaveStateMachine(context.Background(), loaded))
}

func TestUploadConfig_TransitionsToValidationRunning(t *testing.T) {
	orch, useCases, _ := newTestOrchestrator(t)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc1", "team@example.com")
	require.NoError(t, err)
	advanceToAwaitingConfig(t, useCases, uc.ID)

	result, err := orch.UploadConfig(ctx, uc.ID, []byte(`{"fields":[]}`), "tester")
	require.NoError(t, err)
	require.Equal(t, "accepted", result.Status)
	require.Equal(t, string(domain.UseCaseConfigValidationRunning), result.NewState)
	require.NotNil(t, result.TaskID)
}

func TestUploadConfig_RejectsInvalidJSON(t *testing.T) {
	orch, useCases, _ := newTestOrchestrator(t)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc2", "team@example.com")
	require.NoError(t, err)
	advanceToAwaitingConfig(t, useCases, uc.ID)

	_, err = orch.UploadConfig(ctx, uc.ID, []byte(`not json`), "tester")
	require.Error(t, err)

	fresh, err := useCases.Get(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseAwaitingConfig, fresh.State)
}

func TestUploadDataset_ReuploadWhilePendingIsNoOp(t *testing.T) {
	orch, useCases, models := newTestOrchestrator(t)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc3", "team@example.com")
	require.NoError(t, err)
	m, err := models.Create(ctx, uc.ID, "model-a", "v1")
	require.NoError(t, err)

	loaded, err := models.LoadStateMachine(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.ModelQualityCheckPend, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, models.SaveStateMachine(ctx, loaded))

	result, err := orch.UploadDataset(ctx, uc.ID, m.ID, []byte("a,b\n1,2\n"), "tester")
	require.NoError(t, err)
	require.Equal(t, string(domain.ModelQualityCheckPend), result.NewState)
	require.Nil(t, result.TaskID)
}
