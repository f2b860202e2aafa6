//go:build integration

package tasks

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
	"evalorch.io/internal/notify"
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

type fakeValidator struct{ err error }

func (f *fakeValidator) Validate(ctx context.Context, config []byte) error { return f.err }

type fakeChecker struct{ issues []domain.QualityIssue }

func (f *fakeChecker) Run(ctx context.Context, dataset, fieldConfig []byte) ([]domain.QualityIssue, error) {
	return f.issues, nil
}

type fakeEvaluator struct {
	summary EvaluationSummary
	err     error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, dataset, predictions, config []byte) (EvaluationSummary, error) {
	return f.summary, f.err
}

type fakeNotifier struct{ sent []notify.Message }

func (f *fakeNotifier) Send(ctx context.Context, msg notify.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

func newTestHandlers(t *testing.T, validator ConfigValidator, checker QualityChecker, evaluator Evaluator) (*Handlers, *repository.UseCaseRepository, *repository.ModelEvaluationRepository, *memStore) {
	pool := newTestPool(t)
	useCases := repository.NewUseCaseRepository(pool)
	models := repository.NewModelEvaluationRepository(pool)
	store := newMemStore()
	queue := taskqueue.New(pool, []string{"validate_config", "run_quality_check", "run_evaluation", "send_notification"})
	log := logging.ServiceLogger(logging.New(logging.DefaultConfig()), "evalorch-test", "0.0.0")

	h := &Handlers{
		UseCases: useCases, Models: models, Store: store, Queue: queue,
		Validator: validator, Checker: checker, Evaluator: evaluator,
		Notifier: &fakeNotifier{}, Log: log,
	}
	return h, useCases, models, store
}

func TestValidateConfig_SkipsWhenAlreadyPast(t *testing.T) {
	h, useCases, _, _ := newTestHandlers(t, &fakeValidator{}, nil, nil)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc1", "team@example.com")
	require.NoError(t, err)
	// uc starts in TEMPLATE_GENERATION, not CONFIG_VALIDATION_RUNNING.
	require.NoError(t, h.validateConfig(ctx, map[string]any{"use_case_id": uc.ID}))

	fresh, err := useCases.Get(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseTemplateGeneration, fresh.State)
}

func TestValidateConfig_InvalidTransitionsToConfigInvalid(t *testing.T) {
	h, useCases, _, store := newTestHandlers(t, &fakeValidator{err: require.AnError}, nil, nil)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc2", "team@example.com")
	require.NoError(t, err)

	loaded, err := useCases.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseAwaitingConfig, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseConfigReceived, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseConfigValidationRunning, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, useCases.SaveStateMachine(ctx, loaded))
	store.objects["use_cases/"+uc.ID+"/config"] = []byte(`{}`)
	require.NoError(t, useCases.SetConfigFileKey(ctx, uc.ID, "use_cases/"+uc.ID+"/config"))

	require.NoError(t, h.validateConfig(ctx, map[string]any{"use_case_id": uc.ID}))

	fresh, err := useCases.Get(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseConfigInvalid, fresh.State)
}

func TestValidateConfig_NoModelsCascadesToEvaluationQueued(t *testing.T) {
	h, useCases, _, store := newTestHandlers(t, &fakeValidator{}, nil, nil)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc4", "team@example.com")
	require.NoError(t, err)

	loaded, err := useCases.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseAwaitingConfig, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseConfigReceived, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, loaded.Machine.TransitionTo(domain.UseCaseConfigValidationRunning, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, useCases.SaveStateMachine(ctx, loaded))
	store.objects["use_cases/"+uc.ID+"/config"] = []byte(`{}`)
	require.NoError(t, useCases.SetConfigFileKey(ctx, uc.ID, "use_cases/"+uc.ID+"/config"))

	require.NoError(t, h.validateConfig(ctx, map[string]any{"use_case_id": uc.ID}))

	fresh, err := useCases.Get(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseEvaluationQueued, fresh.State)
}

func TestRunQualityCheck_AllModelsPassedCascadesUseCaseToEvaluationQueued(t *testing.T) {
	h, useCases, models, _ := newTestHandlers(t, nil, &fakeChecker{}, nil)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc5", "team@example.com")
	require.NoError(t, err)
	m1, err := models.Create(ctx, uc.ID, "model-a", "v1")
	require.NoError(t, err)
	m2, err := models.Create(ctx, uc.ID, "model-b", "v1")
	require.NoError(t, err)

	ucLoaded, err := useCases.LoadStateMachine(ctx, uc.ID)
	require.NoError(t, err)
	require.NoError(t, ucLoaded.Machine.TransitionTo(domain.UseCaseTemplateSent, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, ucLoaded.Machine.TransitionTo(domain.UseCaseAwaitingConfig, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, ucLoaded.Machine.TransitionTo(domain.UseCaseConfigReceived, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, ucLoaded.Machine.TransitionTo(domain.UseCaseConfigValidationRunning, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, ucLoaded.Machine.TransitionTo(domain.UseCaseQualityCheckRunning, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, useCases.SaveStateMachine(ctx, ucLoaded))

	for _, m := range []*domain.ModelEvaluation{m1, m2} {
		loaded, err := models.LoadStateMachine(ctx, m.ID)
		require.NoError(t, err)
		require.NoError(t, loaded.Machine.TransitionTo(domain.ModelQualityCheckPend, domain.TransitionMeta{TriggeredBy: "system"}, false))
		require.NoError(t, models.SaveStateMachine(ctx, loaded))
	}

	// m1 passes first; the sibling m2 hasn't, so the use case must stay put.
	require.NoError(t, h.runQualityCheck(ctx, map[string]any{"use_case_id": uc.ID, "model_id": m1.ID}))
	midway, err := useCases.Get(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseQualityCheckRunning, midway.State)

	// m2 passes too; now both siblings are done and the cascade should fire.
	require.NoError(t, h.runQualityCheck(ctx, map[string]any{"use_case_id": uc.ID, "model_id": m2.ID}))
	fresh, err := useCases.Get(ctx, uc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UseCaseEvaluationQueued, fresh.State)
}

func TestRunQualityCheck_BlockingIssueRoutesToAwaitingDataFix(t *testing.T) {
	issues := []domain.QualityIssue{{FieldName: "age", Severity: domain.SeverityError, Message: "out of range"}}
	h, useCases, models, _ := newTestHandlers(t, nil, &fakeChecker{issues: issues}, nil)
	ctx := context.Background()

	uc, err := useCases.Create(ctx, "uc3", "team@example.com")
	require.NoError(t, err)
	m, err := models.Create(ctx, uc.ID, "model-a", "v1")
	require.NoError(t, err)

	loaded, err := models.LoadStateMachine(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Machine.TransitionTo(domain.ModelQualityCheckPend, domain.TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, models.SaveStateMachine(ctx, loaded))

	require.NoError(t, h.runQualityCheck(ctx, map[string]any{"use_case_id": uc.ID, "model_id": m.ID}))

	fresh, err := models.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ModelAwaitingDataFix, fresh.CurrentState)
}
