// Package engine wires the repositories, task queue, worker pool,
// upload orchestrator, and reconciler into the single set of
// transport-agnostic operations SPEC_FULL.md §6 names. Adapters (HTTP,
// CLI) call only these methods; none of them contain orchestration logic
// of their own.
package engine

import (
	"context"
	"fmt"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/enginerr"
	"evalorch.io/internal/logging"
	"evalorch.io/internal/reconciler"
	"evalorch.io/internal/repository"
	"evalorch.io/internal/taskqueue"
	"evalorch.io/internal/upload"
	"evalorch.io/internal/worker"
)

// Engine exposes the core operations table.
type Engine struct {
	UseCases   *repository.UseCaseRepository
	Models     *repository.ModelEvaluationRepository
	Queue      *taskqueue.Queue
	Uploads    *upload.Orchestrator
	Pool       *worker.Pool
	Reconciler *reconciler.Reconciler
	Log        *logging.ContextLogger
}

// CreateUseCase starts a brand-new use case in TEMPLATE_GENERATION.
func (e *Engine) CreateUseCase(ctx context.Context, name, teamEmail string) (*domain.UseCase, error) {
	if name == "" || teamEmail == "" {
		return nil, fmt.Errorf("name and team_email are required: %w", enginerr.ErrValidation)
	}
	return e.UseCases.Create(ctx, name, teamEmail)
}

func (e *Engine) GetUseCase(ctx context.Context, id string) (*domain.UseCase, error) {
	return e.UseCases.Get(ctx, id)
}

func (e *Engine) ListUseCases(ctx context.Context, state domain.UseCaseState) ([]*domain.UseCase, error) {
	return e.UseCases.List(ctx, state)
}

// CreateModelEvaluation registers a candidate model under a use case.
func (e *Engine) CreateModelEvaluation(ctx context.Context, useCaseID, modelName, version string) (*domain.ModelEvaluation, error) {
	if _, err := e.UseCases.Get(ctx, useCaseID); err != nil {
		return nil, err
	}
	if modelName == "" {
		return nil, fmt.Errorf("model_name is required: %w", enginerr.ErrValidation)
	}
	return e.Models.Create(ctx, useCaseID, modelName, version)
}

func (e *Engine) UploadConfig(ctx context.Context, useCaseID string, body []byte, triggeredBy string) (*upload.Result, error) {
	return e.Uploads.UploadConfig(ctx, useCaseID, body, triggeredBy)
}

func (e *Engine) UploadDataset(ctx context.Context, useCaseID, modelID string, body []byte, triggeredBy string) (*upload.Result, error) {
	return e.Uploads.UploadDataset(ctx, useCaseID, modelID, body, triggeredBy)
}

func (e *Engine) UploadPredictions(ctx context.Context, useCaseID, modelID string, body []byte, triggeredBy string) (*upload.Result, error) {
	return e.Uploads.UploadPredictions(ctx, useCaseID, modelID, body, triggeredBy)
}

// CancelUseCase transitions a use case to CANCELLED from any non-terminal
// state, using the universal escape edge (force is never needed since
// CANCELLED is a regular edge from every non-terminal state).
func (e *Engine) CancelUseCase(ctx context.Context, id, reason, triggeredBy string) (*domain.UseCase, error) {
	loaded, err := e.UseCases.LoadStateMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	if loaded.Machine.IsTerminal() {
		return nil, fmt.Errorf("use case %s: already in terminal state %s: %w", id, loaded.Machine.Current(), enginerr.ErrInvalidTransition)
	}
	if err := loaded.Machine.TransitionTo(domain.UseCaseCancelled, domain.TransitionMeta{TriggeredBy: triggeredBy, TriggerReason: reason}, false); err != nil {
		return nil, err
	}
	if err := e.UseCases.SaveStateMachine(ctx, loaded); err != nil {
		return nil, err
	}
	return e.UseCases.Get(ctx, id)
}

// CancelModel transitions a model evaluation to CANCELLED.
func (e *Engine) CancelModel(ctx context.Context, id, reason, triggeredBy string) (*domain.ModelEvaluation, error) {
	loaded, err := e.Models.LoadStateMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	if loaded.Machine.IsTerminal() {
		return nil, fmt.Errorf("model %s: already in terminal state %s: %w", id, loaded.Machine.Current(), enginerr.ErrInvalidTransition)
	}
	if err := loaded.Machine.TransitionTo(domain.ModelCancelled, domain.TransitionMeta{TriggeredBy: triggeredBy, TriggerReason: reason}, false); err != nil {
		return nil, err
	}
	if err := e.Models.SaveStateMachine(ctx, loaded); err != nil {
		return nil, err
	}
	return e.Models.Get(ctx, id)
}

// SerializedStateMachine is the transport-agnostic view of an aggregate's
// state machine returned by GetStateMachine.
type SerializedStateMachine = domain.SerializedStateMachine

// GetStateMachine returns the serialized state machine for a use case or
// model evaluation id (kind discriminates which repository to query).
func (e *Engine) GetStateMachine(ctx context.Context, kind domain.AggregateKind, id string) (*SerializedStateMachine, error) {
	switch kind {
	case domain.AggregateUseCase:
		loaded, err := e.UseCases.LoadStateMachine(ctx, id)
		if err != nil {
			return nil, err
		}
		s := domain.SerializeUseCase(loaded.Machine)
		return &s, nil
	case domain.AggregateModel:
		loaded, err := e.Models.LoadStateMachine(ctx, id)
		if err != nil {
			return nil, err
		}
		s := domain.SerializeModel(loaded.Machine)
		return &s, nil
	default:
		return nil, fmt.Errorf("unknown aggregate kind %q: %w", kind, enginerr.ErrValidation)
	}
}

// GetUploadRequirements inspects current states and returns the set of
// expected next uploads.
func (e *Engine) GetUploadRequirements(ctx context.Context, useCaseID, modelID string) ([]upload.Requirement, error) {
	return e.Uploads.GetUploadRequirements(ctx, useCaseID, modelID)
}

// EnqueueTask schedules arbitrary registered work with a fixed budget of
// three retries. No adapter in this module calls it; the reconciler
// enqueues through the task queue directly.
func (e *Engine) EnqueueTask(ctx context.Context, name string, args map[string]any, priority int) (int64, error) {
	return e.Queue.Enqueue(ctx, name, args, priority, 3)
}

// Start launches the worker pool and an initial reconciliation sweep.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Reconciler.Run(ctx); err != nil {
		e.Log.Error("startup reconciliation failed", "error", err)
	}
	e.Pool.Start()
	return nil
}

// Stop drains the worker pool gracefully.
func (e *Engine) Stop() {
	e.Pool.Stop()
}
