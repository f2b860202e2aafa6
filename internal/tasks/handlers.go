// Package tasks holds the registered task-queue handlers: stateless
// functions that load an aggregate through the repository, invoke an
// external collaborator, and persist the resulting state. The
// collaborators themselves (config validator, quality checker, evaluator)
// are out of scope per the spec — this package only depends on the
// narrow interfaces the core consumes.
package tasks

import (
	"context"
	"fmt"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/enginerr"
	"evalorch.io/internal/logging"
	"evalorch.io/internal/notify"
	"evalorch.io/internal/repository"
	"evalorch.io/internal/storage"
	"evalorch.io/internal/taskqueue"
	"evalorch.io/internal/worker"
)

// ConfigValidator is the external config-validation collaborator.
type ConfigValidator interface {
	Validate(ctx context.Context, config []byte) error
}

// QualityChecker is the external data-quality rule library.
type QualityChecker interface {
	Run(ctx context.Context, dataset []byte, fieldConfig []byte) ([]domain.QualityIssue, error)
}

// EvaluationSummary is the opaque result of running an evaluator.
type EvaluationSummary map[string]any

// Evaluator is the external field-based evaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, dataset, predictions []byte, config []byte) (EvaluationSummary, error)
}

// Handlers wires the four registered task handlers against the
// repositories and collaborators they need.
type Handlers struct {
	UseCases  *repository.UseCaseRepository
	Models    *repository.ModelEvaluationRepository
	Store     storage.Store
	Queue     *taskqueue.Queue
	Validator ConfigValidator
	Checker   QualityChecker
	Evaluator Evaluator
	Notifier  notify.Notifier
	Log       *logging.ContextLogger
}

// Names lists the task names this package registers, used to build the
// taskqueue's registered-name guard and the worker.Dispatcher.
func (h *Handlers) Names() []string {
	return []string{"validate_config", "run_quality_check", "run_evaluation", "send_notification"}
}

// Handler satisfies worker.Dispatcher by name.
func (h *Handlers) Handler(name string) (worker.Handler, bool) {
	switch name {
	case "validate_config":
		return h.validateConfig, true
	case "run_quality_check":
		return h.runQualityCheck, true
	case "run_evaluation":
		return h.runEvaluation, true
	case "send_notification":
		return h.sendNotification, true
	}
	return nil, false
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// validateConfig loads the use case's stored config, invokes the
// validator collaborator, and transitions to QUALITY_CHECK_RUNNING on
// success or CONFIG_INVALID on failure. Idempotent: if the use case has
// already left CONFIG_VALIDATION_RUNNING, it is a no-op.
func (h *Handlers) validateConfig(ctx context.Context, args map[string]any) error {
	useCaseID := argString(args, "use_case_id")

	loaded, err := h.UseCases.LoadStateMachine(ctx, useCaseID)
	if err != nil {
		return err
	}
	if loaded.Machine.Current() != domain.UseCaseConfigValidationRunning {
		h.Log.Info("validate_config: already past validation, skipping", "use_case_id", useCaseID, "state", loaded.Machine.Current())
		return nil
	}

	uc, err := h.UseCases.Get(ctx, useCaseID)
	if err != nil {
		return err
	}
	configBytes, err := readAll(ctx, h.Store, uc.ConfigFileKey)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", uc.ConfigFileKey, enginerr.ErrTransient)
	}

	validationErr := h.Validator.Validate(ctx, configBytes)

	next := domain.UseCaseQualityCheckRunning
	reason := "config valid"
	errMsg := ""
	if validationErr != nil {
		next = domain.UseCaseConfigInvalid
		reason = "config invalid"
		errMsg = validationErr.Error()
	}

	transitionMeta := domain.TransitionMeta{TriggeredBy: "system", TriggerReason: reason, ErrorMessage: errMsg}
	if err := loaded.Machine.TransitionTo(next, transitionMeta, false); err != nil {
		return err
	}
	if err := h.UseCases.SaveStateMachine(ctx, loaded); err != nil {
		return err
	}
	if next == domain.UseCaseQualityCheckRunning {
		return h.cascadeUseCaseIfReady(ctx, useCaseID)
	}
	return nil
}

// cascadeUseCaseIfReady drives a use case sitting in QUALITY_CHECK_RUNNING
// through QUALITY_CHECK_PASSED to EVALUATION_QUEUED once every attached
// model has cleared its own quality check — or immediately if no models
// are registered yet. Called after validate_config's own transition and
// after each model's run_quality_check completes; idempotent, since it
// only acts when the use case is still sitting in QUALITY_CHECK_RUNNING.
func (h *Handlers) cascadeUseCaseIfReady(ctx context.Context, useCaseID string) error {
	loaded, err := h.UseCases.LoadStateMachine(ctx, useCaseID)
	if err != nil {
		return err
	}
	if loaded.Machine.Current() != domain.UseCaseQualityCheckRunning {
		return nil
	}

	models, err := h.Models.ListByUseCase(ctx, useCaseID)
	if err != nil {
		return err
	}
	for _, m := range models {
		if !domain.ModelCanStartEvaluation(m.CurrentState) {
			return nil
		}
	}

	if err := loaded.Machine.TransitionTo(domain.UseCaseQualityCheckPassed, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "all models passed quality check"}, false); err != nil {
		return err
	}
	if domain.CanStartEvaluation(loaded.Machine.Current()) {
		if err := loaded.Machine.TransitionTo(domain.UseCaseEvaluationQueued, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "automatic"}, false); err != nil {
			return err
		}
	}
	return h.UseCases.SaveStateMachine(ctx, loaded)
}

// runQualityCheck loads the model's dataset, invokes the quality checker,
// stores the resulting issues, and transitions to QUALITY_CHECK_PASSED
// (no blocking issues, via HasBlockingIssues) or QUALITY_CHECK_FAILED
// followed immediately by AWAITING_DATA_FIX, enqueueing a notification on
// failure.
func (h *Handlers) runQualityCheck(ctx context.Context, args map[string]any) error {
	useCaseID := argString(args, "use_case_id")
	modelID := argString(args, "model_id")

	loaded, err := h.Models.LoadStateMachine(ctx, modelID)
	if err != nil {
		return err
	}
	if loaded.Machine.Current() != domain.ModelQualityCheckPend {
		h.Log.Info("run_quality_check: already past pending, skipping", "model_id", modelID, "state", loaded.Machine.Current())
		return nil
	}

	model, err := h.Models.Get(ctx, modelID)
	if err != nil {
		return err
	}
	uc, err := h.UseCases.Get(ctx, useCaseID)
	if err != nil {
		return err
	}

	datasetBytes, err := readAll(ctx, h.Store, model.DatasetFileKey)
	if err != nil {
		return fmt.Errorf("reading dataset %s: %w", model.DatasetFileKey, enginerr.ErrTransient)
	}
	configBytes, err := readAll(ctx, h.Store, uc.ConfigFileKey)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", uc.ConfigFileKey, enginerr.ErrTransient)
	}

	if err := loaded.Machine.TransitionTo(domain.ModelQualityCheckRun, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "quality check started"}, false); err != nil {
		return err
	}
	if err := h.Models.SaveStateMachine(ctx, loaded); err != nil {
		return err
	}

	issues, checkErr := h.Checker.Run(ctx, datasetBytes, configBytes)
	if checkErr != nil {
		return fmt.Errorf("quality checker: %w", checkErr)
	}
	if err := h.Models.SetQualityIssues(ctx, modelID, issues); err != nil {
		return err
	}

	if domain.HasBlockingIssues(issues) {
		if err := loaded.Machine.TransitionTo(domain.ModelQualityCheckFailed, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "blocking quality issues", IssuesCount: len(issues)}, false); err != nil {
			return err
		}
		if err := loaded.Machine.TransitionTo(domain.ModelAwaitingDataFix, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "automatic"}, false); err != nil {
			return err
		}
		if err := h.Models.SaveStateMachine(ctx, loaded); err != nil {
			return err
		}
		_, err := h.Queue.Enqueue(ctx, "send_notification", map[string]any{
			"use_case_id": useCaseID, "kind": "quality_check_failed", "payload": map[string]any{"model_id": modelID},
		}, 0, 3)
		return err
	}

	if err := loaded.Machine.TransitionTo(domain.ModelQualityCheckPassed, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "no blocking issues", IssuesCount: len(issues)}, false); err != nil {
		return err
	}
	if err := h.Models.SaveStateMachine(ctx, loaded); err != nil {
		return err
	}
	return h.cascadeUseCaseIfReady(ctx, useCaseID)
}

// runEvaluation drives a model from EVALUATION_QUEUED through
// EVALUATION_RUNNING to EVALUATION_COMPLETED or EVALUATION_FAILED. Task-
// level retries (handled by the queue) are distinct from evaluation-level
// failures, which are terminal for this handler invocation.
func (h *Handlers) runEvaluation(ctx context.Context, args map[string]any) error {
	useCaseID := argString(args, "use_case_id")
	modelID := argString(args, "model_id")

	loaded, err := h.Models.LoadStateMachine(ctx, modelID)
	if err != nil {
		return err
	}
	if loaded.Machine.Current() == domain.ModelEvaluationRunning {
		h.Log.Info("run_evaluation: already running, skipping re-dispatch", "model_id", modelID)
		return nil
	}
	if loaded.Machine.Current() != domain.ModelEvaluationQueued {
		h.Log.Info("run_evaluation: not queued, skipping", "model_id", modelID, "state", loaded.Machine.Current())
		return nil
	}

	model, err := h.Models.Get(ctx, modelID)
	if err != nil {
		return err
	}
	uc, err := h.UseCases.Get(ctx, useCaseID)
	if err != nil {
		return err
	}

	if err := loaded.Machine.TransitionTo(domain.ModelEvaluationRunning, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "worker picked up"}, false); err != nil {
		return err
	}
	if err := h.Models.SaveStateMachine(ctx, loaded); err != nil {
		return err
	}

	datasetBytes, err := readAll(ctx, h.Store, model.DatasetFileKey)
	if err != nil {
		return fmt.Errorf("reading dataset %s: %w", model.DatasetFileKey, enginerr.ErrTransient)
	}
	predictionsBytes, err := readAll(ctx, h.Store, model.PredictionsFileKey)
	if err != nil {
		return fmt.Errorf("reading predictions %s: %w", model.PredictionsFileKey, enginerr.ErrTransient)
	}
	configBytes, err := readAll(ctx, h.Store, uc.ConfigFileKey)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", uc.ConfigFileKey, enginerr.ErrTransient)
	}

	summary, evalErr := h.Evaluator.Evaluate(ctx, datasetBytes, predictionsBytes, configBytes)
	if evalErr != nil {
		if err := loaded.Machine.TransitionTo(domain.ModelEvaluationFailed, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "evaluator error", ErrorMessage: evalErr.Error()}, false); err != nil {
			return err
		}
		return h.Models.SaveStateMachine(ctx, loaded)
	}

	resultKey := fmt.Sprintf("use_cases/%s/models/%s/report", useCaseID, modelID)
	resultJSON, _ := marshalSummary(summary)
	if err := h.Store.Put(ctx, resultKey, bytesReader(resultJSON)); err != nil {
		return fmt.Errorf("storing evaluation report: %w", enginerr.ErrTransient)
	}

	if err := loaded.Machine.TransitionTo(domain.ModelEvaluationComplete, domain.TransitionMeta{TriggeredBy: "system", TriggerReason: "evaluation completed", AdditionalData: map[string]any{"report_key": resultKey}}, false); err != nil {
		return err
	}
	return h.Models.SaveStateMachine(ctx, loaded)
}

// sendNotification invokes the notification collaborator. Failure counts
// as a task failure and is retried by the queue.
func (h *Handlers) sendNotification(ctx context.Context, args map[string]any) error {
	useCaseID := argString(args, "use_case_id")
	kind := argString(args, "kind")

	uc, err := h.UseCases.Get(ctx, useCaseID)
	if err != nil {
		return err
	}

	payload, _ := args["payload"].(map[string]any)
	msg := notify.Message{
		To:      uc.TeamEmail,
		Subject: fmt.Sprintf("evalorch: %s", kind),
		Body:    fmt.Sprintf("Use case %s (%s): %v", uc.Name, kind, payload),
	}

	if err := h.Notifier.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending notification: %w", enginerr.ErrTransient)
	}

	return h.UseCases.AppendActivityLog(ctx, domain.ActivityLog{
		UseCaseID:    useCaseID,
		ActivityType: domain.ActivityNotification,
		Description:  fmt.Sprintf("notification sent: %s", kind),
		Metadata:     map[string]any{"kind": kind},
	})
}
