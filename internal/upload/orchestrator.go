// Package upload implements the Upload Orchestrator: the entry point for
// external artifacts (config, dataset, predictions). Every upload kind
// follows the same shape — persist bytes, sanity-check, update the
// owning entity's file-key field, decide and apply a state transition,
// enqueue follow-up work, and record an activity-log entry — mirroring
// the dispatch-then-persist pattern the teacher uses for its own
// incoming-artifact handlers, generalized to three upload kinds instead
// of one.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/enginerr"
	"evalorch.io/internal/logging"
	"evalorch.io/internal/repository"
	"evalorch.io/internal/storage"
	"evalorch.io/internal/taskqueue"
)

// Kind discriminates the three artifact uploads the orchestrator accepts.
type Kind string

const (
	KindConfig      Kind = "config"
	KindDataset     Kind = "dataset"
	KindPredictions Kind = "predictions"
)

// Result is returned to the caller (an HTTP handler or CLI command) after
// an upload is accepted.
type Result struct {
	Status   string
	TaskID   *int64
	NewState string
}

// Requirement describes one outstanding upload an operator or UI should
// prompt for.
type Requirement struct {
	Kind        Kind
	Endpoint    string
	Description string
	Instruction string
}

// Orchestrator binds incoming artifacts to state transitions.
type Orchestrator struct {
	useCases *repository.UseCaseRepository
	models   *repository.ModelEvaluationRepository
	store    storage.Store
	queue    *taskqueue.Queue
	log      *logging.ContextLogger
}

func New(useCases *repository.UseCaseRepository, models *repository.ModelEvaluationRepository, store storage.Store, queue *taskqueue.Queue, log *logging.ContextLogger) *Orchestrator {
	return &Orchestrator{useCases: useCases, models: models, store: store, queue: queue, log: log}
}

// UploadConfig accepts a use case's configuration blob.
func (o *Orchestrator) UploadConfig(ctx context.Context, useCaseID string, body []byte, triggeredBy string) (*Result, error) {
	loaded, err := o.useCases.LoadStateMachine(ctx, useCaseID)
	if err != nil {
		return nil, err
	}

	switch loaded.Machine.Current() {
	case domain.UseCaseAwaitingConfig, domain.UseCaseConfigInvalid, domain.UseCaseAwaitingDataFix:
	default:
		stateErr := fmt.Errorf("use case %s: upload config from state %s: %w", useCaseID, loaded.Machine.Current(), enginerr.ErrInvalidStateForUpload)
		_ = o.rejectUpload(ctx, useCaseID, "config", stateErr)
		return nil, stateErr
	}

	if err := sanityCheckJSON(body); err != nil {
		return nil, o.rejectUpload(ctx, useCaseID, "config", err)
	}

	key := fmt.Sprintf("use_cases/%s/config", useCaseID)
	if err := o.store.Put(ctx, key, bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("storing config %s: %w", key, enginerr.ErrTransient)
	}
	if err := o.useCases.SetConfigFileKey(ctx, useCaseID, key); err != nil {
		return nil, err
	}

	previousState := string(loaded.Machine.Current())
	if loaded.Machine.Current() == domain.UseCaseConfigInvalid {
		if err := loaded.Machine.TransitionTo(domain.UseCaseAwaitingConfig, meta(triggeredBy, "config resubmitted", ""), false); err != nil {
			return nil, err
		}
	}
	if err := loaded.Machine.TransitionTo(domain.UseCaseConfigReceived, meta(triggeredBy, "config upload", key), false); err != nil {
		return nil, err
	}
	if err := loaded.Machine.TransitionTo(domain.UseCaseConfigValidationRunning, meta("system", "automatic", ""), false); err != nil {
		return nil, err
	}
	if err := o.useCases.SaveStateMachine(ctx, loaded); err != nil {
		return nil, err
	}

	taskID, err := o.queue.Enqueue(ctx, "validate_config", map[string]any{"use_case_id": useCaseID}, 0, 3)
	if err != nil {
		return nil, err
	}

	o.logUpload(useCaseID, "config", previousState, string(loaded.Machine.Current()), taskID)
	return &Result{Status: "accepted", TaskID: &taskID, NewState: string(loaded.Machine.Current())}, nil
}

// UploadDataset accepts a model's evaluation dataset. A re-upload while the
// model sits in QUALITY_CHECK_PENDING updates the file only — no new
// transition, no new task, per the spec's explicit re-upload carve-out.
func (o *Orchestrator) UploadDataset(ctx context.Context, useCaseID, modelID string, body []byte, triggeredBy string) (*Result, error) {
	if err := sanityCheckTabular(body); err != nil {
		return nil, o.rejectUpload(ctx, useCaseID, "dataset", err)
	}

	loaded, err := o.models.LoadStateMachine(ctx, modelID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("use_cases/%s/models/%s/dataset", useCaseID, modelID)
	if err := o.store.Put(ctx, key, bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("storing dataset %s: %w", key, enginerr.ErrTransient)
	}
	if err := o.models.SetDatasetFileKey(ctx, modelID, key); err != nil {
		return nil, err
	}

	previousState := string(loaded.Machine.Current())

	switch loaded.Machine.Current() {
	case domain.ModelQualityCheckPend:
		o.logUpload(useCaseID, "dataset (re-upload, no transition)", previousState, previousState, 0)
		return &Result{Status: "accepted", NewState: previousState}, nil

	case domain.ModelAwaitingDataFix, domain.ModelRegistered:
		if err := loaded.Machine.TransitionTo(domain.ModelQualityCheckPend, meta(triggeredBy, "dataset upload", key), false); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("model %s: upload dataset from state %s: %w", modelID, loaded.Machine.Current(), enginerr.ErrInvalidStateForUpload)
	}

	if err := o.models.SaveStateMachine(ctx, loaded); err != nil {
		return nil, err
	}

	taskID, err := o.queue.Enqueue(ctx, "run_quality_check", map[string]any{"use_case_id": useCaseID, "model_id": modelID}, 0, 3)
	if err != nil {
		return nil, err
	}

	o.logUpload(useCaseID, "dataset", previousState, string(loaded.Machine.Current()), taskID)
	return &Result{Status: "accepted", TaskID: &taskID, NewState: string(loaded.Machine.Current())}, nil
}

// UploadPredictions accepts a model's evaluation predictions file.
func (o *Orchestrator) UploadPredictions(ctx context.Context, useCaseID, modelID string, body []byte, triggeredBy string) (*Result, error) {
	if err := sanityCheckTabular(body); err != nil {
		return nil, o.rejectUpload(ctx, useCaseID, "predictions", err)
	}

	loaded, err := o.models.LoadStateMachine(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !domain.ModelCanStartEvaluation(loaded.Machine.Current()) {
		return nil, fmt.Errorf("model %s: upload predictions from state %s: %w", modelID, loaded.Machine.Current(), enginerr.ErrInvalidStateForUpload)
	}

	key := fmt.Sprintf("use_cases/%s/models/%s/predictions", useCaseID, modelID)
	if err := o.store.Put(ctx, key, bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("storing predictions %s: %w", key, enginerr.ErrTransient)
	}
	if err := o.models.SetPredictionsFileKey(ctx, modelID, key); err != nil {
		return nil, err
	}

	previousState := string(loaded.Machine.Current())
	if err := loaded.Machine.TransitionTo(domain.ModelEvaluationQueued, meta(triggeredBy, "predictions upload", key), false); err != nil {
		return nil, err
	}
	if err := o.models.SaveStateMachine(ctx, loaded); err != nil {
		return nil, err
	}

	taskID, err := o.queue.Enqueue(ctx, "run_evaluation", map[string]any{"use_case_id": useCaseID, "model_id": modelID}, 0, 3)
	if err != nil {
		return nil, err
	}

	o.logUpload(useCaseID, "predictions", previousState, string(loaded.Machine.Current()), taskID)
	return &Result{Status: "accepted", TaskID: &taskID, NewState: string(loaded.Machine.Current())}, nil
}

// GetUploadRequirements inspects current states and returns the set of
// expected next uploads, with a short human-readable instruction per
// state, used by adapters to guide users.
func (o *Orchestrator) GetUploadRequirements(ctx context.Context, useCaseID string, modelID string) ([]Requirement, error) {
	var out []Requirement

	uc, err := o.useCases.Get(ctx, useCaseID)
	if err != nil {
		return nil, err
	}
	if req, ok := useCaseRequirement(uc.State); ok {
		out = append(out, req)
	}

	if modelID != "" {
		m, err := o.models.Get(ctx, modelID)
		if err != nil {
			return nil, err
		}
		if req, ok := modelRequirement(modelID, m.CurrentState); ok {
			out = append(out, req)
		}
	}
	return out, nil
}

func useCaseRequirement(state domain.UseCaseState) (Requirement, bool) {
	switch state {
	case domain.UseCaseAwaitingConfig:
		return Requirement{KindConfig, "/usecases/{id}/config", "configuration upload", "Upload the use case's configuration file to begin validation."}, true
	case domain.UseCaseConfigInvalid:
		return Requirement{KindConfig, "/usecases/{id}/config", "corrected configuration upload", "The previous configuration was invalid; upload a corrected version."}, true
	case domain.UseCaseAwaitingDataFix:
		return Requirement{KindConfig, "/usecases/{id}/config", "corrected configuration upload", "Fix the flagged data issues and resubmit the configuration."}, true
	}
	return Requirement{}, false
}

func modelRequirement(modelID string, state domain.ModelEvaluationState) (Requirement, bool) {
	switch state {
	case domain.ModelRegistered:
		return Requirement{KindDataset, fmt.Sprintf("/usecases/{id}/models/%s/dataset", modelID), "evaluation dataset upload", "Upload the evaluation dataset for this model."}, true
	case domain.ModelAwaitingDataFix:
		return Requirement{KindDataset, fmt.Sprintf("/usecases/{id}/models/%s/dataset", modelID), "corrected dataset upload", "Fix the flagged data quality issues and re-upload the dataset."}, true
	case domain.ModelQualityCheckPassed:
		return Requirement{KindPredictions, fmt.Sprintf("/usecases/{id}/models/%s/predictions", modelID), "predictions upload", "Upload the model's predictions to begin evaluation."}, true
	}
	return Requirement{}, false
}

// rejectUpload records an activity-log entry for a rejected upload —
// distinct from a state transition, per the spec: a rejection leaves no
// history entry and enqueues no task, but operators still need visibility
// into it. It is called for every upload that fails its sanity check and
// for a config upload refused because of the use case's state; a dataset
// or predictions upload refused because of the model's state returns
// ErrInvalidStateForUpload without an activity-log entry.
func (o *Orchestrator) rejectUpload(ctx context.Context, useCaseID, kind string, cause error) error {
	_ = o.useCases.AppendActivityLog(ctx, domain.ActivityLog{
		UseCaseID:    useCaseID,
		ActivityType: domain.ActivityUploadRejected,
		Description:  fmt.Sprintf("%s upload rejected: %v", kind, cause),
		Metadata:     map[string]any{"kind": kind},
		CreatedAt:    time.Now().UTC(),
	})
	o.log.Warn("upload rejected", "use_case_id", useCaseID, "kind", kind, "error", cause.Error())
	return fmt.Errorf("%s upload rejected: %v: %w", kind, cause, enginerr.ErrValidation)
}

func (o *Orchestrator) logUpload(useCaseID, kind, previousState, newState string, taskID int64) {
	_ = o.useCases.AppendActivityLog(context.Background(), domain.ActivityLog{
		UseCaseID:    useCaseID,
		ActivityType: domain.ActivityUploadAccepted,
		Description:  fmt.Sprintf("%s upload accepted, %s -> %s", kind, previousState, newState),
		Metadata:     map[string]any{"kind": kind, "task_id": taskID},
		CreatedAt:    time.Now().UTC(),
	})
	o.log.Info("upload accepted", "kind", kind, "from_state", previousState, "to_state", newState, "task_id", taskID)
}

func meta(triggeredBy, reason, fileUploaded string) domain.TransitionMeta {
	return domain.TransitionMeta{TriggeredBy: triggeredBy, TriggerReason: reason, FileUploaded: fileUploaded}
}

// sanityCheckJSON rejects a config upload that isn't valid JSON — the
// superficial check the spec requires before any state change.
func sanityCheckJSON(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("not valid json: %w", err)
	}
	return nil
}

// sanityCheckTabular rejects an empty or obviously non-tabular upload. Full
// column/type validation belongs to the external quality-check
// collaborator; this is only the orchestrator's superficial gate.
func sanityCheckTabular(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("upload is empty")
	}
	return nil
}
