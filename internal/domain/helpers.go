package domain

import "time"

// NewUseCaseStateMachine builds a fresh UseCaseState machine for a
// just-created use case, starting in TEMPLATE_GENERATION.
func NewUseCaseStateMachine(id string, createdAt time.Time) *StateMachine[UseCaseState] {
	return NewStateMachine(id, UseCaseTemplateGeneration, createdAt, UseCaseTransitions, useCaseTerminal, useCaseBlocked)
}

// RestoreUseCaseStateMachine rebuilds a UseCaseState machine from
// persisted history; see RestoreStateMachine.
func RestoreUseCaseStateMachine(id string, current UseCaseState, history []HistoryEntry[UseCaseState]) *StateMachine[UseCaseState] {
	return RestoreStateMachine(id, current, history, UseCaseTransitions, useCaseTerminal, useCaseBlocked)
}

// NewModelStateMachine builds a fresh ModelEvaluationState machine for a
// just-registered model, starting in REGISTERED.
func NewModelStateMachine(id string, createdAt time.Time) *StateMachine[ModelEvaluationState] {
	return NewStateMachine(id, ModelRegistered, createdAt, ModelTransitions, modelTerminal, modelBlocked)
}

// RestoreModelStateMachine rebuilds a ModelEvaluationState machine from
// persisted history; see RestoreStateMachine.
func RestoreModelStateMachine(id string, current ModelEvaluationState, history []HistoryEntry[ModelEvaluationState]) *StateMachine[ModelEvaluationState] {
	return RestoreStateMachine(id, current, history, ModelTransitions, modelTerminal, modelBlocked)
}

// CanStartEvaluation reports whether a use case sitting in the given state
// is eligible to be queued for evaluation.
func CanStartEvaluation(state UseCaseState) bool {
	return state == UseCaseQualityCheckPassed
}

// ModelCanStartEvaluation reports the same for a model evaluation.
func ModelCanStartEvaluation(state ModelEvaluationState) bool {
	return state == ModelQualityCheckPassed
}

// NeedingActionUseCaseStates are the use-case states that imply the aggregate is
// blocked on an external actor and should surface in NeedingAction
// queries.
var NeedingActionUseCaseStates = []UseCaseState{
	UseCaseAwaitingDataFix,
	UseCaseQualityCheckFailed,
	UseCaseEvaluationFailed,
	UseCaseConfigInvalid,
}

var NeedingActionModelStates = []ModelEvaluationState{
	ModelAwaitingDataFix,
	ModelQualityCheckFailed,
	ModelEvaluationFailed,
}
