package domain

// edge is one permitted (from, to) pair in a transition table.
type edge[S comparable] struct {
	From S
	To   S
}

// buildTable turns an edge list into an adjacency set, then adds a
// universal edge from every non-terminal state to each of the given
// escape states (CANCELLED is reachable from anywhere a use case or model
// hasn't already finished, per the operator edge the spec section 9 adds
// explicitly on top of the original source's enum).
func buildTable[S comparable](edges []edge[S], terminal map[S]bool, escapes ...S) map[S]map[S]bool {
	table := make(map[S]map[S]bool)
	add := func(from, to S) {
		if table[from] == nil {
			table[from] = make(map[S]bool)
		}
		table[from][to] = true
	}
	for _, e := range edges {
		add(e.From, e.To)
	}
	seen := make(map[S]bool)
	for _, e := range edges {
		seen[e.From] = true
		seen[e.To] = true
	}
	for s := range seen {
		if terminal[s] {
			continue
		}
		for _, esc := range escapes {
			if s == esc {
				continue
			}
			add(s, esc)
		}
	}
	return table
}

var useCaseEdges = []edge[UseCaseState]{
	{UseCaseTemplateGeneration, UseCaseTemplateSent},
	{UseCaseTemplateSent, UseCaseAwaitingConfig},
	{UseCaseAwaitingConfig, UseCaseConfigReceived},
	{UseCaseConfigReceived, UseCaseConfigValidationRunning},
	{UseCaseConfigValidationRunning, UseCaseConfigInvalid},
	{UseCaseConfigValidationRunning, UseCaseQualityCheckRunning},
	{UseCaseConfigInvalid, UseCaseAwaitingConfig},
	{UseCaseQualityCheckRunning, UseCaseQualityCheckPassed},
	{UseCaseQualityCheckRunning, UseCaseQualityCheckFailed},
	{UseCaseQualityCheckFailed, UseCaseAwaitingDataFix},
	{UseCaseAwaitingDataFix, UseCaseConfigReceived},
	{UseCaseQualityCheckPassed, UseCaseEvaluationQueued},
	{UseCaseEvaluationQueued, UseCaseEvaluationRunning},
	{UseCaseEvaluationRunning, UseCaseEvaluationCompleted},
	{UseCaseEvaluationRunning, UseCaseEvaluationFailed},
	{UseCaseEvaluationFailed, UseCaseEvaluationQueued},
	{UseCaseEvaluationCompleted, UseCaseArchived},
}

// UseCaseTransitions is the immutable transition table for UseCaseState.
var UseCaseTransitions = buildTable(useCaseEdges, useCaseTerminal, UseCaseCancelled)

var modelEdges = []edge[ModelEvaluationState]{
	{ModelRegistered, ModelQualityCheckPend},
	{ModelQualityCheckPend, ModelQualityCheckRun},
	{ModelQualityCheckRun, ModelQualityCheckPassed},
	{ModelQualityCheckRun, ModelQualityCheckFailed},
	{ModelQualityCheckFailed, ModelAwaitingDataFix},
	{ModelAwaitingDataFix, ModelQualityCheckPend},
	{ModelQualityCheckPassed, ModelEvaluationQueued},
	{ModelEvaluationQueued, ModelEvaluationRunning},
	{ModelEvaluationRunning, ModelEvaluationComplete},
	{ModelEvaluationRunning, ModelEvaluationFailed},
	{ModelEvaluationFailed, ModelEvaluationQueued},
	{ModelEvaluationComplete, ModelArchived},
}

// ModelTransitions is the immutable transition table for ModelEvaluationState.
var ModelTransitions = buildTable(modelEdges, modelTerminal, ModelCancelled)
