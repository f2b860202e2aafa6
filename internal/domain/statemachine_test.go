package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUseCaseStateMachine_HappyPath(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sm := NewUseCaseStateMachine("U1", created)

	require.Equal(t, UseCaseTemplateGeneration, sm.Current())
	require.Len(t, sm.History(), 1)

	steps := []UseCaseState{
		UseCaseTemplateSent,
		UseCaseAwaitingConfig,
		UseCaseConfigReceived,
		UseCaseConfigValidationRunning,
		UseCaseQualityCheckRunning,
		UseCaseQualityCheckPassed,
		UseCaseEvaluationQueued,
	}
	for _, to := range steps {
		require.True(t, sm.CanTransition(to), "expected %v -> %v permitted", sm.Current(), to)
		require.NoError(t, sm.TransitionTo(to, TransitionMeta{TriggeredBy: "system"}, false))
	}

	assert.Equal(t, UseCaseEvaluationQueued, sm.Current())
	assert.Len(t, sm.History(), 8) // initial + 7 transitions, matching S1
	assert.Equal(t, sm.Current(), sm.History()[len(sm.History())-1].To, "P1: history tail matches current")
}

func TestUseCaseStateMachine_RejectsIllegalTransition(t *testing.T) {
	sm := NewUseCaseStateMachine("U2", time.Now())

	err := sm.TransitionTo(UseCaseEvaluationCompleted, TransitionMeta{}, false)
	assert.Error(t, err)
	assert.Equal(t, UseCaseTemplateGeneration, sm.Current(), "no mutation on rejected transition")
	assert.Len(t, sm.History(), 1)
}

func TestUseCaseStateMachine_ForceBypassesTable(t *testing.T) {
	sm := NewUseCaseStateMachine("U3", time.Now())

	err := sm.TransitionTo(UseCaseArchived, TransitionMeta{TriggeredBy: "operator"}, true)
	require.NoError(t, err)
	assert.Equal(t, UseCaseArchived, sm.Current())
	assert.True(t, sm.History()[1].Forced)
}

func TestUseCaseStateMachine_CancelledReachableFromAnyNonTerminalState(t *testing.T) {
	for _, s := range []UseCaseState{
		UseCaseTemplateGeneration,
		UseCaseAwaitingConfig,
		UseCaseQualityCheckRunning,
		UseCaseEvaluationRunning,
	} {
		assert.True(t, UseCaseTransitions[s][UseCaseCancelled], "%v should reach CANCELLED", s)
	}
	assert.False(t, UseCaseTransitions[UseCaseArchived][UseCaseCancelled], "terminal states have no outgoing edges")
}

func TestModelStateMachine_QualityFailureThenFix(t *testing.T) {
	created := time.Now()
	sm := NewModelStateMachine("M1", created)

	sequence := []ModelEvaluationState{
		ModelQualityCheckPend,
		ModelQualityCheckRun,
		ModelQualityCheckFailed,
		ModelAwaitingDataFix,
		ModelQualityCheckPend,
		ModelQualityCheckRun,
		ModelQualityCheckPassed,
	}
	for _, to := range sequence {
		require.NoError(t, sm.TransitionTo(to, TransitionMeta{}, false))
	}

	var observed []ModelEvaluationState
	for _, h := range sm.History() {
		observed = append(observed, h.To)
	}
	assert.Equal(t, append([]ModelEvaluationState{ModelRegistered}, sequence...), observed)
}

func TestStateMachine_IsBlocked(t *testing.T) {
	sm := NewUseCaseStateMachine("U4", time.Now())
	require.NoError(t, sm.TransitionTo(UseCaseTemplateSent, TransitionMeta{}, false))
	require.NoError(t, sm.TransitionTo(UseCaseAwaitingConfig, TransitionMeta{}, false))
	assert.True(t, sm.IsBlocked())
}

func TestStateMachine_DurationIn_SumsRepeatedVisits(t *testing.T) {
	restoreNow := now
	defer func() { now = restoreNow }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	now = func() time.Time { return tick }

	sm := NewModelStateMachine("M2", base)
	advance := func(d time.Duration, to ModelEvaluationState) {
		tick = tick.Add(d)
		require.NoError(t, sm.TransitionTo(to, TransitionMeta{}, false))
	}

	advance(time.Minute, ModelQualityCheckPend)   // spent 1m in REGISTERED
	advance(time.Minute, ModelQualityCheckRun)     // spent 1m in QC_PENDING (first visit)
	advance(time.Minute, ModelQualityCheckFailed)
	advance(time.Minute, ModelAwaitingDataFix)
	advance(2*time.Minute, ModelQualityCheckPend)  // spent 2m in AWAITING_DATA_FIX
	tick = tick.Add(3 * time.Minute)               // currently 3m into QC_PENDING (second visit)

	assert.Equal(t, 4*time.Minute, sm.DurationIn(ModelQualityCheckPend), "sums both visits to QC_PENDING: 1m closed interval + 3m open interval at now")
	assert.Equal(t, 3*time.Minute, sm.CurrentStateDuration())
}

func TestStateMachine_Rollback(t *testing.T) {
	sm := NewUseCaseStateMachine("U5", time.Now())
	require.NoError(t, sm.TransitionTo(UseCaseTemplateSent, TransitionMeta{}, false))
	require.NoError(t, sm.TransitionTo(UseCaseAwaitingConfig, TransitionMeta{}, false))

	require.NoError(t, sm.Rollback(1))
	assert.Equal(t, UseCaseTemplateSent, sm.Current())
	assert.Len(t, sm.History(), 2)

	err := sm.Rollback(5)
	assert.Error(t, err, "cannot roll back past the initial history entry")
}

func TestSerializeDeserialize_RoundTrip(t *testing.T) {
	sm := NewUseCaseStateMachine("U6", time.Now())
	require.NoError(t, sm.TransitionTo(UseCaseTemplateSent, TransitionMeta{TriggeredBy: "system"}, false))
	require.NoError(t, sm.TransitionTo(UseCaseAwaitingConfig, TransitionMeta{TriggerReason: "delivery confirmed"}, false))

	wire := SerializeUseCase(sm)
	restored := DeserializeUseCase(wire)

	assert.Equal(t, sm.Current(), restored.Current())
	assert.Equal(t, sm.History(), restored.History())
}

func TestHasBlockingIssues(t *testing.T) {
	cases := []struct {
		name     string
		issues   []QualityIssue
		blocking bool
	}{
		{"empty", nil, false},
		{"only warnings", []QualityIssue{{Severity: SeverityWarning}, {Severity: SeverityInfo}}, false},
		{"one error", []QualityIssue{{Severity: SeverityWarning}, {Severity: SeverityError}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.blocking, HasBlockingIssues(tc.issues))
		})
	}
}
