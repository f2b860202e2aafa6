package domain

import (
	"fmt"
	"time"
)

// HistoryEntry is one (to_state, timestamp, metadata) record in an
// aggregate's append-only transition history. The first entry of any
// machine's history carries a zero From (the aggregate's initial state has
// no predecessor) and is synthesized from the aggregate's created_at.
type HistoryEntry[S comparable] struct {
	From           S
	To             S
	Timestamp      time.Time
	TriggeredBy    string
	TriggerReason  string
	FileUploaded   string
	IssuesCount    int
	ErrorMessage   string
	AdditionalData map[string]any
	Forced         bool
}

// TransitionMeta carries the caller-supplied context for a single
// transition; it becomes a HistoryEntry once applied.
type TransitionMeta struct {
	TriggeredBy    string
	TriggerReason  string
	FileUploaded   string
	IssuesCount    int
	ErrorMessage   string
	AdditionalData map[string]any
}

// StateMachine is the in-memory representation shared by UseCaseState and
// ModelEvaluationState aggregates: a current state plus a full, ordered
// history, checked against an immutable transition table.
//
// It performs no I/O. Loading one from storage and persisting its mutations
// is the repository's job (internal/repository).
type StateMachine[S comparable] struct {
	AggregateID string
	current     S
	history     []HistoryEntry[S]
	table       map[S]map[S]bool
	terminal    map[S]bool
	blocked     map[S]bool
}

// NewStateMachine constructs a fresh machine sitting in initial, with a
// single synthetic history entry recording when it entered that state.
func NewStateMachine[S comparable](id string, initial S, createdAt time.Time, table map[S]map[S]bool, terminal, blocked map[S]bool) *StateMachine[S] {
	var zero S
	return &StateMachine[S]{
		AggregateID: id,
		current:     initial,
		history: []HistoryEntry[S]{
			{From: zero, To: initial, Timestamp: createdAt},
		},
		table:    table,
		terminal: terminal,
		blocked:  blocked,
	}
}

// RestoreStateMachine rebuilds a machine from a persisted history, as
// loaded by the repository. The caller (the repository) is responsible for
// checking that history[len-1].To == current before calling this — a
// mismatch is a Corruption condition the repository reports itself.
func RestoreStateMachine[S comparable](id string, current S, history []HistoryEntry[S], table map[S]map[S]bool, terminal, blocked map[S]bool) *StateMachine[S] {
	return &StateMachine[S]{
		AggregateID: id,
		current:     current,
		history:     history,
		table:       table,
		terminal:    terminal,
		blocked:     blocked,
	}
}

func (sm *StateMachine[S]) Current() S { return sm.current }

// History returns the full append-only history. Callers must not mutate
// the returned slice.
func (sm *StateMachine[S]) History() []HistoryEntry[S] { return sm.history }

// HistoryLen reports the history length at this instant, used by the
// repository to detect whether a Save needs to insert a new tail row.
func (sm *StateMachine[S]) HistoryLen() int { return len(sm.history) }

func (sm *StateMachine[S]) CanTransition(to S) bool {
	return sm.table[sm.current] != nil && sm.table[sm.current][to]
}

func (sm *StateMachine[S]) AllowedTransitions() []S {
	targets := sm.table[sm.current]
	out := make([]S, 0, len(targets))
	for to := range targets {
		out = append(out, to)
	}
	return out
}

func (sm *StateMachine[S]) IsTerminal() bool { return sm.terminal[sm.current] }

func (sm *StateMachine[S]) IsBlocked() bool { return sm.blocked[sm.current] }

// TransitionTo applies a transition if permitted (or always, when force is
// true), appending a history entry and updating current. It never performs
// I/O and never invokes side-effect callbacks — callers (repositories,
// orchestrator, task handlers) are responsible for persisting the result
// and enqueueing follow-up work afterward, per the Save-before-Enqueue
// ordering rule.
func (sm *StateMachine[S]) TransitionTo(to S, meta TransitionMeta, force bool) error {
	if !force && !sm.CanTransition(to) {
		return fmt.Errorf("transition %v -> %v not permitted: %w", sm.current, to, errInvalidTransition)
	}
	sm.history = append(sm.history, HistoryEntry[S]{
		From:           sm.current,
		To:             to,
		Timestamp:      now(),
		TriggeredBy:    meta.TriggeredBy,
		TriggerReason:  meta.TriggerReason,
		FileUploaded:   meta.FileUploaded,
		IssuesCount:    meta.IssuesCount,
		ErrorMessage:   meta.ErrorMessage,
		AdditionalData: meta.AdditionalData,
		Forced:         force,
	})
	sm.current = to
	return nil
}

// CurrentStateDuration is now() minus the timestamp of the last transition.
func (sm *StateMachine[S]) CurrentStateDuration() time.Duration {
	if len(sm.history) == 0 {
		return 0
	}
	return now().Sub(sm.history[len(sm.history)-1].Timestamp)
}

// DurationIn sums every interval the machine spent in the given state
// across its whole history, including states re-entered after a retry
// (e.g. QUALITY_CHECK_PENDING visited twice in scenario S2).
func (sm *StateMachine[S]) DurationIn(state S) time.Duration {
	var total time.Duration
	for i, h := range sm.history {
		if h.To != state {
			continue
		}
		start := h.Timestamp
		end := now()
		if i+1 < len(sm.history) {
			end = sm.history[i+1].Timestamp
		}
		total += end.Sub(start)
	}
	return total
}

// Rollback is an operator-only debug aid: it truncates the history by n
// entries and restores current to the state the truncated history left
// behind. It refuses to roll back past the initial entry, and the caller
// (repository) is expected to record the rollback itself as an activity
// log entry distinct from an ordinary transition, so that P3 readers are
// not confused by a history that appears to shrink.
func (sm *StateMachine[S]) Rollback(n int) error {
	if n <= 0 {
		return fmt.Errorf("rollback count must be positive")
	}
	if n >= len(sm.history) {
		return fmt.Errorf("cannot roll back %d entries past %d-entry history: %w", n, len(sm.history), errInvalidTransition)
	}
	sm.history = sm.history[:len(sm.history)-n]
	sm.current = sm.history[len(sm.history)-1].To
	return nil
}

// now is overridden in tests to make DurationIn/CurrentStateDuration
// deterministic.
var now = time.Now
