// Package enginerr defines the orchestration engine's error taxonomy.
//
// Errors are kinds, not types: every sentinel below is wrapped with
// fmt.Errorf("...: %w", ...) by callers so that context survives while
// callers still discriminate with errors.Is.
package enginerr

import "errors"

var (
	// ErrValidation marks bad input; surfaced to the caller with no state change.
	ErrValidation = errors.New("validation")

	// ErrInvalidTransition marks a requested state transition not present in the
	// transition table for the aggregate's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidStateForUpload marks an upload rejected because the owning
	// aggregate is not in a state that accepts it.
	ErrInvalidStateForUpload = errors.New("invalid state for upload")

	// ErrNotFound marks a missing aggregate, task, or migration record.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite marks an optimistic concurrency conflict on SaveStateMachine.
	// Callers reload and retry once, bounded.
	ErrStaleWrite = errors.New("stale write")

	// ErrTransient marks a DB, storage, or collaborator failure that is safe to
	// retry. Inside task handlers it is counted against the task's retry budget.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks a collaborator failure that must not be retried; the
	// handler is expected to drive its aggregate into a failure state instead.
	ErrPermanent = errors.New("permanent failure")

	// ErrCorruption marks persisted history inconsistent with the aggregate's
	// current_state column. No automatic repair is attempted.
	ErrCorruption = errors.New("corruption")

	// ErrUnknownTask marks an attempt to enqueue a task name with no registered
	// handler.
	ErrUnknownTask = errors.New("unknown task")
)
