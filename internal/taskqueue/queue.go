// Package taskqueue implements the engine's single durable task queue: a
// FIFO-with-priority dispatch protocol persisted in the same relational
// store as the domain tables, with at-least-once delivery and cooperative
// cancellation.
//
// Per the design notes this is deliberately the only queue implementation
// in the engine — no in-process channel queue, no second broker-backed
// queue sits alongside it. Redis (internal/lock) is wired only as a
// reconciler lock and an optional wakeup signal layered above this queue's
// polling loop, never as an alternate dispatch path.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/enginerr"
)

// Queue is the Postgres-backed implementation of the task dispatch
// protocol described in SPEC_FULL.md §4.4.
type Queue struct {
	pool       *pgxpool.Pool
	registered map[string]bool
}

// New constructs a Queue. registeredNames is the set of task names the
// host has registered handlers for at startup (internal/tasks); Enqueue
// rejects any other name.
func New(pool *pgxpool.Pool, registeredNames []string) *Queue {
	reg := make(map[string]bool, len(registeredNames))
	for _, n := range registeredNames {
		reg[n] = true
	}
	return &Queue{pool: pool, registered: reg}
}

// Enqueue inserts a PENDING row. There is no deduplication: at-least-once
// semantics, handlers must be idempotent (P6).
func (q *Queue) Enqueue(ctx context.Context, name string, args map[string]any, priority, maxRetries int) (int64, error) {
	if !q.registered[name] {
		return 0, fmt.Errorf("task %q: %w", name, enginerr.ErrUnknownTask)
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("marshal task args: %w", enginerr.ErrValidation)
	}
	var id int64
	err = q.pool.QueryRow(ctx, `
		INSERT INTO tasks (task_name, args_json, status, priority, retry_count, max_retries, created_at)
		VALUES ($1,$2,$3,$4,0,$5,$6) RETURNING id`,
		name, argsJSON, string(domain.TaskPending), priority, maxRetries, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue task %q: %w", name, enginerr.ErrTransient)
	}
	return id, nil
}

// PickNext atomically claims the highest-priority, oldest eligible task:
// SELECT ... FOR UPDATE SKIP LOCKED ensures two workers never claim the
// same row. Returns (nil, nil) when no task is eligible.
func (q *Queue) PickNext(ctx context.Context) (*domain.Task, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin pick: %w", enginerr.ErrTransient)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, task_name, args_json, status, priority, retry_count, max_retries, created_at
		FROM tasks
		WHERE status IN ('PENDING','RETRYING')
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)

	var task domain.Task
	var argsJSON []byte
	var status string
	err = row.Scan(&task.ID, &task.Name, &argsJSON, &status, &task.Priority, &task.RetryCount, &task.MaxRetries, &task.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan next task: %w", enginerr.ErrTransient)
	}
	task.Status = domain.TaskStatus(status)
	_ = json.Unmarshal(argsJSON, &task.Args)

	started := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE tasks SET status = $1, started_at = $2 WHERE id = $3`, string(domain.TaskRunning), started, task.ID); err != nil {
		return nil, fmt.Errorf("mark task %d running: %w", task.ID, enginerr.ErrTransient)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit pick: %w", enginerr.ErrTransient)
	}

	task.Status = domain.TaskRunning
	task.StartedAt = &started
	return &task, nil
}

// CompleteTask marks a task COMPLETED. A handler must only call this after
// it returned without error (P4: COMPLETED is reached only that way).
func (q *Queue) CompleteTask(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	tag, err := q.pool.Exec(ctx, `UPDATE tasks SET status = $1, completed_at = $2, error_message = '' WHERE id = $3`, string(domain.TaskCompleted), now, id)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, enginerr.ErrTransient)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, enginerr.ErrNotFound)
	}
	return nil
}

// FailTask records a handler failure. If the task's retry budget isn't
// exhausted it moves to RETRYING (eligible for PickNext again); otherwise
// it moves to the terminal FAILED state. A cause wrapping
// enginerr.ErrPermanent skips straight to FAILED regardless of remaining
// retry budget — retrying a collaborator rejection that will never
// succeed just burns the budget for no benefit.
func (q *Queue) FailTask(ctx context.Context, id int64, cause error) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail: %w", enginerr.ErrTransient)
	}
	defer tx.Rollback(ctx)

	var retryCount, maxRetries int
	if err := tx.QueryRow(ctx, `SELECT retry_count, max_retries FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&retryCount, &maxRetries); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("task %d: %w", id, enginerr.ErrNotFound)
		}
		return fmt.Errorf("load task %d: %w", id, enginerr.ErrTransient)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if retryCount < maxRetries && !errors.Is(cause, enginerr.ErrPermanent) {
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, retry_count = retry_count + 1, error_message = $2 WHERE id = $3`,
			string(domain.TaskRetrying), msg, id)
	} else {
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, completed_at = $2, error_message = $3 WHERE id = $4`,
			string(domain.TaskFailed), time.Now().UTC(), msg, id)
	}
	if err != nil {
		return fmt.Errorf("record task %d failure: %w", id, enginerr.ErrTransient)
	}
	return tx.Commit(ctx)
}

// RequestCancel sets a task's status to CANCELLED_REQUESTED. It only
// records the request: no worker or handler reads the flag, a running
// handler is not interrupted, and a later CompleteTask or FailTask
// overwrites the status.
func (q *Queue) RequestCancel(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `UPDATE tasks SET status = $1 WHERE id = $2 AND status IN ('PENDING','RETRYING','RUNNING')`, string(domain.TaskCancelRequested), id)
	if err != nil {
		return fmt.Errorf("request cancel task %d: %w", id, enginerr.ErrTransient)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, enginerr.ErrNotFound)
	}
	return nil
}

// IsCancelRequested reports whether an operator has requested cancellation
// of the given task. Nothing in the worker pool or the task handlers calls
// it.
func (q *Queue) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	var status string
	err := q.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("load task %d status: %w", id, enginerr.ErrTransient)
	}
	return domain.TaskStatus(status) == domain.TaskCancelRequested, nil
}

// Cleanup removes terminal tasks (COMPLETED, FAILED, CANCELLED) older than
// the given window, returning how many rows were removed.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND completed_at IS NOT NULL AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", enginerr.ErrTransient)
	}
	return tag.RowsAffected(), nil
}
