// Package worker runs the cooperative polling loop that drives the task
// queue: each Worker repeatedly claims the next eligible task, executes
// its registered handler with a deadline, and records success or failure.
//
// The pool shape (a set of named Workers, each with its own stop channel,
// each built around a single processNext step) is the teacher's
// worker/pool.go generalized so the Queue and Handler contracts are
// satisfied by the Postgres-backed task queue (internal/taskqueue) instead
// of the teacher's Redis-backed job queue — per the design notes, the
// engine has exactly one queue implementation; this pool only ever talks
// to it.
package worker

import (
	"context"
	"time"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/logging"
)

// Queue is the subset of taskqueue.Queue a worker needs. Declared here
// (accept interfaces, return structs) so tests can substitute a fake.
type Queue interface {
	PickNext(ctx context.Context) (*domain.Task, error)
	CompleteTask(ctx context.Context, id int64) error
	FailTask(ctx context.Context, id int64, cause error) error
}

// Handler executes one task's named work. Handlers are registered by name
// in internal/tasks and looked up through a Dispatcher.
type Handler func(ctx context.Context, args map[string]any) error

// Dispatcher resolves a task name to its registered handler.
type Dispatcher interface {
	Handler(taskName string) (Handler, bool)
}

// Config configures the pool.
type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	TaskTimeout  time.Duration
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{WorkerCount: 4, PollInterval: time.Second, TaskTimeout: 5 * time.Minute}
}

// Pool owns a fixed set of Workers, all sharing one Queue and Dispatcher.
type Pool struct {
	workers []*Worker
	log     *logging.ContextLogger
}

// Worker is a single cooperative polling loop.
type Worker struct {
	id         int
	queue      Queue
	dispatcher Dispatcher
	poll       time.Duration
	timeout    time.Duration
	stopChan   chan struct{}
	doneChan   chan struct{}
	log        *logging.ContextLogger
}

// NewPool builds a pool of cfg.WorkerCount workers, unstarted.
func NewPool(queue Queue, dispatcher Dispatcher, cfg Config, log *logging.ContextLogger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	p := &Pool{log: log}
	for i := 0; i < cfg.WorkerCount; i++ {
		p.workers = append(p.workers, &Worker{
			id: i, queue: queue, dispatcher: dispatcher,
			poll: cfg.PollInterval, timeout: cfg.TaskTimeout,
			stopChan: make(chan struct{}), doneChan: make(chan struct{}),
			log: log,
		})
	}
	return p
}

// Start launches every worker's loop in its own goroutine.
func (p *Pool) Start() {
	p.log.Info("starting worker pool", "workers", len(p.workers))
	for _, w := range p.workers {
		go w.run()
	}
}

// Stop signals every worker to stop and waits for the in-flight task (if
// any) to finish before returning — workers drain gracefully, they never
// abandon a claimed task mid-execution.
func (p *Pool) Stop() {
	p.log.Info("stopping worker pool")
	for _, w := range p.workers {
		close(w.stopChan)
	}
	for _, w := range p.workers {
		<-w.doneChan
	}
	p.log.Info("worker pool stopped")
}

func (w *Worker) run() {
	defer close(w.doneChan)
	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		task, err := w.queue.PickNext(context.Background())
		if err != nil {
			w.log.Error("pick next task failed", "worker", w.id, "error", err)
			sleepOrStop(w.poll, w.stopChan)
			continue
		}
		if task == nil {
			sleepOrStop(w.poll, w.stopChan)
			continue
		}
		w.process(task)
	}
}

func (w *Worker) process(task *domain.Task) {
	handler, ok := w.dispatcher.Handler(task.Name)
	if !ok {
		_ = w.queue.FailTask(context.Background(), task.ID, errUnregisteredHandler(task.Name))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.log.Info("processing task", "worker", w.id, "task_id", task.ID, "task_name", task.Name)
	err := handler(ctx, task.Args)
	if err != nil {
		w.log.Error("task failed", "worker", w.id, "task_id", task.ID, "error", err)
		if failErr := w.queue.FailTask(context.Background(), task.ID, err); failErr != nil {
			w.log.Error("failed to record task failure", "task_id", task.ID, "error", failErr)
		}
		return
	}

	if err := w.queue.CompleteTask(context.Background(), task.ID); err != nil {
		w.log.Error("failed to mark task complete", "task_id", task.ID, "error", err)
	}
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	}
}
