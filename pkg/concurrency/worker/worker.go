package worker

import (
	"context"
	"errors"
	"time"
)

var ErrManagerStopped = errors.New("worker manager stopped")

type TaskExecutor interface {
	Timeout() time.Duration
	Execute(ctx context.Context)
}

type Task[T any] struct {
	timeout  time.Duration
	executor func(ctx context.Context) (T, error)
	callback func(result T, err error)
}

// NewTask creates a new Task that is cancelled after the given timeout.
func NewTask[T any](executor func(ctx context.Context) (T, error), timeout time.Duration) *Task[T] {
	return &Task[T]{
		timeout:  timeout,
		executor: executor,
	}
}

// Callback adds a callback function to the task.
func (t *Task[T]) Callback(callback func(result T, err error)) *Task[T] {
	t.callback = callback
	return t
}

// Timeout returns the timeout for the current task.
func (t *Task[T]) Timeout() time.Duration {
	return t.timeout
}

// Execute invokes the executor function of the task and passes the result to the callback function of the task.
func (t *Task[T]) Execute(ctx context.Context) {
	result, err := t.executor(ctx)
	if t.callback != nil {
		t.callback(result, err)
	}
}

type WorkerManager interface {
	Run(ctx context.Context) error
	Add(ctx context.Context, task TaskExecutor) error
}

type workerManager struct {
	workerCount int
	taskCh      chan TaskExecutor
	done        chan struct{}
}

// NewWorkerManager create a new WorkerManager.
func NewWorkerManager(workerCount int) WorkerManager {
	if workerCount < 1 {
		workerCount = 1
	}
	return &workerManager{
		workerCount: workerCount,
		taskCh:      make(chan TaskExecutor),
		done:        make(chan struct{}),
	}
}

// Run runs a specified number of workers.
func (w *workerManager) Run(ctx context.Context) error {
	for i := 0; i < w.workerCount; i++ {
		// run each worker in its own goroutine
		go w.worker(ctx)
	}

	// block until the context is cancelled
	<-ctx.Done()

	close(w.done)
	return ctx.Err()
}

// Add hands a task to the next free worker. It blocks until a worker accepts
// the task, the context is cancelled or the manager stops.
func (w *workerManager) Add(ctx context.Context, task TaskExecutor) error {
	select {
	case <-w.done:
		return ErrManagerStopped
	default:
	}
	select {
	case w.taskCh <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrManagerStopped
	}
}

func (w *workerManager) worker(parentCtx context.Context) {
	for {
		select {
		case <-parentCtx.Done():
			// exit the goroutine when the context is cancelled
			return
		case task := <-w.taskCh:
			timeout := task.Timeout()
			if timeout <= 0 {
				timeout = time.Minute
			}
			ctx, cancel := context.WithTimeout(parentCtx, timeout)
			task.Execute(ctx)
			// cancel task after the task is done
			cancel()
		}
	}
}
