package tasks

import (
	"context"
	"sync"

	"github.com/mcplane/mcplane/storage/taskstore"
	"go.uber.org/zap"
)

// Work is the boxed unit of task execution. It runs until done or until
// the handle reports cancellation; cancellation is cooperative, blocking
// CPU work does not cancel until it yields.
type Work func(ctx context.Context, cancel *CancellationHandle) taskstore.TaskOutcome

// Executor runs task work and tracks live executions.
type Executor interface {
	// StartTask spawns the work. completion receives the outcome exactly
	// once unless the work is dropped by cancellation.
	StartTask(id string, work Work, completion func(outcome taskstore.TaskOutcome, cancelled bool))
	// CancelTask flips the task's cancellation handle. Reports whether a
	// live execution was found.
	CancelTask(id string) bool
	// AwaitTerminal blocks until the execution finishes or ctx is done.
	// ok is false when no live execution exists for the id.
	AwaitTerminal(ctx context.Context, id string) (ok bool, err error)
}

var _ Executor = (*GoroutineExecutor)(nil)

// GoroutineExecutor runs each task on its own goroutine and composes the
// work with a select-on-cancel: when the handle fires, the work's result
// is dropped and the completion callback observes cancelled=true.
type GoroutineExecutor struct {
	mu         sync.Mutex
	executions map[string]*execution
	logger     *zap.Logger
}

type execution struct {
	cancel *CancellationHandle
	done   chan struct{}
}

func NewGoroutineExecutor(logger *zap.Logger) *GoroutineExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoroutineExecutor{
		executions: make(map[string]*execution),
		logger:     logger.Named("task-executor"),
	}
}

func (e *GoroutineExecutor) StartTask(id string, work Work, completion func(taskstore.TaskOutcome, bool)) {
	exec := &execution{
		cancel: NewCancellationHandle(),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.executions[id] = exec
	e.mu.Unlock()

	go func() {
		defer func() {
			close(exec.done)
			e.mu.Lock()
			delete(e.executions, id)
			e.mu.Unlock()
		}()

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		resultCh := make(chan taskstore.TaskOutcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Panic in task work", zap.String("taskID", id), zap.Any("panic", r))
					resultCh <- taskstore.TaskOutcome{Error: &panicError}
				}
			}()
			resultCh <- work(ctx, exec.cancel)
		}()

		select {
		case outcome := <-resultCh:
			completion(outcome, false)
		case <-exec.cancel.Cancelled():
			// Drop the in-flight work; cancelCtx tells cooperative work to
			// stop writing.
			completion(taskstore.TaskOutcome{}, true)
		}
	}()
}

func (e *GoroutineExecutor) CancelTask(id string) bool {
	e.mu.Lock()
	exec, exists := e.executions[id]
	e.mu.Unlock()
	if !exists {
		return false
	}
	exec.cancel.Cancel()
	return true
}

func (e *GoroutineExecutor) AwaitTerminal(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	exec, exists := e.executions[id]
	e.mu.Unlock()
	if !exists {
		return false, nil
	}
	select {
	case <-exec.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}
