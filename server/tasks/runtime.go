package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/taskstore"
	"go.uber.org/zap"
)

var panicError = shared.JSONRPCError{
	Code:    shared.JSONRPCErrorInternal,
	Message: "Internal error",
}

// ErrTooManyTasks reports that the live-task cap was reached.
var ErrTooManyTasks = errors.New("maximum number of concurrent tasks reached")

// Runtime glues task storage to a pluggable executor: it spawns work,
// enforces cancellation and records outcomes.
type Runtime struct {
	storage  taskstore.TaskStorage
	executor Executor
	logger   *zap.Logger
	live     atomic.Int64
	maxLive  int64
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithMaxLiveTasks caps concurrent executions; 0 means unlimited.
func WithMaxLiveTasks(max int) RuntimeOption {
	return func(r *Runtime) {
		r.maxLive = int64(max)
	}
}

func NewRuntime(storage taskstore.TaskStorage, executor Executor, logger *zap.Logger, options ...RuntimeOption) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		storage:  storage,
		executor: executor,
		logger:   logger.Named("task-runtime"),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Storage exposes the underlying task storage for read paths.
func (r *Runtime) Storage() taskstore.TaskStorage {
	return r.storage
}

// StartTask persists the Working record and spawns the work on the
// executor. Outcomes are validated against the state machine before the
// terminal transition is persisted.
func (r *Runtime) StartTask(ctx context.Context, record *taskstore.TaskRecord, work Work) error {
	if r.maxLive > 0 && r.live.Load() >= r.maxLive {
		return ErrTooManyTasks
	}
	if err := r.storage.CreateTask(ctx, record); err != nil {
		return fmt.Errorf("failed to create task record: %w", err)
	}
	r.live.Add(1)
	id := record.ID
	r.executor.StartTask(id, work, func(outcome taskstore.TaskOutcome, cancelled bool) {
		defer r.live.Add(-1)
		persistCtx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelPersist()

		switch {
		case cancelled:
			// tasks/cancel usually persisted the transition already; this
			// covers cancellations originating at the executor.
			if _, err := r.storage.CancelTask(persistCtx, id); err != nil {
				r.logger.Error("Failed to persist task cancellation", zap.String("taskID", id), zap.Error(err))
			}
		case outcome.Error != nil:
			if _, err := r.storage.SetTaskOutcome(persistCtx, id, schema.TaskStatusFailed, &outcome); err != nil {
				r.logStaleOutcome(id, err)
			}
		default:
			if _, err := r.storage.SetTaskOutcome(persistCtx, id, schema.TaskStatusCompleted, &outcome); err != nil {
				r.logStaleOutcome(id, err)
			}
		}
	})
	r.logger.Debug("Started task", zap.String("taskID", id), zap.String("method", record.Method))
	return nil
}

// logStaleOutcome downgrades terminal-state races (work finished while the
// task was being cancelled) to debug noise.
func (r *Runtime) logStaleOutcome(id string, err error) {
	if errors.Is(err, taskstore.ErrTerminalState) {
		r.logger.Debug("Task already terminal, outcome dropped", zap.String("taskID", id))
		return
	}
	r.logger.Error("Failed to persist task outcome", zap.String("taskID", id), zap.Error(err))
}

// Cancel transitions the record to Cancelled (unless terminal) and drops
// the in-flight work on its next poll.
func (r *Runtime) Cancel(ctx context.Context, id string) (*taskstore.TaskRecord, error) {
	record, err := r.storage.CancelTask(ctx, id)
	if err != nil {
		return nil, err
	}
	r.executor.CancelTask(id)
	return record, nil
}

// Get returns the task record.
func (r *Runtime) Get(ctx context.Context, id string) (*taskstore.TaskRecord, error) {
	return r.storage.GetTask(ctx, id)
}

// List pages the session's task records.
func (r *Runtime) List(ctx context.Context, sessionID, cursor string, limit int) ([]*taskstore.TaskRecord, string, error) {
	return r.storage.ListTasks(ctx, sessionID, cursor, limit)
}

// Result blocks until the task is terminal and returns the stored success
// payload, or the stored error. Cancelled tasks without a stored error
// yield the synthetic -32800 cancellation error.
func (r *Runtime) Result(ctx context.Context, id string) (json.RawMessage, error) {
	for {
		record, err := r.storage.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.Status.IsTerminal() {
			return terminalResult(record)
		}

		live, err := r.executor.AwaitTerminal(ctx, id)
		if err != nil {
			return nil, err
		}
		if !live {
			// No execution in this process (e.g. after restart with durable
			// storage): fall back to polling at the suggested interval.
			interval := time.Duration(record.PollInterval) * time.Millisecond
			if interval <= 0 {
				interval = 500 * time.Millisecond
			}
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

func terminalResult(record *taskstore.TaskRecord) (json.RawMessage, error) {
	switch record.Status {
	case schema.TaskStatusCompleted:
		if record.Outcome == nil {
			return json.RawMessage(`null`), nil
		}
		return record.Outcome.Result, nil
	case schema.TaskStatusFailed:
		if record.Outcome != nil && record.Outcome.Error != nil {
			return nil, record.Outcome.Error
		}
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Task failed"}
	default: // Cancelled
		if record.Outcome != nil && record.Outcome.Error != nil {
			return nil, record.Outcome.Error
		}
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorTaskCancelled, Message: "Task cancelled"}
	}
}

// StartSweeper runs the storage TTL sweep until ctx is done.
func (r *Runtime) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := r.storage.CleanupExpired(ctx)
				if err != nil {
					r.logger.Error("Task sweep failed", zap.Error(err))
				} else if swept > 0 {
					r.logger.Debug("Swept expired tasks", zap.Int("count", swept))
				}
			}
		}
	}()
}
