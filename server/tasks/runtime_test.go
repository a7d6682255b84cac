package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, options ...RuntimeOption) *Runtime {
	t.Helper()
	return NewRuntime(taskstore.NewMemoryStorage(nil), NewGoroutineExecutor(nil), nil, options...)
}

func TestTaskCompletes(t *testing.T) {
	runtime := newRuntime(t)
	ctx := context.Background()

	record := taskstore.NewTaskRecord("sess-1", "tools/call", nil, nil)
	err := runtime.StartTask(ctx, record, func(ctx context.Context, cancel *CancellationHandle) taskstore.TaskOutcome {
		return taskstore.TaskOutcome{Result: json.RawMessage(`{"sum":8}`)}
	})
	require.NoError(t, err)

	result, err := runtime.Result(ctx, record.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":8}`, string(result))

	got, err := runtime.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)

	// tasks/result is idempotent after completion.
	result, err = runtime.Result(ctx, record.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":8}`, string(result))
}

func TestTaskFails(t *testing.T) {
	runtime := newRuntime(t)
	ctx := context.Background()

	record := taskstore.NewTaskRecord("sess-1", "tools/call", nil, nil)
	err := runtime.StartTask(ctx, record, func(ctx context.Context, cancel *CancellationHandle) taskstore.TaskOutcome {
		return taskstore.TaskOutcome{Error: &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "boom"}}
	})
	require.NoError(t, err)

	_, err = runtime.Result(ctx, record.ID)
	var rpcErr *shared.JSONRPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, shared.JSONRPCErrorInternal, rpcErr.Code)

	got, err := runtime.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, got.Status)
}

func TestTaskCancellation(t *testing.T) {
	runtime := newRuntime(t)
	ctx := context.Background()

	started := make(chan struct{})
	record := taskstore.NewTaskRecord("sess-1", "tools/call", nil, nil)
	err := runtime.StartTask(ctx, record, func(ctx context.Context, cancel *CancellationHandle) taskstore.TaskOutcome {
		close(started)
		select {
		case <-cancel.Cancelled():
			return taskstore.TaskOutcome{}
		case <-time.After(10 * time.Second):
			return taskstore.TaskOutcome{Result: json.RawMessage(`"too late"`)}
		}
	})
	require.NoError(t, err)
	<-started

	cancelled, err := runtime.Cancel(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCancelled, cancelled.Status)

	_, err = runtime.Result(ctx, record.ID)
	var rpcErr *shared.JSONRPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, shared.JSONRPCErrorTaskCancelled, rpcErr.Code)
}

func TestCancellationHandle(t *testing.T) {
	handle := NewCancellationHandle()
	assert.False(t, handle.IsCancelled())

	handle.Cancel()
	handle.Cancel() // idempotent
	assert.True(t, handle.IsCancelled())

	select {
	case <-handle.Cancelled():
	default:
		t.Fatal("Cancelled() channel should be closed")
	}
}

func TestMaxLiveTasks(t *testing.T) {
	runtime := newRuntime(t, WithMaxLiveTasks(1))
	ctx := context.Background()

	release := make(chan struct{})
	first := taskstore.NewTaskRecord("sess-1", "tools/call", nil, nil)
	err := runtime.StartTask(ctx, first, func(ctx context.Context, cancel *CancellationHandle) taskstore.TaskOutcome {
		<-release
		return taskstore.TaskOutcome{Result: json.RawMessage(`null`)}
	})
	require.NoError(t, err)

	second := taskstore.NewTaskRecord("sess-1", "tools/call", nil, nil)
	err = runtime.StartTask(ctx, second, func(ctx context.Context, cancel *CancellationHandle) taskstore.TaskOutcome {
		return taskstore.TaskOutcome{}
	})
	assert.ErrorIs(t, err, ErrTooManyTasks)

	close(release)
	_, err = runtime.Result(ctx, first.ID)
	require.NoError(t, err)
}

func TestResultPollsWithoutLiveExecution(t *testing.T) {
	// A record whose execution lives in another process: Result must poll
	// storage until the terminal transition appears.
	storage := taskstore.NewMemoryStorage(nil)
	runtime := NewRuntime(storage, NewGoroutineExecutor(nil), nil)
	ctx := context.Background()

	record := taskstore.NewTaskRecord("sess-1", "tools/call", nil, nil)
	record.PollInterval = 10
	require.NoError(t, storage.CreateTask(ctx, record))

	go func() {
		time.Sleep(30 * time.Millisecond)
		storage.SetTaskOutcome(ctx, record.ID, schema.TaskStatusCompleted, //nolint:errcheck
			&taskstore.TaskOutcome{Result: json.RawMessage(`"done"`)})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result, err := runtime.Result(waitCtx, record.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(result))
}
