package taskstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]TaskStorage {
	t.Helper()
	sqlite, err := NewSqliteStorage(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]TaskStorage{
		"memory": NewMemoryStorage(nil),
		"sqlite": sqlite,
	}
}

func newWorkingTask(session string) *TaskRecord {
	return NewTaskRecord(session, "tools/call", json.RawMessage(`{"name":"slow"}`), nil)
}

func TestTaskCreateAndGet(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := newWorkingTask("sess-1")
			require.NoError(t, storage.CreateTask(ctx, record))

			assert.ErrorIs(t, storage.CreateTask(ctx, record), ErrTaskExists)

			got, err := storage.GetTask(ctx, record.ID)
			require.NoError(t, err)
			assert.Equal(t, schema.TaskStatusWorking, got.Status)
			assert.Equal(t, "sess-1", got.SessionID)
			assert.Equal(t, record.CreatedAt, got.CreatedAt, "created_at must round-trip verbatim")
			assert.Equal(t, "tools/call", got.Method)

			_, err = storage.GetTask(ctx, "no-such-task")
			assert.ErrorIs(t, err, ErrTaskNotFound)
		})
	}
}

func TestTaskTransitionRules(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := newWorkingTask("sess-1")
			require.NoError(t, storage.CreateTask(ctx, record))

			got, err := storage.UpdateTaskStatus(ctx, record.ID, schema.TaskStatusInputRequired, "waiting on user")
			require.NoError(t, err)
			assert.Equal(t, schema.TaskStatusInputRequired, got.Status)
			assert.Equal(t, "waiting on user", got.StatusMessage)

			got, err = storage.UpdateTaskStatus(ctx, record.ID, schema.TaskStatusWorking, "")
			require.NoError(t, err)
			assert.Equal(t, schema.TaskStatusWorking, got.Status)

			_, err = storage.SetTaskOutcome(ctx, record.ID, schema.TaskStatusCompleted,
				&TaskOutcome{Result: json.RawMessage(`{"sum":8}`)})
			require.NoError(t, err)

			// Terminal states are absorbing.
			_, err = storage.UpdateTaskStatus(ctx, record.ID, schema.TaskStatusWorking, "")
			assert.ErrorIs(t, err, ErrTerminalState)
			_, err = storage.SetTaskOutcome(ctx, record.ID, schema.TaskStatusFailed, &TaskOutcome{})
			assert.ErrorIs(t, err, ErrTerminalState)

			// Outcome persists for tasks/result idempotence.
			got, err = storage.GetTask(ctx, record.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Outcome)
			assert.JSONEq(t, `{"sum":8}`, string(got.Outcome.Result))
		})
	}
}

func TestTaskOutcomeRequiresTerminal(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := newWorkingTask("sess-1")
			require.NoError(t, storage.CreateTask(ctx, record))

			_, err := storage.SetTaskOutcome(ctx, record.ID, schema.TaskStatusWorking, &TaskOutcome{})
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestTaskCancel(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := newWorkingTask("sess-1")
			require.NoError(t, storage.CreateTask(ctx, record))

			got, err := storage.CancelTask(ctx, record.ID)
			require.NoError(t, err)
			assert.Equal(t, schema.TaskStatusCancelled, got.Status)

			// Cancel after terminal returns the record unchanged.
			got, err = storage.CancelTask(ctx, record.ID)
			require.NoError(t, err)
			assert.Equal(t, schema.TaskStatusCancelled, got.Status)
		})
	}
}

func TestTaskFailedOutcome(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := newWorkingTask("sess-1")
			require.NoError(t, storage.CreateTask(ctx, record))

			_, err := storage.SetTaskOutcome(ctx, record.ID, schema.TaskStatusFailed,
				&TaskOutcome{Error: &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "boom"}})
			require.NoError(t, err)

			got, err := storage.GetTask(ctx, record.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Outcome)
			require.NotNil(t, got.Outcome.Error)
			assert.Equal(t, shared.JSONRPCErrorInternal, got.Outcome.Error.Code)
		})
	}
}

func TestTaskListPagination(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i := 0; i < 5; i++ {
				record := newWorkingTask("sess-1")
				require.NoError(t, storage.CreateTask(ctx, record))
				ids = append(ids, record.ID)
				time.Sleep(2 * time.Millisecond)
			}
			other := newWorkingTask("sess-2")
			require.NoError(t, storage.CreateTask(ctx, other))

			seen := map[string]bool{}
			cursor := ""
			pages := 0
			for {
				records, next, err := storage.ListTasks(ctx, "sess-1", cursor, 2)
				require.NoError(t, err)
				pages++
				for _, r := range records {
					assert.False(t, seen[r.ID], "pages must not overlap")
					seen[r.ID] = true
					assert.Equal(t, "sess-1", r.SessionID)
				}
				if next == "" {
					break
				}
				cursor = next
			}
			assert.Equal(t, 3, pages)
			assert.Len(t, seen, 5, "pages must not leave gaps")

			// created_at DESC: the first record of the first page is the newest.
			first, _, err := storage.ListTasks(ctx, "sess-1", "", 1)
			require.NoError(t, err)
			require.Len(t, first, 1)
			assert.Equal(t, ids[len(ids)-1], first[0].ID)

			// Listing without a session yields nothing.
			records, _, err := storage.ListTasks(ctx, "", "", 10)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestTaskUpdatedAtMonotonic(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := newWorkingTask("sess-1")
			require.NoError(t, storage.CreateTask(ctx, record))

			before, err := storage.GetTask(ctx, record.ID)
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
			after, err := storage.UpdateTaskStatus(ctx, record.ID, schema.TaskStatusInputRequired, "")
			require.NoError(t, err)

			prev, err := time.Parse(time.RFC3339Nano, before.UpdatedAt)
			require.NoError(t, err)
			next, err := time.Parse(time.RFC3339Nano, after.UpdatedAt)
			require.NoError(t, err)
			assert.False(t, next.Before(prev), "updated_at must be non-decreasing")
		})
	}
}

func TestTaskCleanupExpired(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ttl := int64(1) // 1ms
			record := NewTaskRecord("sess-1", "tools/call", nil, &schema.TaskMetadata{TTL: &ttl})
			require.NoError(t, storage.CreateTask(ctx, record))
			_, err := storage.SetTaskOutcome(ctx, record.ID, schema.TaskStatusCompleted, &TaskOutcome{Result: json.RawMessage(`null`)})
			require.NoError(t, err)

			live := newWorkingTask("sess-1")
			require.NoError(t, storage.CreateTask(ctx, live))

			time.Sleep(10 * time.Millisecond)
			swept, err := storage.CleanupExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, swept)

			_, err = storage.GetTask(ctx, record.ID)
			assert.ErrorIs(t, err, ErrTaskNotFound)
			_, err = storage.GetTask(ctx, live.ID)
			assert.NoError(t, err, "non-terminal tasks are never swept")
		})
	}
}
