package transport_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mcplane/mcplane/server/transport"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callToolWithTask(t *testing.T, env *testEnv, sessionID string, delayMillis int) schema.Task {
	t.Helper()
	rpc := decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 1, "tools/call", map[string]interface{}{
		"name":      "slow",
		"arguments": map[string]interface{}{"delay_ms": delayMillis},
		"task":      map[string]interface{}{"ttl": 60000},
	}), map[string]string{transport.MCPSessionHeader: sessionID}))
	require.Nil(t, rpc.Error)

	var created schema.CreateTaskResult
	require.NoError(t, json.Unmarshal(*rpc.Result, &created))
	require.NotEmpty(t, created.Task.TaskID)
	return created.Task
}

// End-to-end scenario: task-augmented call, poll until completed, fetch
// the result.
func TestTaskLifecycle(t *testing.T) {
	env := setupServerTest(t)
	sessionID := initializeSession(t, env)
	headers := map[string]string{transport.MCPSessionHeader: sessionID}

	task := callToolWithTask(t, env, sessionID, 50)
	assert.Equal(t, schema.TaskStatusWorking, task.Status)
	assert.Equal(t, int64(60000), task.TTL)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rpc := decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 2, "tasks/get",
			schema.GetTaskRequestParams{TaskID: task.TaskID}), headers))
		require.Nil(t, rpc.Error)
		var got schema.GetTaskResult
		require.NoError(t, json.Unmarshal(*rpc.Result, &got))
		if got.Task.Status == schema.TaskStatusCompleted {
			break
		}
		require.False(t, time.Now().After(deadline), "task did not complete in time (status %s)", got.Task.Status)
		time.Sleep(20 * time.Millisecond)
	}

	// tasks/result returns the underlying tool result.
	rpc := decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 3, "tasks/result",
		schema.GetTaskResultRequestParams{TaskID: task.TaskID}), headers))
	require.Nil(t, rpc.Error)
	var toolResult schema.CallToolResult
	require.NoError(t, json.Unmarshal(*rpc.Result, &toolResult))
	require.Len(t, toolResult.Content, 1)
	assert.Equal(t, "done", toolResult.Content[0].Text)

	// Idempotent after completion.
	rpc = decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 4, "tasks/result",
		schema.GetTaskResultRequestParams{TaskID: task.TaskID}), headers))
	require.Nil(t, rpc.Error)
}

// End-to-end scenario: cancel right after creation; tasks/result carries
// the -32800 cancellation.
func TestTaskCancellationOverHTTP(t *testing.T) {
	env := setupServerTest(t)
	sessionID := initializeSession(t, env)
	headers := map[string]string{transport.MCPSessionHeader: sessionID}

	task := callToolWithTask(t, env, sessionID, 5000)

	rpc := decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 2, "tasks/cancel",
		schema.CancelTaskRequestParams{TaskID: task.TaskID}), headers))
	require.Nil(t, rpc.Error)
	var cancelled schema.CancelTaskResult
	require.NoError(t, json.Unmarshal(*rpc.Result, &cancelled))
	assert.Equal(t, schema.TaskStatusCancelled, cancelled.Task.Status)

	rpc = decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 3, "tasks/result",
		schema.GetTaskResultRequestParams{TaskID: task.TaskID}), headers))
	require.NotNil(t, rpc.Error)
	assert.Equal(t, shared.JSONRPCErrorTaskCancelled, rpc.Error.Code)
}

// End-to-end scenario: session B cannot see session A's task; the
// response is indistinguishable from an unknown id.
func TestTaskCrossSessionIsolation(t *testing.T) {
	env := setupServerTest(t)
	sessionA := initializeSession(t, env)
	sessionB := initializeSession(t, env)

	task := callToolWithTask(t, env, sessionA, 50)

	for _, method := range []string{"tasks/get", "tasks/cancel", "tasks/result"} {
		rpc := decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 2, method,
			map[string]interface{}{"taskId": task.TaskID}),
			map[string]string{transport.MCPSessionHeader: sessionB}))
		require.NotNil(t, rpc.Error, method)
		assert.Equal(t, shared.JSONRPCErrorInvalidParams, rpc.Error.Code, method)
		assert.Equal(t, "Task not found", rpc.Error.Message, method)
	}

	// Identical to a genuinely unknown id.
	rpc := decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 3, "tasks/get",
		map[string]interface{}{"taskId": "nonexistent"}),
		map[string]string{transport.MCPSessionHeader: sessionB}))
	require.NotNil(t, rpc.Error)
	assert.Equal(t, "Task not found", rpc.Error.Message)
}

// A task-augmented call to a tool without task support falls back to
// synchronous execution.
func TestTaskFallbackToSynchronous(t *testing.T) {
	env := setupServerTest(t)
	sessionID := initializeSession(t, env)

	rpc := decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 1, "tools/call", map[string]interface{}{
		"name":      "add",
		"arguments": map[string]interface{}{"a": 1, "b": 2},
		"task":      map[string]interface{}{"ttl": 60000},
	}), map[string]string{transport.MCPSessionHeader: sessionID}))
	require.Nil(t, rpc.Error)

	var result schema.CallToolResult
	require.NoError(t, json.Unmarshal(*rpc.Result, &result))
	require.NotEmpty(t, result.Content, "expected an immediate CallToolResult, not a task sentinel")
}

func TestTasksList(t *testing.T) {
	env := setupServerTest(t)
	sessionID := initializeSession(t, env)
	headers := map[string]string{transport.MCPSessionHeader: sessionID}

	first := callToolWithTask(t, env, sessionID, 20)
	second := callToolWithTask(t, env, sessionID, 20)

	rpc := decodeRPC(t, postJSON(t, env.URL, jsonRPCRequestBody(t, 5, "tasks/list", nil), headers))
	require.Nil(t, rpc.Error)
	var list schema.ListTasksResult
	require.NoError(t, json.Unmarshal(*rpc.Result, &list))
	require.Len(t, list.Tasks, 2)

	ids := []string{list.Tasks[0].TaskID, list.Tasks[1].TaskID}
	assert.Contains(t, ids, first.TaskID)
	assert.Contains(t, ids, second.TaskID)
}
