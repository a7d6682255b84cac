package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
)

// GetTask fetches one task record.
func (c *Client) GetTask(ctx context.Context, taskID string) (*schema.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	var result schema.GetTaskResult
	if err := c.call(ctx, "tasks/get", schema.GetTaskRequestParams{TaskID: taskID}, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// ListTasks pages the session's tasks.
func (c *Client) ListTasks(ctx context.Context, cursor *schema.Cursor, limit int) (*schema.ListTasksResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	params := schema.ListTasksRequestParams{Limit: limit}
	params.Cursor = cursor
	var result schema.ListTasksResult
	if err := c.call(ctx, "tasks/list", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelTask requests cancellation and returns the resulting record.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*schema.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	var result schema.CancelTaskResult
	if err := c.call(ctx, "tasks/cancel", schema.CancelTaskRequestParams{TaskID: taskID}, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// GetTaskResult fetches the stored outcome of a terminal task. The server
// blocks until the task is terminal, so the long-operation budget applies.
func (c *Client) GetTaskResult(ctx context.Context, taskID string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.LongOperation)
	defer cancel()
	return c.call(ctx, "tasks/result", schema.GetTaskResultRequestParams{TaskID: taskID}, out)
}

// WaitForTask polls tasks/get at the record's suggested interval until the
// task is terminal.
func (c *Client) WaitForTask(ctx context.Context, taskID string) (*schema.Task, error) {
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		interval := time.Duration(task.PollInterval) * time.Millisecond
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

// TaskCancelled reports whether an error from GetTaskResult carries the
// synthetic cancellation code.
func TaskCancelled(err error) bool {
	var rpcErr *shared.JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == shared.JSONRPCErrorTaskCancelled
	}
	return false
}

// DecodeTaskResult is a helper for raw task results.
func DecodeTaskResult(raw json.RawMessage, out interface{}) error {
	return json.Unmarshal(raw, out)
}
