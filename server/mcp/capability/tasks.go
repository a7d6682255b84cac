package capability

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mcplane/mcplane/server/tasks"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/taskstore"
	"go.uber.org/zap"
)

var _ shared.IServerCapability = (*TasksCapability)(nil)

// TasksCapability handles tasks/get, tasks/list, tasks/cancel and
// tasks/result. There is no tasks/create: records come from task-augmented
// calls. Task access is session-isolated; a foreign task id is
// indistinguishable from a non-existent one.
type TasksCapability struct {
	runtime  *tasks.Runtime
	logger   *zap.Logger
	handlers map[string]func(*shared.Message) (interface{}, error)
}

func NewTasksCapability(runtime *tasks.Runtime, logger *zap.Logger) *TasksCapability {
	tc := &TasksCapability{
		runtime: runtime,
		logger:  logger.Named("tasks-capability"),
	}
	tc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"tasks/get":    tc.handleGet,
		"tasks/list":   tc.handleList,
		"tasks/cancel": tc.handleCancel,
		"tasks/result": tc.handleResult,
	}
	return tc
}

func (tc *TasksCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return tc.handlers
}

func (tc *TasksCapability) SetCapabilities(s *schema.ServerCapabilities) {
	s.Tasks = &schema.Capability{}
}

var errTaskNotFound = shared.NewInvalidParamsError("Task not found")

// loadOwnTask fetches the record and enforces session isolation. Storage
// errors and foreign-session hits produce the same response; the foreign
// id is never logged against the calling session.
func (tc *TasksCapability) loadOwnTask(msg *shared.Message, taskID string) (*taskstore.TaskRecord, *shared.JSONRPCError) {
	if taskID == "" {
		return nil, shared.NewInvalidParamsError("Missing taskId")
	}
	record, err := tc.runtime.Get(context.Background(), taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			return nil, errTaskNotFound
		}
		tc.logger.Error("Task lookup failed", zap.Error(err))
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Internal error"}
	}
	if record.SessionID != "" && record.SessionID != msg.Session.SessionID() {
		return nil, errTaskNotFound
	}
	return record, nil
}

func (tc *TasksCapability) handleGet(msg *shared.Message) (interface{}, error) {
	var params schema.GetTaskRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}
	record, rpcErr := tc.loadOwnTask(msg, params.TaskID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return schema.GetTaskResult{Task: record.ToTask()}, nil
}

func (tc *TasksCapability) handleList(msg *shared.Message) (interface{}, error) {
	var params schema.ListTasksRequestParams
	if msg.Params != nil {
		if err := json.Unmarshal(*msg.Params, &params); err != nil {
			return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
		}
	}
	cursor := ""
	if params.Cursor != nil {
		cursor = *params.Cursor
	}

	records, next, err := tc.runtime.List(context.Background(), msg.Session.SessionID(), cursor, params.Limit)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			return nil, errTaskNotFound
		}
		return nil, shared.NewInvalidParamsError("Invalid cursor")
	}

	list := make([]schema.Task, 0, len(records))
	for _, record := range records {
		list = append(list, record.ToTask())
	}
	result := schema.ListTasksResult{Tasks: list}
	if next != "" {
		result.NextCursor = &next
	}
	return result, nil
}

func (tc *TasksCapability) handleCancel(msg *shared.Message) (interface{}, error) {
	var params schema.CancelTaskRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}
	if _, rpcErr := tc.loadOwnTask(msg, params.TaskID); rpcErr != nil {
		return nil, rpcErr
	}

	record, err := tc.runtime.Cancel(context.Background(), params.TaskID)
	if err != nil {
		tc.logger.Error("Task cancellation failed", zap.String("taskID", params.TaskID), zap.Error(err))
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Internal error"}
	}
	return schema.CancelTaskResult{Task: record.ToTask()}, nil
}

func (tc *TasksCapability) handleResult(msg *shared.Message) (interface{}, error) {
	var params schema.GetTaskResultRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}
	if _, rpcErr := tc.loadOwnTask(msg, params.TaskID); rpcErr != nil {
		return nil, rpcErr
	}

	result, err := tc.runtime.Result(context.Background(), params.TaskID)
	if err != nil {
		return nil, shared.AsJSONRPCError(err)
	}
	return result, nil
}
