package capability

import (
	"context"
	"encoding/json"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/server/tasks"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/taskstore"
	"go.uber.org/zap"
)

// ElicitationHandler is the application-supplied hook that collects
// structured user input against the requested schema.
type ElicitationHandler func(ctx context.Context, session shared.ISessionCtx, params schema.ElicitRequestParams) (*schema.ElicitResult, error)

var _ shared.IServerCapability = (*ElicitationCapability)(nil)

// ElicitationCapability forwards elicitation/create to the supplied
// handler and validates accepted content against the requested schema.
// Task-augmentable.
type ElicitationCapability struct {
	manager  *mcp.Manager
	runtime  *tasks.Runtime
	handler  ElicitationHandler
	logger   *zap.Logger
	handlers map[string]func(*shared.Message) (interface{}, error)
}

func NewElicitationCapability(manager *mcp.Manager, runtime *tasks.Runtime, handler ElicitationHandler, logger *zap.Logger) *ElicitationCapability {
	ec := &ElicitationCapability{
		manager: manager,
		runtime: runtime,
		handler: handler,
		logger:  logger.Named("elicitation-capability"),
	}
	ec.handlers = map[string]func(*shared.Message) (interface{}, error){
		"elicitation/create": ec.handleElicit,
	}
	return ec
}

func (ec *ElicitationCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return ec.handlers
}

func (ec *ElicitationCapability) SetCapabilities(s *schema.ServerCapabilities) {
}

func (ec *ElicitationCapability) handleElicit(msg *shared.Message) (interface{}, error) {
	var params schema.ElicitRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}
	if params.RequestedSchema == nil {
		return nil, shared.NewInvalidParamsError("Missing requestedSchema")
	}

	version := schema.ProtocolVersion(msg.Session.ProtocolVersion())
	if !version.SupportsElicitation() {
		return nil, shared.NewMethodNotFoundError("elicitation/create")
	}
	if params.Task != nil && ec.runtime != nil && version.SupportsTasks() {
		return ec.startElicitationTask(msg, params)
	}

	result, err := ec.elicit(context.Background(), msg.Session, params)
	if err != nil {
		return nil, shared.AsJSONRPCError(err)
	}
	return result, nil
}

func (ec *ElicitationCapability) elicit(ctx context.Context, session shared.ISessionCtx, params schema.ElicitRequestParams) (*schema.ElicitResult, error) {
	result, err := ec.handler(ctx, session, params)
	if err != nil {
		ec.logger.Error("Elicitation handler failed", zap.Error(err))
		return nil, err
	}
	if result.Action == schema.ElicitActionAccept && params.RequestedSchema != nil {
		decoded := decodeForValidation(result.Content)
		if err := params.RequestedSchema.Validate(decoded); err != nil {
			return nil, shared.NewInvalidParamsError("Elicited content failed schema validation: %v", err)
		}
	}
	return result, nil
}

func (ec *ElicitationCapability) startElicitationTask(msg *shared.Message, params schema.ElicitRequestParams) (interface{}, error) {
	sessionID := msg.Session.SessionID()
	var rawParams json.RawMessage
	if msg.Params != nil {
		rawParams = *msg.Params
	}
	record := taskstore.NewTaskRecord(sessionID, "elicitation/create", rawParams, params.Task)

	work := func(ctx context.Context, cancel *tasks.CancellationHandle) taskstore.TaskOutcome {
		session, err := ec.manager.BackgroundContext(sessionID)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		result, err := ec.elicit(ctx, session, params)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		return taskstore.TaskOutcome{Result: raw}
	}

	if err := ec.runtime.StartTask(context.Background(), record, work); err != nil {
		ec.logger.Error("Failed to start elicitation task", zap.Error(err))
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Internal error"}
	}
	return schema.CreateTaskResult{Task: record.ToTask()}, nil
}
