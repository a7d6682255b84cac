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

// SamplingHandler is the application-supplied hook that produces a message
// with the host's language model. The core does not implement a model.
type SamplingHandler func(ctx context.Context, session shared.ISessionCtx, params schema.CreateMessageRequestParams) (*schema.CreateMessageResult, error)

var _ shared.IServerCapability = (*SamplingCapability)(nil)

// SamplingCapability forwards sampling/createMessage to the supplied
// handler. Task-augmentable.
type SamplingCapability struct {
	manager  *mcp.Manager
	runtime  *tasks.Runtime
	handler  SamplingHandler
	logger   *zap.Logger
	handlers map[string]func(*shared.Message) (interface{}, error)
}

func NewSamplingCapability(manager *mcp.Manager, runtime *tasks.Runtime, handler SamplingHandler, logger *zap.Logger) *SamplingCapability {
	sc := &SamplingCapability{
		manager: manager,
		runtime: runtime,
		handler: handler,
		logger:  logger.Named("sampling-capability"),
	}
	sc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"sampling/createMessage": sc.handleCreateMessage,
	}
	return sc
}

func (sc *SamplingCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return sc.handlers
}

func (sc *SamplingCapability) SetCapabilities(s *schema.ServerCapabilities) {
	// sampling/createMessage is a server-side surface here; nothing to
	// advertise in the server tree.
}

func (sc *SamplingCapability) handleCreateMessage(msg *shared.Message) (interface{}, error) {
	var params schema.CreateMessageRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}
	if len(params.Messages) == 0 {
		return nil, shared.NewInvalidParamsError("Missing messages")
	}

	version := schema.ProtocolVersion(msg.Session.ProtocolVersion())
	if params.Task != nil && sc.runtime != nil && version.SupportsTasks() {
		return sc.startSamplingTask(msg, params)
	}

	result, err := sc.handler(context.Background(), msg.Session, params)
	if err != nil {
		sc.logger.Error("Sampling handler failed", zap.Error(err))
		return nil, shared.AsJSONRPCError(err)
	}
	return result, nil
}

func (sc *SamplingCapability) startSamplingTask(msg *shared.Message, params schema.CreateMessageRequestParams) (interface{}, error) {
	sessionID := msg.Session.SessionID()
	var rawParams json.RawMessage
	if msg.Params != nil {
		rawParams = *msg.Params
	}
	record := taskstore.NewTaskRecord(sessionID, "sampling/createMessage", rawParams, params.Task)

	work := func(ctx context.Context, cancel *tasks.CancellationHandle) taskstore.TaskOutcome {
		session, err := sc.manager.BackgroundContext(sessionID)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		result, err := sc.handler(ctx, session, params)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		return taskstore.TaskOutcome{Result: raw}
	}

	if err := sc.runtime.StartTask(context.Background(), record, work); err != nil {
		sc.logger.Error("Failed to start sampling task", zap.Error(err))
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Internal error"}
	}
	return schema.CreateTaskResult{Task: record.ToTask()}, nil
}
