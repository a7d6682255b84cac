package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/server/tasks"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/taskstore"
	"go.uber.org/zap"
)

// ToolResult is what a tool handler produces on success.
type ToolResult struct {
	Content           []schema.Content
	StructuredContent interface{}
	Meta              *schema.Meta
}

// ToolHandler executes one tool call. A returned error is a business
// error: it becomes CallToolResult{isError: true}, not a JSON-RPC error.
type ToolHandler func(ctx context.Context, session shared.ISessionCtx, arguments schema.Arguments) (*ToolResult, error)

var _ shared.IServerCapability = (*ToolsCapability)(nil)

// Tool pairs the catalog entry with its executor.
type Tool struct {
	schema.Tool
	Handler ToolHandler
	// Whether task-augmented calls are honored for this tool. Calls with
	// task metadata against a non-supporting tool fall back to synchronous
	// execution.
	SupportsTasks bool
}

// ToolsCapability handles tool registration and invocation.
type ToolsCapability struct {
	manager  *mcp.Manager
	runtime  *tasks.Runtime // nil when the server runs without tasks
	logger   *zap.Logger
	mu       sync.RWMutex
	tools    map[string]*Tool
	handlers map[string]func(*shared.Message) (interface{}, error)
}

// NewToolsCapability creates a new ToolsCapability. runtime may be nil for
// servers that never execute task-augmented calls.
func NewToolsCapability(manager *mcp.Manager, runtime *tasks.Runtime, logger *zap.Logger) *ToolsCapability {
	tc := &ToolsCapability{
		manager: manager,
		runtime: runtime,
		logger:  logger.Named("tools-capability"),
		tools:   make(map[string]*Tool),
	}
	tc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"tools/list": tc.handleToolsList,
		"tools/call": tc.handleToolsCall,
	}
	return tc
}

func (tc *ToolsCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return tc.handlers
}

func (tc *ToolsCapability) SetCapabilities(s *schema.ServerCapabilities) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if len(tc.tools) > 0 {
		// ListChanged is true because Add/Update/Delete really broadcast.
		s.Tools = &schema.ListChangedCapability{ListChanged: true}
	}
}

// AddTool adds a new tool to the catalog.
func (tc *ToolsCapability) AddTool(tool Tool) error {
	tc.mu.Lock()
	if _, exists := tc.tools[tool.Name]; exists {
		tc.mu.Unlock()
		return fmt.Errorf("tool with name '%s' already exists", tool.Name)
	}
	if tool.Handler == nil {
		tc.mu.Unlock()
		return fmt.Errorf("handler cannot be nil for tool '%s'", tool.Name)
	}
	tc.tools[tool.Name] = &tool
	tc.mu.Unlock()

	tc.logger.Info("Added tool", zap.String("name", tool.Name))
	go tc.broadcastToolsChanged()
	return nil
}

// UpdateTool replaces an existing tool.
func (tc *ToolsCapability) UpdateTool(tool Tool) error {
	tc.mu.Lock()
	if _, exists := tc.tools[tool.Name]; !exists {
		tc.mu.Unlock()
		return fmt.Errorf("tool with name '%s' does not exist", tool.Name)
	}
	tc.tools[tool.Name] = &tool
	tc.mu.Unlock()

	tc.logger.Info("Updated tool", zap.String("name", tool.Name))
	go tc.broadcastToolsChanged()
	return nil
}

// DeleteTool removes a tool by name.
func (tc *ToolsCapability) DeleteTool(name string) error {
	tc.mu.Lock()
	if _, exists := tc.tools[name]; !exists {
		tc.mu.Unlock()
		return fmt.Errorf("tool with name '%s' does not exist", name)
	}
	delete(tc.tools, name)
	tc.mu.Unlock()

	tc.logger.Info("Deleted tool", zap.String("name", name))
	go tc.broadcastToolsChanged()
	return nil
}

func (tc *ToolsCapability) broadcastToolsChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tc.manager.NotifyEligibleSessions(ctx, "notifications/tools/list_changed", nil)
}

func (tc *ToolsCapability) handleToolsList(msg *shared.Message) (interface{}, error) {
	var params schema.ListToolsRequestParams
	if msg.Params != nil {
		if err := json.Unmarshal(*msg.Params, &params); err != nil {
			return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
		}
	}

	tc.mu.RLock()
	toolsList := make([]schema.Tool, 0, len(tc.tools))
	for _, tool := range tc.tools {
		toolsList = append(toolsList, tool.Tool)
	}
	tc.mu.RUnlock()

	page, next, err := paginate(toolsList, func(t schema.Tool) string { return t.Name }, params.Cursor, DefaultPageSize)
	if err != nil {
		return nil, err
	}
	return schema.ListToolsResult{
		Tools:           page,
		PaginatedResult: schema.PaginatedResult{NextCursor: next},
	}, nil
}

func (tc *ToolsCapability) handleToolsCall(msg *shared.Message) (interface{}, error) {
	logger := tc.logger.With(zap.String("sessionID", msg.Session.SessionID()), zap.String("method", "tools/call"))

	var params schema.CallToolRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}
	logger = logger.With(zap.String("toolName", params.Name))

	tc.mu.RLock()
	tool, exists := tc.tools[params.Name]
	tc.mu.RUnlock()
	if !exists {
		logger.Warn("Tool not found")
		return nil, shared.NewInvalidParamsError("Tool not found: %s", params.Name)
	}

	if tool.InputSchema != nil {
		if err := tool.InputSchema.Validate(decodeForValidation(params.Arguments)); err != nil {
			logger.Debug("Tool arguments failed schema validation", zap.Error(err))
			return nil, shared.NewInvalidParamsError("Invalid arguments: %v", err)
		}
	}

	// Task-augmented execution: enqueue and return the task-created
	// sentinel. Falls back to synchronous execution when the tool, the
	// runtime or the negotiated version does not support tasks.
	version := schema.ProtocolVersion(msg.Session.ProtocolVersion())
	if params.Task != nil && tc.runtime != nil && tool.SupportsTasks && version.SupportsTasks() {
		return tc.startToolTask(msg, tool, params, logger)
	}

	result, err := tc.executeTool(context.Background(), msg.Session, tool, params.Arguments)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// executeTool runs the handler and shapes the CallToolResult, including
// output-schema validation of structured content.
func (tc *ToolsCapability) executeTool(ctx context.Context, session shared.ISessionCtx, tool *Tool, arguments schema.Arguments) (*schema.CallToolResult, error) {
	startTime := time.Now()
	result, err := tool.Handler(ctx, session, arguments)
	duration := time.Since(startTime)

	if err != nil {
		tc.logger.Debug("Tool handler returned an error", zap.String("toolName", tool.Name), zap.Error(err), zap.Duration("duration", duration))
		return &schema.CallToolResult{Content: contentForError(err), IsError: true}, nil
	}
	if result == nil {
		result = &ToolResult{}
	}
	if tool.OutputSchema != nil && result.StructuredContent != nil {
		if err := validateStructured(tool.OutputSchema, result.StructuredContent); err != nil {
			tc.logger.Error("Tool produced structured content violating its output schema",
				zap.String("toolName", tool.Name), zap.Error(err))
			return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Tool output failed schema validation"}
		}
	}
	content := result.Content
	if content == nil {
		content = []schema.Content{}
	}
	tc.logger.Info("Tool call successful", zap.String("toolName", tool.Name), zap.Duration("duration", duration))
	return &schema.CallToolResult{
		Meta:              result.Meta,
		Content:           content,
		StructuredContent: result.StructuredContent,
	}, nil
}

// startToolTask creates the Working record and spawns the call on the
// executor. The work runs against a background session context because it
// outlives the request.
func (tc *ToolsCapability) startToolTask(msg *shared.Message, tool *Tool, params schema.CallToolRequestParams, logger *zap.Logger) (interface{}, error) {
	sessionID := msg.Session.SessionID()
	var rawParams json.RawMessage
	if msg.Params != nil {
		rawParams = *msg.Params
	}
	record := taskstore.NewTaskRecord(sessionID, "tools/call", rawParams, params.Task)

	work := func(ctx context.Context, cancel *tasks.CancellationHandle) taskstore.TaskOutcome {
		session, err := tc.manager.BackgroundContext(sessionID)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		result, err := tc.executeTool(ctx, session, tool, params.Arguments)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return taskstore.TaskOutcome{Error: shared.AsJSONRPCError(err)}
		}
		return taskstore.TaskOutcome{Result: raw}
	}

	if err := tc.runtime.StartTask(context.Background(), record, work); err != nil {
		logger.Error("Failed to start task", zap.Error(err))
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Internal error"}
	}
	logger.Info("Task-augmented tool call enqueued", zap.String("taskID", record.ID))
	return schema.CreateTaskResult{Task: record.ToTask()}, nil
}

// decodeForValidation re-decodes the argument map through encoding/json so
// the validator sees canonical generic types.
func decodeForValidation(arguments schema.Arguments) interface{} {
	if arguments == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(arguments)
	if err != nil {
		return map[string]interface{}(arguments)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]interface{}(arguments)
	}
	return decoded
}

func validateStructured(outputSchema *schema.JSONSchemaProperty, structured interface{}) error {
	raw, err := json.Marshal(structured)
	if err != nil {
		return err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return outputSchema.Validate(decoded)
}
