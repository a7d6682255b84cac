package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

// PromptHandler expands one prompt with the supplied arguments.
type PromptHandler func(ctx context.Context, session shared.ISessionCtx, arguments map[string]string) ([]schema.PromptMessage, error)

var _ shared.IServerCapability = (*PromptsCapability)(nil)

type promptEntry struct {
	schema.Prompt
	Handler PromptHandler
}

// PromptsCapability handles the prompt catalog and template expansion.
type PromptsCapability struct {
	manager  *mcp.Manager
	logger   *zap.Logger
	mu       sync.RWMutex
	prompts  map[string]*promptEntry
	handlers map[string]func(*shared.Message) (interface{}, error)
}

func NewPromptsCapability(manager *mcp.Manager, logger *zap.Logger) *PromptsCapability {
	pc := &PromptsCapability{
		manager: manager,
		logger:  logger.Named("prompts-capability"),
		prompts: make(map[string]*promptEntry),
	}
	pc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"prompts/list": pc.handlePromptsList,
		"prompts/get":  pc.handlePromptsGet,
	}
	return pc
}

func (pc *PromptsCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return pc.handlers
}

func (pc *PromptsCapability) SetCapabilities(s *schema.ServerCapabilities) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if len(pc.prompts) > 0 {
		s.Prompts = &schema.ListChangedCapability{ListChanged: true}
	}
}

// AddPrompt registers a prompt. When handler is nil a default substituting
// handler is used: it renders the description with {{argument}}
// placeholders replaced.
func (pc *PromptsCapability) AddPrompt(prompt schema.Prompt, handler PromptHandler) error {
	if handler == nil {
		handler = defaultPromptHandler(prompt)
	}
	pc.mu.Lock()
	if _, exists := pc.prompts[prompt.Name]; exists {
		pc.mu.Unlock()
		return fmt.Errorf("prompt with name '%s' already exists", prompt.Name)
	}
	pc.prompts[prompt.Name] = &promptEntry{Prompt: prompt, Handler: handler}
	pc.mu.Unlock()

	pc.logger.Info("Added prompt", zap.String("name", prompt.Name))
	go pc.broadcastListChanged()
	return nil
}

// DeletePrompt removes a prompt by name.
func (pc *PromptsCapability) DeletePrompt(name string) error {
	pc.mu.Lock()
	if _, exists := pc.prompts[name]; !exists {
		pc.mu.Unlock()
		return fmt.Errorf("prompt with name '%s' does not exist", name)
	}
	delete(pc.prompts, name)
	pc.mu.Unlock()

	pc.logger.Info("Deleted prompt", zap.String("name", name))
	go pc.broadcastListChanged()
	return nil
}

func defaultPromptHandler(prompt schema.Prompt) PromptHandler {
	return func(ctx context.Context, session shared.ISessionCtx, arguments map[string]string) ([]schema.PromptMessage, error) {
		text := prompt.Description
		for name, value := range arguments {
			text = strings.ReplaceAll(text, "{{"+name+"}}", value)
		}
		return []schema.PromptMessage{
			{Role: schema.RoleUser, Content: schema.NewTextContent(text)},
		}, nil
	}
}

func (pc *PromptsCapability) broadcastListChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pc.manager.NotifyEligibleSessions(ctx, "notifications/prompts/list_changed", nil)
}

func (pc *PromptsCapability) handlePromptsList(msg *shared.Message) (interface{}, error) {
	var params schema.ListPromptsRequestParams
	if msg.Params != nil {
		if err := json.Unmarshal(*msg.Params, &params); err != nil {
			return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
		}
	}

	pc.mu.RLock()
	list := make([]schema.Prompt, 0, len(pc.prompts))
	for _, entry := range pc.prompts {
		list = append(list, entry.Prompt)
	}
	pc.mu.RUnlock()

	page, next, err := paginate(list, func(p schema.Prompt) string { return p.Name }, params.Cursor, DefaultPageSize)
	if err != nil {
		return nil, err
	}
	return schema.ListPromptsResult{
		Prompts:         page,
		PaginatedResult: schema.PaginatedResult{NextCursor: next},
	}, nil
}

func (pc *PromptsCapability) handlePromptsGet(msg *shared.Message) (interface{}, error) {
	var params schema.GetPromptRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}

	pc.mu.RLock()
	entry, exists := pc.prompts[params.Name]
	pc.mu.RUnlock()
	if !exists {
		return nil, shared.NewInvalidParamsError("Prompt not found: %s", params.Name)
	}

	for _, argument := range entry.Arguments {
		if argument.Required {
			if _, present := params.Arguments[argument.Name]; !present {
				return nil, shared.NewInvalidParamsError("Missing required argument: %s", argument.Name)
			}
		}
	}

	messages, err := entry.Handler(context.Background(), msg.Session, params.Arguments)
	if err != nil {
		pc.logger.Error("Prompt handler failed", zap.String("name", params.Name), zap.Error(err))
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Failed to expand prompt"}
	}
	return schema.GetPromptResult{
		Description: entry.Description,
		Messages:    messages,
	}, nil
}
