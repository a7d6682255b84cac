package capability

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

// CompletionHandler returns the full candidate set for one reference and
// argument; the capability applies the filter policy and the cap.
type CompletionHandler func(ref schema.CompleteReference, argument string) []string

var _ shared.IServerCapability = (*CompletionCapability)(nil)

// CompletionCapability handles completion/complete. The default policy is
// a case-insensitive prefix match over the registered candidate set,
// capped at schema.MaxCompletionValues.
type CompletionCapability struct {
	logger *zap.Logger
	mu     sync.RWMutex
	// Static candidates keyed by reference key then argument name.
	static   map[string]map[string][]string
	handler  CompletionHandler
	handlers map[string]func(*shared.Message) (interface{}, error)
}

func NewCompletionCapability(logger *zap.Logger) *CompletionCapability {
	cc := &CompletionCapability{
		logger: logger.Named("completion-capability"),
		static: make(map[string]map[string][]string),
	}
	cc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"completion/complete": cc.handleComplete,
	}
	return cc
}

func (cc *CompletionCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return cc.handlers
}

func (cc *CompletionCapability) SetCapabilities(s *schema.ServerCapabilities) {
	s.Completions = &schema.Capability{}
}

func referenceKey(ref schema.CompleteReference) string {
	if ref.Type == "ref/prompt" {
		return ref.Type + ":" + ref.Name
	}
	return ref.Type + ":" + ref.URI
}

// AddPromptCompletions registers static candidates for one prompt argument.
func (cc *CompletionCapability) AddPromptCompletions(promptName, argumentName string, values []string) {
	cc.addStatic("ref/prompt:"+promptName, argumentName, values)
}

// AddResourceCompletions registers static candidates for one resource
// template variable.
func (cc *CompletionCapability) AddResourceCompletions(uriTemplate, argumentName string, values []string) {
	cc.addStatic("ref/resource:"+uriTemplate, argumentName, values)
}

func (cc *CompletionCapability) addStatic(key, argumentName string, values []string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.static[key] == nil {
		cc.static[key] = make(map[string][]string)
	}
	cc.static[key][argumentName] = append([]string(nil), values...)
}

// SetHandler installs a dynamic candidate source consulted when no static
// candidates match.
func (cc *CompletionCapability) SetHandler(handler CompletionHandler) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.handler = handler
}

func (cc *CompletionCapability) handleComplete(msg *shared.Message) (interface{}, error) {
	var params schema.CompleteRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}

	cc.mu.RLock()
	var candidates []string
	if byArg, exists := cc.static[referenceKey(params.Ref)]; exists {
		candidates = byArg[params.Argument.Name]
	}
	handler := cc.handler
	cc.mu.RUnlock()

	if candidates == nil && handler != nil {
		candidates = handler(params.Ref, params.Argument.Name)
	}

	// Default policy: case-insensitive prefix match.
	prefix := strings.ToLower(params.Argument.Value)
	var matched []string
	for _, candidate := range candidates {
		if strings.HasPrefix(strings.ToLower(candidate), prefix) {
			matched = append(matched, candidate)
		}
	}
	sort.Strings(matched)

	total := len(matched)
	hasMore := false
	if len(matched) > schema.MaxCompletionValues {
		matched = matched[:schema.MaxCompletionValues]
		hasMore = true
	}
	if matched == nil {
		matched = []string{}
	}
	return schema.CompleteResult{
		Completion: schema.CompletionInfo{
			Values:  matched,
			Total:   total,
			HasMore: hasMore,
		},
	}, nil
}
