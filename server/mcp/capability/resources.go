package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

// ResourceHandler produces the contents of one resource read. For
// templates, variables holds the values extracted from the URI.
type ResourceHandler func(ctx context.Context, session shared.ISessionCtx, uri string, variables map[string]string) ([]schema.ResourceContent, error)

// SubscriptionHandler observes subscribe/unsubscribe calls, e.g. to start
// watching a file.
type SubscriptionHandler func(session shared.ISessionCtx, uri string, subscribed bool) error

var _ shared.IServerCapability = (*ResourcesCapability)(nil)

type resourceEntry struct {
	schema.Resource
	Handler ResourceHandler
}

type templateEntry struct {
	schema.ResourceTemplate
	Handler ResourceHandler
	pattern *regexp.Regexp
	names   []string
}

// ResourcesCapability handles the resource catalog, template expansion at
// read time, and optional subscriptions.
type ResourcesCapability struct {
	manager   *mcp.Manager
	logger    *zap.Logger
	mu        sync.RWMutex
	resources map[string]*resourceEntry
	templates map[string]*templateEntry
	// subscriptions: session id -> set of URIs.
	subscriptions       map[string]map[string]bool
	subscriptionHandler SubscriptionHandler
	handlers            map[string]func(*shared.Message) (interface{}, error)
}

func NewResourcesCapability(manager *mcp.Manager, logger *zap.Logger) *ResourcesCapability {
	rc := &ResourcesCapability{
		manager:       manager,
		logger:        logger.Named("resources-capability"),
		resources:     make(map[string]*resourceEntry),
		templates:     make(map[string]*templateEntry),
		subscriptions: make(map[string]map[string]bool),
	}
	rc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"resources/list":           rc.handleResourcesList,
		"resources/templates/list": rc.handleTemplatesList,
		"resources/read":           rc.handleResourcesRead,
	}
	return rc
}

func (rc *ResourcesCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return rc.handlers
}

func (rc *ResourcesCapability) SetCapabilities(s *schema.ServerCapabilities) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if len(rc.resources) == 0 && len(rc.templates) == 0 {
		return
	}
	s.Resources = &schema.ResourcesServerCapability{
		// Subscribe is advertised only when the methods are registered.
		Subscribe:   rc.subscriptionHandler != nil,
		ListChanged: true,
	}
}

// AddSubscriptionHandler enables resources/subscribe and
// resources/unsubscribe. Without it the methods stay unregistered and
// return -32601.
func (rc *ResourcesCapability) AddSubscriptionHandler(handler SubscriptionHandler) {
	rc.mu.Lock()
	rc.subscriptionHandler = handler
	rc.handlers["resources/subscribe"] = rc.handleSubscribe
	rc.handlers["resources/unsubscribe"] = rc.handleUnsubscribe
	rc.mu.Unlock()
	rc.logger.Info("Resource subscriptions enabled")
}

// AddResource adds a concrete resource.
func (rc *ResourcesCapability) AddResource(resource schema.Resource, handler ResourceHandler) error {
	rc.mu.Lock()
	if _, exists := rc.resources[resource.URI]; exists {
		rc.mu.Unlock()
		return fmt.Errorf("resource with URI '%s' already exists", resource.URI)
	}
	if handler == nil {
		rc.mu.Unlock()
		return fmt.Errorf("handler cannot be nil for resource '%s'", resource.URI)
	}
	rc.resources[resource.URI] = &resourceEntry{Resource: resource, Handler: handler}
	rc.mu.Unlock()

	rc.logger.Info("Added resource", zap.String("uri", resource.URI))
	go rc.broadcastListChanged()
	return nil
}

// AddResourceTemplate adds a parametrized resource. The template uses
// RFC 6570 level-1 expressions: {variable} segments.
func (rc *ResourcesCapability) AddResourceTemplate(template schema.ResourceTemplate, handler ResourceHandler) error {
	pattern, names, err := compileURITemplate(template.URITemplate)
	if err != nil {
		return err
	}
	rc.mu.Lock()
	if _, exists := rc.templates[template.URITemplate]; exists {
		rc.mu.Unlock()
		return fmt.Errorf("resource template '%s' already exists", template.URITemplate)
	}
	if handler == nil {
		rc.mu.Unlock()
		return fmt.Errorf("handler cannot be nil for template '%s'", template.URITemplate)
	}
	rc.templates[template.URITemplate] = &templateEntry{
		ResourceTemplate: template,
		Handler:          handler,
		pattern:          pattern,
		names:            names,
	}
	rc.mu.Unlock()

	rc.logger.Info("Added resource template", zap.String("uriTemplate", template.URITemplate))
	go rc.broadcastListChanged()
	return nil
}

var templateVariable = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// compileURITemplate turns "file:///logs/{name}" into a matcher capturing
// each variable.
func compileURITemplate(template string) (*regexp.Regexp, []string, error) {
	matches := templateVariable.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return nil, nil, fmt.Errorf("template '%s' contains no {variable} expressions", template)
	}
	var builder strings.Builder
	builder.WriteString("^")
	var names []string
	last := 0
	for _, m := range matches {
		builder.WriteString(regexp.QuoteMeta(template[last:m[0]]))
		builder.WriteString(`([^/]+)`)
		names = append(names, template[m[2]:m[3]])
		last = m[1]
	}
	builder.WriteString(regexp.QuoteMeta(template[last:]))
	builder.WriteString("$")
	pattern, err := regexp.Compile(builder.String())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid template '%s': %w", template, err)
	}
	return pattern, names, nil
}

func (rc *ResourcesCapability) broadcastListChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rc.manager.NotifyEligibleSessions(ctx, "notifications/resources/list_changed", nil)
}

func (rc *ResourcesCapability) handleResourcesList(msg *shared.Message) (interface{}, error) {
	var params schema.ListResourcesRequestParams
	if msg.Params != nil {
		if err := json.Unmarshal(*msg.Params, &params); err != nil {
			return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
		}
	}

	rc.mu.RLock()
	list := make([]schema.Resource, 0, len(rc.resources))
	for _, entry := range rc.resources {
		list = append(list, entry.Resource)
	}
	rc.mu.RUnlock()

	page, next, err := paginate(list, func(r schema.Resource) string { return r.URI }, params.Cursor, DefaultPageSize)
	if err != nil {
		return nil, err
	}
	return schema.ListResourcesResult{
		Resources:       page,
		PaginatedResult: schema.PaginatedResult{NextCursor: next},
	}, nil
}

func (rc *ResourcesCapability) handleTemplatesList(msg *shared.Message) (interface{}, error) {
	var params schema.ListResourceTemplatesRequestParams
	if msg.Params != nil {
		if err := json.Unmarshal(*msg.Params, &params); err != nil {
			return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
		}
	}

	rc.mu.RLock()
	list := make([]schema.ResourceTemplate, 0, len(rc.templates))
	for _, entry := range rc.templates {
		list = append(list, entry.ResourceTemplate)
	}
	rc.mu.RUnlock()

	page, next, err := paginate(list, func(t schema.ResourceTemplate) string { return t.URITemplate }, params.Cursor, DefaultPageSize)
	if err != nil {
		return nil, err
	}
	return schema.ListResourceTemplatesResult{
		ResourceTemplates: page,
		PaginatedResult:   schema.PaginatedResult{NextCursor: next},
	}, nil
}

func (rc *ResourcesCapability) handleResourcesRead(msg *shared.Message) (interface{}, error) {
	var params schema.ReadResourceRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}
	if params.URI == "" {
		return nil, shared.NewInvalidParamsError("Missing uri")
	}

	rc.mu.RLock()
	entry, exists := rc.resources[params.URI]
	var tmpl *templateEntry
	var variables map[string]string
	if !exists {
		// Template expansion happens at read time: match the URI against
		// registered templates and extract variables.
		for _, candidate := range rc.templates {
			if m := candidate.pattern.FindStringSubmatch(params.URI); m != nil {
				tmpl = candidate
				variables = make(map[string]string, len(candidate.names))
				for i, name := range candidate.names {
					variables[name] = m[i+1]
				}
				break
			}
		}
	}
	rc.mu.RUnlock()

	var handler ResourceHandler
	switch {
	case exists:
		handler = entry.Handler
	case tmpl != nil:
		handler = tmpl.Handler
	default:
		return nil, shared.NewInvalidParamsError("Resource not found: %s", params.URI)
	}

	contents, err := handler(context.Background(), msg.Session, params.URI, variables)
	if err != nil {
		rc.logger.Error("Resource handler failed", zap.String("uri", params.URI), zap.Error(err))
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Failed to read resource"}
	}
	return schema.ReadResourceResult{Contents: contents}, nil
}

func (rc *ResourcesCapability) handleSubscribe(msg *shared.Message) (interface{}, error) {
	return rc.handleSubscription(msg, true)
}

func (rc *ResourcesCapability) handleUnsubscribe(msg *shared.Message) (interface{}, error) {
	return rc.handleSubscription(msg, false)
}

func (rc *ResourcesCapability) handleSubscription(msg *shared.Message, subscribe bool) (interface{}, error) {
	var params schema.SubscribeRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}

	sessionID := msg.Session.SessionID()
	rc.mu.Lock()
	if subscribe {
		if rc.subscriptions[sessionID] == nil {
			rc.subscriptions[sessionID] = make(map[string]bool)
		}
		rc.subscriptions[sessionID][params.URI] = true
	} else {
		delete(rc.subscriptions[sessionID], params.URI)
	}
	handler := rc.subscriptionHandler
	rc.mu.Unlock()

	if handler != nil {
		if err := handler(msg.Session, params.URI, subscribe); err != nil {
			return nil, shared.AsJSONRPCError(err)
		}
	}
	return map[string]interface{}{}, nil
}

// NotifyResourceUpdated pushes notifications/resources/updated to every
// session subscribed to the URI.
func (rc *ResourcesCapability) NotifyResourceUpdated(ctx context.Context, uri string) {
	rc.mu.RLock()
	var sessionIDs []string
	for sessionID, uris := range rc.subscriptions {
		if uris[uri] {
			sessionIDs = append(sessionIDs, sessionID)
		}
	}
	rc.mu.RUnlock()

	for _, sessionID := range sessionIDs {
		err := rc.manager.Broadcaster().Broadcast(ctx, sessionID, "notifications/resources/updated",
			schema.ResourceUpdatedNotificationParams{URI: uri})
		if err != nil {
			rc.logger.Warn("Failed to notify resource update",
				zap.String("sessionID", sessionID), zap.String("uri", uri), zap.Error(err))
		}
	}
}

// DropSession forgets a deleted session's subscriptions.
func (rc *ResourcesCapability) DropSession(sessionID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.subscriptions, sessionID)
}
