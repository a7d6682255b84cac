package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

// Client is the MCP client runtime: transport, session, retries, task
// polling and best-effort teardown on drop.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger

	clientInfo     schema.Implementation
	capabilities   schema.ClientCapabilities
	requestVersion string
	timeouts       Timeouts
	retry          RetryPolicy
	headers        map[string]string

	mu                 sync.RWMutex
	sessionID          string
	protocolVersion    string
	serverInfo         schema.Implementation
	serverCapabilities schema.ServerCapabilities

	nextID       atomic.Uint64
	disconnected atomic.Bool
	streamCancel context.CancelFunc
}

// New creates a client for the given MCP endpoint URL. A finalizer fires
// a best-effort DELETE if the client is dropped without Disconnect.
func New(endpoint string, options ...Option) (*Client, error) {
	c := &Client{
		endpoint:       endpoint,
		httpClient:     http.DefaultClient,
		logger:         zap.NewNop(),
		clientInfo:     schema.Implementation{Name: "mcplane-client", Version: "0.1.0"},
		requestVersion: string(schema.LatestProtocolVersion),
		timeouts:       DefaultTimeouts(),
		retry:          DefaultRetryPolicy(),
		headers:        map[string]string{},
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.Named("mcp-client")

	runtime.SetFinalizer(c, func(dropped *Client) {
		dropped.bestEffortDelete()
	})
	return c, nil
}

// SessionID returns the server-assigned session id after Connect.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ProtocolVersion returns the negotiated version after Connect.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

// ServerInfo returns the server implementation metadata after Connect.
func (c *Client) ServerInfo() schema.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the advertised server tree after Connect.
func (c *Client) ServerCapabilities() schema.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// Connect performs the initialize handshake, stores the session id and
// negotiated version, and confirms with notifications/initialized.
func (c *Client) Connect(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, c.timeouts.Initialization)
	defer cancel()

	params := schema.InitializeRequestParams{
		ProtocolVersion: c.requestVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.clientInfo,
	}
	var result schema.InitializeResult
	if err := c.call(initCtx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	c.mu.Lock()
	c.protocolVersion = result.ProtocolVersion
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.mu.Unlock()

	if err := c.notify(initCtx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("Failed to send initialized notification", zap.Error(err))
	}
	c.logger.Info("Connected",
		zap.String("sessionID", c.SessionID()),
		zap.String("protocolVersion", result.ProtocolVersion),
		zap.String("serverName", result.ServerInfo.Name),
	)
	return nil
}

// Disconnect sends DELETE and closes the stream. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.disconnected.Swap(true) {
		return nil
	}
	runtime.SetFinalizer(c, nil)

	c.mu.Lock()
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req, sessionID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	defer resp.Body.Close()
	c.logger.Info("Disconnected", zap.String("sessionID", sessionID))
	return nil
}

// bestEffortDelete runs from the finalizer: exactly one detached DELETE
// for a live session.
func (c *Client) bestEffortDelete() {
	if c.disconnected.Swap(true) {
		return
	}
	c.mu.RLock()
	sessionID := c.sessionID
	c.mu.RUnlock()
	if sessionID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeouts.Request)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
		if err != nil {
			return
		}
		c.applyHeaders(req, sessionID)
		if resp, err := c.httpClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()
}

func (c *Client) applyHeaders(req *http.Request, sessionID string) {
	for name, value := range c.headers {
		req.Header.Set(name, value)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	c.mu.RLock()
	if c.protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", c.protocolVersion)
	}
	c.mu.RUnlock()
}

// call sends one request and decodes its result into out, applying the
// retry policy to retryable failures.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	return c.withRetry(ctx, func() error {
		return c.doCall(ctx, method, params, out)
	})
}

func (c *Client) doCall(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := schema.RequestID_FromUInt64(c.nextID.Add(1))
	envelope := shared.JSONRPCRequestEnvelope{
		JSONRPC: shared.JSONRPCVersion,
		ID:      &id,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		rawMsg := json.RawMessage(raw)
		envelope.Params = &rawMsg
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	c.mu.RLock()
	sessionID := c.sessionID
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.applyHeaders(req, sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport failure: %w", err)
	}
	defer resp.Body.Close()

	if newSession := resp.Header.Get("Mcp-Session-Id"); newSession != "" {
		c.mu.Lock()
		c.sessionID = newSession
		c.mu.Unlock()
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var message shared.JSONRPCMessage
	if err := json.Unmarshal(respBody, &message); err != nil {
		return fmt.Errorf("invalid JSON-RPC response (status %d): %w", resp.StatusCode, err)
	}
	if message.Error != nil {
		return message.Error
	}
	if out != nil {
		var raw json.RawMessage
		// Re-decode the full envelope to pick up the result field.
		var full struct {
			Result *json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(respBody, &full); err != nil || full.Result == nil {
			return fmt.Errorf("response carries no result")
		}
		raw = *full.Result
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// notify sends a notification; the server answers 202 with no body.
func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	envelope := shared.JSONRPCRequestEnvelope{
		JSONRPC: shared.JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		rawMsg := json.RawMessage(raw)
		envelope.Params = &rawMsg
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	c.mu.RLock()
	sessionID := c.sessionID
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.applyHeaders(req, sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}
	return nil
}

// Ping checks the server is alive.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	var result map[string]interface{}
	return c.call(ctx, "ping", nil, &result)
}

// ListTools fetches one page of the tool catalog.
func (c *Client) ListTools(ctx context.Context, cursor *schema.Cursor) (*schema.ListToolsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	params := schema.ListToolsRequestParams{}
	params.Cursor = cursor
	var result schema.ListToolsResult
	if err := c.call(ctx, "tools/list", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ToolCallResponse is either an immediate result or a created task.
type ToolCallResponse struct {
	Immediate *schema.CallToolResult
	Task      *schema.Task
}

// CallTool invokes a tool synchronously.
func (c *Client) CallTool(ctx context.Context, name string, arguments schema.Arguments) (*schema.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.LongOperation)
	defer cancel()
	params := schema.CallToolRequestParams{Name: name, Arguments: arguments}
	if params.Arguments == nil {
		params.Arguments = schema.Arguments{}
	}
	var result schema.CallToolResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallToolWithTask requests asynchronous execution. Servers that do not
// support tasks for the tool fall back to synchronous execution, so the
// response is either a task or an immediate result.
func (c *Client) CallToolWithTask(ctx context.Context, name string, arguments schema.Arguments, ttlMillis int64) (*ToolCallResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	params := schema.CallToolRequestParams{
		Name:      name,
		Arguments: arguments,
		Task:      &schema.TaskMetadata{TTL: &ttlMillis},
	}
	if params.Arguments == nil {
		params.Arguments = schema.Arguments{}
	}

	var raw json.RawMessage
	if err := c.call(ctx, "tools/call", params, &raw); err != nil {
		return nil, err
	}

	var taskResult schema.CreateTaskResult
	if err := json.Unmarshal(raw, &taskResult); err == nil && taskResult.Task.TaskID != "" {
		return &ToolCallResponse{Task: &taskResult.Task}, nil
	}
	var immediate schema.CallToolResult
	if err := json.Unmarshal(raw, &immediate); err != nil {
		return nil, fmt.Errorf("failed to decode tool call response: %w", err)
	}
	return &ToolCallResponse{Immediate: &immediate}, nil
}

// ListResources fetches one page of the resource catalog.
func (c *Client) ListResources(ctx context.Context, cursor *schema.Cursor) (*schema.ListResourcesResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	params := schema.ListResourcesRequestParams{}
	params.Cursor = cursor
	var result schema.ListResourcesResult
	if err := c.call(ctx, "resources/list", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*schema.ReadResourceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	var result schema.ReadResourceResult
	if err := c.call(ctx, "resources/read", schema.ReadResourceRequestParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts fetches one page of the prompt catalog.
func (c *Client) ListPrompts(ctx context.Context, cursor *schema.Cursor) (*schema.ListPromptsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	params := schema.ListPromptsRequestParams{}
	params.Cursor = cursor
	var result schema.ListPromptsResult
	if err := c.call(ctx, "prompts/list", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPrompt expands a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*schema.GetPromptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	var result schema.GetPromptResult
	if err := c.call(ctx, "prompts/get", schema.GetPromptRequestParams{Name: name, Arguments: arguments}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Complete asks for completion candidates.
func (c *Client) Complete(ctx context.Context, params schema.CompleteRequestParams) (*schema.CompleteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	var result schema.CompleteResult
	if err := c.call(ctx, "completion/complete", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetLogLevel sets the session's notification severity threshold.
func (c *Client) SetLogLevel(ctx context.Context, level schema.LoggingLevel) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	var result map[string]interface{}
	return c.call(ctx, "logging/setLevel", schema.SetLevelRequestParams{Level: level}, &result)
}

// ListRoots fetches the configured roots.
func (c *Client) ListRoots(ctx context.Context) (*schema.ListRootsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()
	var result schema.ListRootsResult
	if err := c.call(ctx, "roots/list", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
