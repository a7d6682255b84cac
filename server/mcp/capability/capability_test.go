package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSession(t *testing.T) (*mcp.Manager, *mcp.SessionContext) {
	t.Helper()
	manager := mcp.NewManager(sessionstore.NewMemoryStorage(nil), zap.NewNop(),
		schema.Implementation{Name: "TestServer", Version: "1.0"}, "")
	session, err := manager.CreateSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Initialize("2025-06-18",
		schema.Implementation{Name: "test", Version: "1.0"}, schema.ClientCapabilities{}))
	return manager, session
}

func message(t *testing.T, session *mcp.SessionContext, method string, params interface{}) *shared.Message {
	t.Helper()
	id := schema.RequestID_FromUInt64(1)
	msg := &shared.Message{ID: &id, Method: &method, Session: session}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		rawMsg := json.RawMessage(raw)
		msg.Params = &rawMsg
	}
	return msg
}

func TestCompletionPrefixFilter(t *testing.T) {
	_, session := testSession(t)
	cc := NewCompletionCapability(zap.NewNop())
	cc.AddPromptCompletions("greeting", "name", []string{"Alice", "Albert", "Bob", "alfred"})

	result, err := cc.handleComplete(message(t, session, "completion/complete", schema.CompleteRequestParams{
		Ref:      schema.CompleteReference{Type: "ref/prompt", Name: "greeting"},
		Argument: schema.CompleteArgument{Name: "name", Value: "al"},
	}))
	require.NoError(t, err)
	completion := result.(schema.CompleteResult).Completion
	assert.ElementsMatch(t, []string{"Alice", "Albert", "alfred"}, completion.Values)
	assert.Equal(t, 3, completion.Total)
	assert.False(t, completion.HasMore)
}

func TestCompletionCap(t *testing.T) {
	_, session := testSession(t)
	cc := NewCompletionCapability(zap.NewNop())
	values := make([]string, 0, 150)
	for i := 0; i < 150; i++ {
		values = append(values, fmt.Sprintf("value-%03d", i))
	}
	cc.AddPromptCompletions("p", "arg", values)

	result, err := cc.handleComplete(message(t, session, "completion/complete", schema.CompleteRequestParams{
		Ref:      schema.CompleteReference{Type: "ref/prompt", Name: "p"},
		Argument: schema.CompleteArgument{Name: "arg", Value: "value"},
	}))
	require.NoError(t, err)
	completion := result.(schema.CompleteResult).Completion
	assert.Len(t, completion.Values, schema.MaxCompletionValues)
	assert.Equal(t, 150, completion.Total)
	assert.True(t, completion.HasMore)
}

func TestResourceTemplateExpansion(t *testing.T) {
	manager, session := testSession(t)
	rc := NewResourcesCapability(manager, zap.NewNop())

	var gotURI string
	var gotVars map[string]string
	require.NoError(t, rc.AddResourceTemplate(schema.ResourceTemplate{
		URITemplate: "file:///logs/{name}/{line}",
		Name:        "log-line",
	}, func(ctx context.Context, s shared.ISessionCtx, uri string, variables map[string]string) ([]schema.ResourceContent, error) {
		gotURI = uri
		gotVars = variables
		return []schema.ResourceContent{{URI: uri, Text: "ok"}}, nil
	}))

	result, err := rc.handleResourcesRead(message(t, session, "resources/read",
		schema.ReadResourceRequestParams{URI: "file:///logs/app/42"}))
	require.NoError(t, err)
	read := result.(schema.ReadResourceResult)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "file:///logs/app/42", gotURI)
	assert.Equal(t, map[string]string{"name": "app", "line": "42"}, gotVars)

	// Non-matching URIs are invalid params.
	_, err = rc.handleResourcesRead(message(t, session, "resources/read",
		schema.ReadResourceRequestParams{URI: "file:///other"}))
	require.Error(t, err)
	rpcErr, ok := err.(*shared.JSONRPCError)
	require.True(t, ok)
	assert.Equal(t, shared.JSONRPCErrorInvalidParams, rpcErr.Code)
}

func TestToolsListPagination(t *testing.T) {
	manager, session := testSession(t)
	tc := NewToolsCapability(manager, nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("tool-%d", i)
		require.NoError(t, tc.AddTool(Tool{
			Tool: schema.Tool{Name: name},
			Handler: func(ctx context.Context, s shared.ISessionCtx, a schema.Arguments) (*ToolResult, error) {
				return &ToolResult{}, nil
			},
		}))
	}

	page := func(cursor *schema.Cursor) schema.ListToolsResult {
		params := schema.ListToolsRequestParams{}
		params.Cursor = cursor
		result, err := tc.handleToolsList(message(t, session, "tools/list", params))
		require.NoError(t, err)
		return result.(schema.ListToolsResult)
	}

	// Force small pages through the helper directly.
	all, next, err := paginate([]schema.Tool{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	}, func(tool schema.Tool) string { return tool.Name }, nil, 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, next)

	rest, next2, err := paginate([]schema.Tool{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	}, func(tool schema.Tool) string { return tool.Name }, next, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].Name)
	assert.Nil(t, next2)

	// The full catalog fits one default page.
	first := page(nil)
	assert.Len(t, first.Tools, 5)
	assert.Nil(t, first.NextCursor)
}

func TestToolOutputSchemaEnforced(t *testing.T) {
	manager, session := testSession(t)
	tc := NewToolsCapability(manager, nil, zap.NewNop())
	require.NoError(t, tc.AddTool(Tool{
		Tool: schema.Tool{
			Name: "typed",
			OutputSchema: schema.NewObjectSchema(map[string]*schema.JSONSchemaProperty{
				"sum": schema.NewNumberSchema(""),
			}, []string{"sum"}),
		},
		Handler: func(ctx context.Context, s shared.ISessionCtx, a schema.Arguments) (*ToolResult, error) {
			return &ToolResult{StructuredContent: map[string]interface{}{"wrong": true}}, nil
		},
	}))

	_, err := tc.handleToolsCall(message(t, session, "tools/call",
		schema.CallToolRequestParams{Name: "typed", Arguments: schema.Arguments{}}))
	require.Error(t, err)
	rpcErr, ok := err.(*shared.JSONRPCError)
	require.True(t, ok)
	assert.Equal(t, shared.JSONRPCErrorInternal, rpcErr.Code)
}

func TestToolBusinessErrorBecomesIsError(t *testing.T) {
	manager, session := testSession(t)
	tc := NewToolsCapability(manager, nil, zap.NewNop())
	require.NoError(t, tc.AddTool(Tool{
		Tool: schema.Tool{Name: "failing"},
		Handler: func(ctx context.Context, s shared.ISessionCtx, a schema.Arguments) (*ToolResult, error) {
			return nil, fmt.Errorf("division by zero")
		},
	}))

	result, err := tc.handleToolsCall(message(t, session, "tools/call",
		schema.CallToolRequestParams{Name: "failing", Arguments: schema.Arguments{}}))
	require.NoError(t, err, "business errors ride in the result, not the JSON-RPC error")
	callResult := result.(*schema.CallToolResult)
	assert.True(t, callResult.IsError)
	require.Len(t, callResult.Content, 1)
	assert.Contains(t, callResult.Content[0].Text, "division by zero")
}

func TestPromptRequiredArguments(t *testing.T) {
	manager, session := testSession(t)
	pc := NewPromptsCapability(manager, zap.NewNop())
	require.NoError(t, pc.AddPrompt(schema.Prompt{
		Name:        "greeting",
		Description: "Hello {{name}}",
		Arguments:   []schema.PromptArgument{{Name: "name", Required: true}},
	}, nil))

	_, err := pc.handlePromptsGet(message(t, session, "prompts/get",
		schema.GetPromptRequestParams{Name: "greeting"}))
	require.Error(t, err)

	result, err := pc.handlePromptsGet(message(t, session, "prompts/get",
		schema.GetPromptRequestParams{Name: "greeting", Arguments: map[string]string{"name": "Ada"}}))
	require.NoError(t, err)
	got := result.(schema.GetPromptResult)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Hello Ada", got.Messages[0].Content.Text)
}

func TestCapabilityTruthfulness(t *testing.T) {
	manager, _ := testSession(t)

	// No tools registered: no tools capability bit.
	tc := NewToolsCapability(manager, nil, zap.NewNop())
	caps := schema.ServerCapabilities{}
	tc.SetCapabilities(&caps)
	assert.Nil(t, caps.Tools)

	// Resources without a subscription handler must not advertise
	// subscribe.
	rc := NewResourcesCapability(manager, zap.NewNop())
	require.NoError(t, rc.AddResource(schema.Resource{URI: "mem://x", Name: "x"},
		func(ctx context.Context, s shared.ISessionCtx, uri string, _ map[string]string) ([]schema.ResourceContent, error) {
			return nil, nil
		}))
	caps = schema.ServerCapabilities{}
	rc.SetCapabilities(&caps)
	require.NotNil(t, caps.Resources)
	assert.False(t, caps.Resources.Subscribe)

	rc.AddSubscriptionHandler(func(session shared.ISessionCtx, uri string, subscribed bool) error { return nil })
	caps = schema.ServerCapabilities{}
	rc.SetCapabilities(&caps)
	assert.True(t, caps.Resources.Subscribe)
}
