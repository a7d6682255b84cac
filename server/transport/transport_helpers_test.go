package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/server/mcp/capability"
	"github.com/mcplane/mcplane/server/tasks"
	"github.com/mcplane/mcplane/server/transport"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/config"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"github.com/mcplane/mcplane/storage/taskstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	Manager *mcp.Manager
	Runtime *tasks.Runtime
	Server  *httptest.Server
	URL     string
}

func setupServerTest(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.NewInternalConfig()
	cfg.ServerNameValue = "TestServer"
	cfg.ServerVersionValue = "1.0"

	manager := mcp.NewManager(sessionstore.NewMemoryStorage(nil), logger,
		schema.Implementation{Name: "TestServer", Version: "1.0"}, "")
	runtime := tasks.NewRuntime(taskstore.NewMemoryStorage(nil), tasks.NewGoroutineExecutor(nil), logger)

	toolsCap := capability.NewToolsCapability(manager, runtime, logger)
	require.NoError(t, toolsCap.AddTool(addTool()))
	require.NoError(t, toolsCap.AddTool(slowTool()))

	manager.Dispatcher().AddServerCapability(
		capability.NewBase(logger, manager),
		capability.NewLoggingCapability(logger),
		toolsCap,
		capability.NewTasksCapability(runtime, logger),
	)

	tr, err := transport.New(manager, logger, cfg, transport.WithKeepaliveInterval(time.Hour))
	require.NoError(t, err)
	mux := http.NewServeMux()
	tr.RegisterHandlers(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testEnv{
		Manager: manager,
		Runtime: runtime,
		Server:  server,
		URL:     server.URL + transport.DefaultPath,
	}
}

func addTool() capability.Tool {
	return capability.Tool{
		Tool: schema.Tool{
			Name: "add",
			InputSchema: schema.NewObjectSchema(map[string]*schema.JSONSchemaProperty{
				"a": schema.NewNumberSchema(""),
				"b": schema.NewNumberSchema(""),
			}, []string{"a", "b"}),
			OutputSchema: schema.NewObjectSchema(map[string]*schema.JSONSchemaProperty{
				"sum": schema.NewNumberSchema(""),
			}, []string{"sum"}),
		},
		Handler: func(ctx context.Context, session shared.ISessionCtx, arguments schema.Arguments) (*capability.ToolResult, error) {
			a := arguments["a"].(float64)
			b := arguments["b"].(float64)
			return &capability.ToolResult{
				Content:           []schema.Content{schema.NewTextContent(fmt.Sprintf("%g", a+b))},
				StructuredContent: map[string]interface{}{"sum": a + b},
			}, nil
		},
	}
}

func slowTool() capability.Tool {
	return capability.Tool{
		Tool: schema.Tool{Name: "slow"},
		SupportsTasks: true,
		Handler: func(ctx context.Context, session shared.ISessionCtx, arguments schema.Arguments) (*capability.ToolResult, error) {
			delay := 50 * time.Millisecond
			if ms, ok := arguments["delay_ms"].(float64); ok {
				delay = time.Duration(ms) * time.Millisecond
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &capability.ToolResult{Content: []schema.Content{schema.NewTextContent("done")}}, nil
		},
	}
}

func jsonRPCRequestBody(t *testing.T, id interface{}, method string, params interface{}) []byte {
	t.Helper()
	envelope := map[string]interface{}{"jsonrpc": "2.0", "method": method}
	if id != nil {
		envelope["id"] = id
	}
	if params != nil {
		envelope["params"] = params
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	return body
}

func postJSON(t *testing.T, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

type rpcResponse struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      *schema.RequestID     `json:"id"`
	Result  *json.RawMessage      `json:"result"`
	Error   *shared.JSONRPCError  `json:"error"`
}

func decodeRPC(t *testing.T, resp *http.Response) rpcResponse {
	t.Helper()
	defer resp.Body.Close()
	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// initializeSession runs the handshake and returns the session id.
func initializeSession(t *testing.T, env *testEnv) string {
	t.Helper()
	body := jsonRPCRequestBody(t, 1, "initialize", schema.InitializeRequestParams{
		ProtocolVersion: string(schema.LatestProtocolVersion),
		ClientInfo:      schema.Implementation{Name: "test", Version: "1.0"},
	})
	resp := postJSON(t, env.URL, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(transport.MCPSessionHeader)
	require.NotEmpty(t, sessionID)

	rpc := decodeRPC(t, resp)
	require.Nil(t, rpc.Error)

	// Confirm the handshake.
	resp = postJSON(t, env.URL, jsonRPCRequestBody(t, nil, "notifications/initialized", nil),
		map[string]string{transport.MCPSessionHeader: sessionID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	return sessionID
}
