package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcplane/mcplane/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordingMiddleware struct {
	Base
	name    string
	calls   *[]string
	failVal error
}

func (m *recordingMiddleware) BeforeDispatch(ctx context.Context, req *RequestContext, session SessionView, injection *SessionInjection) error {
	*m.calls = append(*m.calls, "before:"+m.name)
	return m.failVal
}

func (m *recordingMiddleware) AfterDispatch(ctx context.Context, req *RequestContext, result *Result) error {
	*m.calls = append(*m.calls, "after:"+m.name)
	return nil
}

func TestChainOrdering(t *testing.T) {
	var calls []string
	chain := NewChain(
		&recordingMiddleware{name: "a", calls: &calls},
		&recordingMiddleware{name: "b", calls: &calls},
		&recordingMiddleware{name: "c", calls: &calls},
	)

	req := &RequestContext{Method: "tools/list", Metadata: map[string]string{}}
	succeeded, err := chain.Before(context.Background(), req, nil, NewSessionInjection())
	require.NoError(t, err)
	assert.Equal(t, 3, succeeded)

	chain.After(context.Background(), succeeded, req, &Result{})
	assert.Equal(t, []string{"before:a", "before:b", "before:c", "after:c", "after:b", "after:a"}, calls)
}

func TestChainShortCircuit(t *testing.T) {
	var calls []string
	chain := NewChain(
		&recordingMiddleware{name: "a", calls: &calls},
		&recordingMiddleware{name: "b", calls: &calls, failVal: NewForbiddenError("")},
		&recordingMiddleware{name: "c", calls: &calls},
	)

	req := &RequestContext{Method: "tools/list", Metadata: map[string]string{}}
	succeeded, err := chain.Before(context.Background(), req, nil, NewSessionInjection())
	require.Error(t, err)
	assert.Equal(t, 1, succeeded)

	var mwErr *Error
	require.True(t, errors.As(err, &mwErr))
	assert.Equal(t, shared.JSONRPCErrorForbidden, mwErr.Code)

	// Only the middleware that completed unwinds.
	chain.After(context.Background(), succeeded, req, &Result{Err: err})
	assert.Equal(t, []string{"before:a", "before:b", "after:a"}, calls)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		code int
	}{
		{NewUnauthorizedError(""), shared.JSONRPCErrorUnauthorized},
		{NewForbiddenError(""), shared.JSONRPCErrorForbidden},
		{NewBadRequestError(0, "bad"), shared.JSONRPCErrorBadRequest},
		{NewRateLimitError(60), shared.JSONRPCErrorRateLimitExceeded},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, c.err.ToJSONRPC().Code)
	}

	rpcErr := NewRateLimitError(60).ToJSONRPC()
	data, ok := rpcErr.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 60, data["retryAfter"])
}

func TestSessionInjection(t *testing.T) {
	injection := NewSessionInjection()
	require.NoError(t, injection.SetState("count", 1))
	require.NoError(t, injection.SetMetadata("tenant", "acme"))

	assert.Equal(t, json.RawMessage(`1`), injection.State()["count"])
	assert.Equal(t, json.RawMessage(`"acme"`), injection.Metadata()["tenant"])
}

func TestRateLimitMiddleware(t *testing.T) {
	m := NewRateLimitMiddleware(rate.Every(time.Minute), 5, 60)
	injection := NewSessionInjection()

	// initialize is never counted.
	initReq := &RequestContext{Method: "initialize", Metadata: map[string]string{}}
	for i := 0; i < 10; i++ {
		require.NoError(t, m.BeforeDispatch(context.Background(), initReq, nil, injection))
	}

	req := &RequestContext{Method: "tools/list", SessionID: "sess-1", Metadata: map[string]string{}}
	for i := 0; i < 5; i++ {
		require.NoError(t, m.BeforeDispatch(context.Background(), req, nil, injection), "request %d within burst", i+1)
	}
	err := m.BeforeDispatch(context.Background(), req, nil, injection)
	require.Error(t, err)
	var mwErr *Error
	require.True(t, errors.As(err, &mwErr))
	assert.Equal(t, shared.JSONRPCErrorRateLimitExceeded, mwErr.Code)

	// Other sessions have their own budget.
	other := &RequestContext{Method: "tools/list", SessionID: "sess-2", Metadata: map[string]string{}}
	assert.NoError(t, m.BeforeDispatch(context.Background(), other, nil, injection))
}

func TestAPIKeyMiddleware(t *testing.T) {
	m := NewAPIKeyMiddleware("authorization", "secret-key")
	injection := NewSessionInjection()

	req := &RequestContext{Method: "tools/list", Metadata: map[string]string{"authorization": "secret-key"}}
	require.NoError(t, m.BeforeDispatch(context.Background(), req, nil, injection))
	assert.Equal(t, json.RawMessage(`true`), injection.Metadata()["authenticated"])

	bad := &RequestContext{Method: "tools/list", Metadata: map[string]string{"authorization": "wrong"}}
	err := m.BeforeDispatch(context.Background(), bad, nil, injection)
	var mwErr *Error
	require.True(t, errors.As(err, &mwErr))
	assert.Equal(t, shared.JSONRPCErrorUnauthorized, mwErr.Code)

	missing := &RequestContext{Method: "tools/list", Metadata: map[string]string{}}
	assert.Error(t, m.BeforeDispatch(context.Background(), missing, nil, injection))
}
