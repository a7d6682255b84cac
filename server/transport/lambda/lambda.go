// Package lambda adapts the MCP HTTP transport to AWS Lambda function
// URLs with streaming responses. The handler is built once per container
// and cached, so cold starts pay construction exactly once.
package lambda

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/mcplane/mcplane/server/transport"
	"go.uber.org/zap"
)

// HandlerFactory builds the HTTP transport once. It runs on first invoke
// inside the container; session storage for Lambda deployments defaults
// to DynamoDB, wired by the factory.
type HandlerFactory func(ctx context.Context) (*transport.Transport, error)

// Adapter translates Lambda HTTP events into the transport's normalized
// request handling.
type Adapter struct {
	factory HandlerFactory
	logger  *zap.Logger

	once      sync.Once
	transport *transport.Transport
	buildErr  error
}

func NewAdapter(factory HandlerFactory, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{factory: factory, logger: logger.Named("lambda")}
}

// Start registers the adapter with the Lambda runtime.
func (a *Adapter) Start() {
	awslambda.Start(a.Handle)
}

func (a *Adapter) getTransport(ctx context.Context) (*transport.Transport, error) {
	a.once.Do(func() {
		a.transport, a.buildErr = a.factory(ctx)
	})
	return a.transport, a.buildErr
}

// Handle processes one Lambda function-URL event. The response is returned
// in the runtime's streaming-response envelope; its body, SSE included, is
// buffered in full before it is returned.
func (a *Adapter) Handle(ctx context.Context, event events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	t, err := a.getTransport(ctx)
	if err != nil {
		a.logger.Error("Failed to build transport", zap.Error(err))
		return &events.LambdaFunctionURLStreamingResponse{StatusCode: http.StatusInternalServerError}, nil
	}

	httpReq, err := toHTTPRequest(ctx, event, t.Path())
	if err != nil {
		a.logger.Error("Failed to normalize Lambda event", zap.Error(err))
		return &events.LambdaFunctionURLStreamingResponse{StatusCode: http.StatusBadRequest}, nil
	}

	// The buffering writer drains the handler; SSE bodies arrive fully
	// buffered per invoke, which matches Lambda's response-stream flushing.
	recorder := newBufferedResponseWriter()
	t.Handle()(recorder, httpReq)

	headers := make(map[string]string, len(recorder.header))
	for name := range recorder.header {
		headers[name] = recorder.header.Get(name)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: recorder.status,
		Headers:    headers,
		Body:       &recorder.body,
	}, nil
}

// bufferedResponseWriter captures the transport's response for the Lambda
// streaming envelope. Flush is a no-op: the runtime flushes the stream.
type bufferedResponseWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.header
}

func (w *bufferedResponseWriter) Write(p []byte) (int, error) {
	return w.body.Write(p)
}

func (w *bufferedResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
}

func (w *bufferedResponseWriter) Flush() {}

func toHTTPRequest(ctx context.Context, event events.LambdaFunctionURLRequest, path string) (*http.Request, error) {
	body := event.Body
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, err
		}
		body = string(decoded)
	}

	method := event.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, value := range event.Headers {
		httpReq.Header.Set(name, value)
	}
	if event.RequestContext.HTTP.SourceIP != "" {
		httpReq.RemoteAddr = event.RequestContext.HTTP.SourceIP
	}
	return httpReq, nil
}
