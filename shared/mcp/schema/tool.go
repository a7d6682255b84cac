package schema

// ToolAnnotations provides additional properties describing a Tool to clients.
// NOTE: all properties in ToolAnnotations are **hints**; clients should never
// make tool use decisions based on annotations from untrusted servers.
type ToolAnnotations struct {
	// A human-readable title for the tool.
	Title string `json:"title,omitempty"`
	// If true, the tool does not modify its environment (Default: false).
	ReadOnlyHint *bool `json:"readOnlyHint,omitempty"`
	// If true, the tool may perform destructive updates (Default: true).
	DestructiveHint *bool `json:"destructiveHint,omitempty"`
	// If true, repeated calls with same args have no additional effect (Default: false).
	IdempotentHint *bool `json:"idempotentHint,omitempty"`
	// If true, this tool may interact with an "open world" (Default: true).
	OpenWorldHint *bool `json:"openWorldHint,omitempty"`
}

// Icon is an optional visual identifier for a catalog entity.
type Icon struct {
	Src      string `json:"src"`
	MimeType string `json:"mimeType,omitempty"`
	Sizes    string `json:"sizes,omitempty"`
}

// Tool defines a callable tool the client can use.
type Tool struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	// A JSON Schema object defining the expected parameters for the tool.
	InputSchema *JSONSchemaProperty `json:"inputSchema,omitempty"`
	// Declared shape of structuredContent in results. When present, results
	// are validated against it before they are sent.
	OutputSchema *JSONSchemaProperty `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations    `json:"annotations,omitempty"`
	Icons        []Icon              `json:"icons,omitempty"`
	Meta         Meta                `json:"_meta,omitempty"`
}

// ListToolsRequestParams contains parameters for tools/list.
type ListToolsRequestParams struct {
	PaginatedRequestParams
}

// ListToolsResult is the response to tools/list.
type ListToolsResult struct {
	PaginatedResult
	Meta  Meta   `json:"_meta,omitempty"`
	Tools []Tool `json:"tools"`
}

// RequestMeta is the _meta object a request may carry in its params.
type RequestMeta struct {
	// If specified, the caller requests out-of-band progress notifications
	// carrying this token.
	ProgressToken interface{} `json:"progressToken,omitempty"`
}

// TaskMetadata marks a request as task-augmented: the server enqueues a
// task and returns a task-created sentinel instead of blocking.
type TaskMetadata struct {
	// Requested retention for the task record, in milliseconds.
	TTL *int64 `json:"ttl,omitempty"`
}

// CallToolRequestParams contains parameters for tools/call.
type CallToolRequestParams struct {
	Name string `json:"name"`
	// Arguments for the tool call. Several implementations require this
	// field to be present; send an empty object if no arguments are needed.
	Arguments Arguments     `json:"arguments"`
	Task      *TaskMetadata `json:"task,omitempty"`
	Meta      *RequestMeta  `json:"_meta,omitempty"`
}

// CallToolResult contains the result of a tool invocation.
type CallToolResult struct {
	Meta *Meta `json:"_meta,omitempty"`
	// Result content: text, image, audio or embedded-resource blocks.
	Content []Content `json:"content"`
	// Typed return value, present when the tool declares an output schema.
	StructuredContent interface{} `json:"structuredContent,omitempty"`
	// Whether the tool call ended in a business error. Transport-level
	// failures use JSON-RPC error objects instead.
	IsError bool `json:"isError,omitempty"`
}

// ToolListChangedNotification informs that available tools have changed.
type ToolListChangedNotification struct {
	Method string                 `json:"method"` // const: "notifications/tools/list_changed"
	Params map[string]interface{} `json:"params,omitempty"`
}
