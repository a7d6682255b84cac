package schema

// Prompt describes a named prompt template the client can fetch.
type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Icons       []Icon           `json:"icons,omitempty"`
	Meta        Meta             `json:"_meta,omitempty"`
}

// PromptArgument describes one substitutable argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of an expanded prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ListPromptsRequestParams contains parameters for prompts/list.
type ListPromptsRequestParams struct {
	PaginatedRequestParams
}

// ListPromptsResult is the response to prompts/list.
type ListPromptsResult struct {
	PaginatedResult
	Meta    Meta     `json:"_meta,omitempty"`
	Prompts []Prompt `json:"prompts"`
}

// GetPromptRequestParams contains parameters for prompts/get.
type GetPromptRequestParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the response to prompts/get: the template expanded
// with the supplied arguments.
type GetPromptResult struct {
	Meta        Meta            `json:"_meta,omitempty"`
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptListChangedNotification informs that the prompt list changed.
type PromptListChangedNotification struct {
	Method string                 `json:"method"` // const: "notifications/prompts/list_changed"
	Params map[string]interface{} `json:"params,omitempty"`
}
