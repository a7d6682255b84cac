package shared

import "github.com/mcplane/mcplane/shared/mcp/schema"

// ICapability is one MCP method family: it exposes its handlers keyed by
// method name for registration with the dispatcher.
type ICapability interface {
	GetHandlers() map[string]func(*Message) (interface{}, error)
}

// IServerCapability additionally contributes to the advertised server
// capability tree. A capability MUST only set bits for features it really
// implements at runtime.
type IServerCapability interface {
	ICapability
	SetCapabilities(s *schema.ServerCapabilities)
}

// IClientCapability contributes to the advertised client capability tree.
type IClientCapability interface {
	ICapability
	SetCapabilities(s *schema.ClientCapabilities)
}

// MessageValidator runs before dispatch and may reject a message.
type MessageValidator interface {
	Validate(*Message) error
}
