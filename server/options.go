package server

import (
	"github.com/mcplane/mcplane/server/mcp/capability"
	"github.com/mcplane/mcplane/server/middleware"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"github.com/mcplane/mcplane/storage/taskstore"
)

func implementationInfo(name, version string) schema.Implementation {
	return schema.Implementation{Name: name, Version: version}
}

// WithSessionStorage overrides the default in-memory session storage.
func WithSessionStorage(storage sessionstore.SessionStorage) ServerOption {
	return func(b *ServerBuilder) error {
		b.sessionStorage = storage
		return nil
	}
}

// WithTaskStorage overrides the default in-memory task storage.
func WithTaskStorage(storage taskstore.TaskStorage) ServerOption {
	return func(b *ServerBuilder) error {
		b.taskStorage = storage
		return nil
	}
}

// WithMiddleware appends a middleware to the dispatch chain, in
// registration order.
func WithMiddleware(m middleware.Middleware) ServerOption {
	return func(b *ServerBuilder) error {
		if err := b.EnsureMCPBaseCapability(); err != nil {
			return err
		}
		b.manager.Dispatcher().UseMiddleware(m)
		return nil
	}
}

// WithValidator appends message validators run before dispatch.
func WithValidator(validators ...shared.MessageValidator) ServerOption {
	return func(b *ServerBuilder) error {
		if err := b.EnsureMCPBaseCapability(); err != nil {
			return err
		}
		b.manager.Dispatcher().AddValidator(validators...)
		return nil
	}
}

// WithMCPTool is a server option to add an MCP tool.
func WithMCPTool(tool capability.Tool) ServerOption {
	return func(b *ServerBuilder) error {
		toolsCap, err := b.EnsureToolsCapability()
		if err != nil {
			return err
		}
		return toolsCap.AddTool(tool)
	}
}

// WithMCPResource is a server option to add an MCP resource.
func WithMCPResource(resource schema.Resource, handler capability.ResourceHandler) ServerOption {
	return func(b *ServerBuilder) error {
		resCap, err := b.EnsureResourcesCapability()
		if err != nil {
			return err
		}
		return resCap.AddResource(resource, handler)
	}
}

// WithMCPResourceTemplate is a server option to add a parametrized
// resource.
func WithMCPResourceTemplate(template schema.ResourceTemplate, handler capability.ResourceHandler) ServerOption {
	return func(b *ServerBuilder) error {
		resCap, err := b.EnsureResourcesCapability()
		if err != nil {
			return err
		}
		return resCap.AddResourceTemplate(template, handler)
	}
}

// WithMCPSubscriptionHandler enables resources/subscribe and unsubscribe.
func WithMCPSubscriptionHandler(handler capability.SubscriptionHandler) ServerOption {
	return func(b *ServerBuilder) error {
		resCap, err := b.EnsureResourcesCapability()
		if err != nil {
			return err
		}
		resCap.AddSubscriptionHandler(handler)
		return nil
	}
}

// WithMCPPrompt is a server option to add an MCP prompt.
func WithMCPPrompt(prompt schema.Prompt, handler capability.PromptHandler) ServerOption {
	return func(b *ServerBuilder) error {
		promptsCap, err := b.EnsurePromptsCapability()
		if err != nil {
			return err
		}
		return promptsCap.AddPrompt(prompt, handler)
	}
}

// WithMCPCompletions registers static completion candidates for a prompt
// argument.
func WithMCPCompletions(promptName, argumentName string, values []string) ServerOption {
	return func(b *ServerBuilder) error {
		completionCap, err := b.EnsureCompletionCapability()
		if err != nil {
			return err
		}
		completionCap.AddPromptCompletions(promptName, argumentName, values)
		return nil
	}
}

// WithSamplingHandler installs the application's sampling hook.
func WithSamplingHandler(handler capability.SamplingHandler) ServerOption {
	return func(b *ServerBuilder) error {
		_, err := b.EnsureSamplingCapability(handler)
		return err
	}
}

// WithElicitationHandler installs the application's elicitation hook.
func WithElicitationHandler(handler capability.ElicitationHandler) ServerOption {
	return func(b *ServerBuilder) error {
		_, err := b.EnsureElicitationCapability(handler)
		return err
	}
}

// WithRoots configures the root URIs served by roots/list.
func WithRoots(roots ...schema.Root) ServerOption {
	return func(b *ServerBuilder) error {
		rootsCap, err := b.EnsureRootsCapability()
		if err != nil {
			return err
		}
		rootsCap.SetRoots(roots)
		return nil
	}
}
