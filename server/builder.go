package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/server/mcp/capability"
	"github.com/mcplane/mcplane/server/tasks"
	"github.com/mcplane/mcplane/server/transport"
	"github.com/mcplane/mcplane/shared/config"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"github.com/mcplane/mcplane/storage/taskstore"
	"go.uber.org/zap"
)

// ServerBuilder accumulates configuration while options are applied, then
// Start freezes it into the running server. No process-wide mutable state
// survives startup: the registries live inside the capabilities.
type ServerBuilder struct {
	ctx        context.Context
	logger     *zap.Logger
	cfg        config.IConfig
	listenAddr string
	mux        *http.ServeMux

	sessionStorage sessionstore.SessionStorage
	taskStorage    taskstore.TaskStorage

	manager   *mcp.Manager
	transport *transport.Transport
	runtime   *tasks.Runtime

	// Capability instances (created lazily).
	baseCap        *capability.BaseCapability
	loggingCap     *capability.LoggingCapability
	toolsCap       *capability.ToolsCapability
	resourcesCap   *capability.ResourcesCapability
	promptsCap     *capability.PromptsCapability
	completionCap  *capability.CompletionCapability
	samplingCap    *capability.SamplingCapability
	elicitationCap *capability.ElicitationCapability
	rootsCap       *capability.RootsCapability
	tasksCap       *capability.TasksCapability
}

// ensureManager builds the session manager on first use.
func (b *ServerBuilder) ensureManager() (*mcp.Manager, error) {
	if b.manager != nil {
		return b.manager, nil
	}
	serverName, err := b.cfg.ServerName()
	if err != nil {
		return nil, err
	}
	serverVersion, err := b.cfg.ServerVersion()
	if err != nil {
		return nil, err
	}
	instructions, err := b.cfg.Instructions()
	if err != nil {
		return nil, err
	}
	if b.sessionStorage == nil {
		b.sessionStorage = sessionstore.NewMemoryStorage(b.logger)
	}
	b.manager = mcp.NewManager(b.sessionStorage, b.logger,
		implementationInfo(serverName, serverVersion), instructions)
	return b.manager, nil
}

// ensureRuntime builds the task runtime on first use.
func (b *ServerBuilder) ensureRuntime() (*tasks.Runtime, error) {
	if b.runtime != nil {
		return b.runtime, nil
	}
	if b.taskStorage == nil {
		b.taskStorage = taskstore.NewMemoryStorage(b.logger)
	}
	b.runtime = tasks.NewRuntime(b.taskStorage, tasks.NewGoroutineExecutor(b.logger), b.logger)
	return b.runtime, nil
}

// EnsureMCPBaseCapability creates the BaseCapability if it doesn't exist.
func (b *ServerBuilder) EnsureMCPBaseCapability() error {
	if b.baseCap != nil {
		return nil
	}
	manager, err := b.ensureManager()
	if err != nil {
		return err
	}
	b.logger.Debug("Initializing BaseCapability")
	b.baseCap = capability.NewBase(b.logger, manager)
	manager.Dispatcher().AddServerCapability(b.baseCap)

	b.loggingCap = capability.NewLoggingCapability(b.logger)
	manager.Dispatcher().AddServerCapability(b.loggingCap)
	return nil
}

// EnsureToolsCapability creates the ToolsCapability if it doesn't exist.
func (b *ServerBuilder) EnsureToolsCapability() (*capability.ToolsCapability, error) {
	if err := b.EnsureMCPBaseCapability(); err != nil {
		return nil, err
	}
	if b.toolsCap == nil {
		runtime, err := b.ensureRuntime()
		if err != nil {
			return nil, err
		}
		b.logger.Debug("Initializing ToolsCapability")
		b.toolsCap = capability.NewToolsCapability(b.manager, runtime, b.logger)
		b.manager.Dispatcher().AddServerCapability(b.toolsCap)
		b.ensureTasksCapability()
	}
	return b.toolsCap, nil
}

// EnsureResourcesCapability creates the ResourcesCapability if it doesn't exist.
func (b *ServerBuilder) EnsureResourcesCapability() (*capability.ResourcesCapability, error) {
	if err := b.EnsureMCPBaseCapability(); err != nil {
		return nil, err
	}
	if b.resourcesCap == nil {
		b.logger.Debug("Initializing ResourcesCapability")
		b.resourcesCap = capability.NewResourcesCapability(b.manager, b.logger)
		b.manager.Dispatcher().AddServerCapability(b.resourcesCap)
	}
	return b.resourcesCap, nil
}

// EnsurePromptsCapability creates the PromptsCapability if it doesn't exist.
func (b *ServerBuilder) EnsurePromptsCapability() (*capability.PromptsCapability, error) {
	if err := b.EnsureMCPBaseCapability(); err != nil {
		return nil, err
	}
	if b.promptsCap == nil {
		b.logger.Debug("Initializing PromptsCapability")
		b.promptsCap = capability.NewPromptsCapability(b.manager, b.logger)
		b.manager.Dispatcher().AddServerCapability(b.promptsCap)
	}
	return b.promptsCap, nil
}

// EnsureCompletionCapability creates the CompletionCapability if it doesn't exist.
func (b *ServerBuilder) EnsureCompletionCapability() (*capability.CompletionCapability, error) {
	if err := b.EnsureMCPBaseCapability(); err != nil {
		return nil, err
	}
	if b.completionCap == nil {
		b.logger.Debug("Initializing CompletionCapability")
		b.completionCap = capability.NewCompletionCapability(b.logger)
		b.manager.Dispatcher().AddServerCapability(b.completionCap)
	}
	return b.completionCap, nil
}

// EnsureSamplingCapability creates the SamplingCapability with the given
// application handler.
func (b *ServerBuilder) EnsureSamplingCapability(handler capability.SamplingHandler) (*capability.SamplingCapability, error) {
	if err := b.EnsureMCPBaseCapability(); err != nil {
		return nil, err
	}
	if b.samplingCap != nil {
		return nil, fmt.Errorf("sampling capability already initialized")
	}
	runtime, err := b.ensureRuntime()
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Initializing SamplingCapability")
	b.samplingCap = capability.NewSamplingCapability(b.manager, runtime, handler, b.logger)
	b.manager.Dispatcher().AddServerCapability(b.samplingCap)
	b.ensureTasksCapability()
	return b.samplingCap, nil
}

// EnsureElicitationCapability creates the ElicitationCapability with the
// given application handler.
func (b *ServerBuilder) EnsureElicitationCapability(handler capability.ElicitationHandler) (*capability.ElicitationCapability, error) {
	if err := b.EnsureMCPBaseCapability(); err != nil {
		return nil, err
	}
	if b.elicitationCap != nil {
		return nil, fmt.Errorf("elicitation capability already initialized")
	}
	runtime, err := b.ensureRuntime()
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Initializing ElicitationCapability")
	b.elicitationCap = capability.NewElicitationCapability(b.manager, runtime, handler, b.logger)
	b.manager.Dispatcher().AddServerCapability(b.elicitationCap)
	b.ensureTasksCapability()
	return b.elicitationCap, nil
}

// EnsureRootsCapability creates the RootsCapability if it doesn't exist.
func (b *ServerBuilder) EnsureRootsCapability() (*capability.RootsCapability, error) {
	if err := b.EnsureMCPBaseCapability(); err != nil {
		return nil, err
	}
	if b.rootsCap == nil {
		b.logger.Debug("Initializing RootsCapability")
		b.rootsCap = capability.NewRootsCapability(b.logger)
		b.manager.Dispatcher().AddServerCapability(b.rootsCap)
	}
	return b.rootsCap, nil
}

// ensureTasksCapability registers the tasks/* method family once any
// task-augmentable capability exists.
func (b *ServerBuilder) ensureTasksCapability() {
	if b.tasksCap != nil || b.runtime == nil {
		return
	}
	b.logger.Debug("Initializing TasksCapability")
	b.tasksCap = capability.NewTasksCapability(b.runtime, b.logger)
	b.manager.Dispatcher().AddServerCapability(b.tasksCap)
}

// ServerOption defines a function type for configuring the ServerBuilder.
type ServerOption func(*ServerBuilder) error
