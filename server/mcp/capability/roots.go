package capability

import (
	"sync"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ shared.IServerCapability = (*RootsCapability)(nil)

// RootsCapability serves roots/list from the configured root URIs.
type RootsCapability struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	roots    []schema.Root
	handlers map[string]func(*shared.Message) (interface{}, error)
}

func NewRootsCapability(logger *zap.Logger, roots ...schema.Root) *RootsCapability {
	rc := &RootsCapability{
		logger: logger.Named("roots-capability"),
		roots:  roots,
	}
	rc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"roots/list": rc.handleRootsList,
	}
	return rc
}

func (rc *RootsCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return rc.handlers
}

func (rc *RootsCapability) SetCapabilities(s *schema.ServerCapabilities) {
}

// SetRoots replaces the configured roots.
func (rc *RootsCapability) SetRoots(roots []schema.Root) {
	rc.mu.Lock()
	rc.roots = roots
	rc.mu.Unlock()
}

func (rc *RootsCapability) handleRootsList(msg *shared.Message) (interface{}, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	roots := make([]schema.Root, len(rc.roots))
	copy(roots, rc.roots)
	return schema.ListRootsResult{Roots: roots}, nil
}
