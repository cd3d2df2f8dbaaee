package fallback

import (
	"context"
	"sync"
)

// Handler is a safe substitute tool implementation a caller may register
// for a blocked or reviewed tool name (e.g. a read-only dry-run that
// reports what the real tool would have done).
type Handler func(ctx context.Context, toolArgs map[string]any) (any, error)

// RouteSource reports how a routed response was produced, for audit
// logging alongside the trace.
type RouteSource string

const (
	SourceTemplate RouteSource = "template"
	SourceSafeTool RouteSource = "safe_tool"
)

// Router dispatches blocked tool calls to a registered safe
// handler, falling back to a deterministic template response when no
// handler is registered for the tool.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// Register installs (or replaces) the safe handler for toolName.
func (r *Router) Register(toolName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[toolName] = h
}

// Route runs the registered handler for toolName, or the block template if
// none is registered. reason is the policy reason that triggered routing,
// passed through to the template for the no-handler case.
func (r *Router) Route(ctx context.Context, toolName string, toolArgs map[string]any, reason string) (any, RouteSource, error) {
	r.mu.RLock()
	h, ok := r.routes[toolName]
	r.mu.RUnlock()

	if !ok {
		return BlockTemplate(toolName, reason), SourceTemplate, nil
	}

	result, err := h(ctx, toolArgs)
	if err != nil {
		return nil, SourceSafeTool, err
	}
	return result, SourceSafeTool, nil
}
