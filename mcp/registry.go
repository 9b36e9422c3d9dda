package mcp

import (
	"context"
	"fmt"
	"sync"
)

// ToolHandler is a registrable capability: it can describe itself and
// execute a call. Execute must not panic its failures outward; anything it
// returns as an error is converted to isError content by the registry.
type ToolHandler interface {
	// Definition returns the tool descriptor exposed through tools/list.
	Definition() Tool

	// Execute runs the tool with the given call parameters.
	Execute(ctx context.Context, params *CallToolParams) (*CallToolResult, error)
}

// Registry maps tool names to handlers. Registering a handler under a name
// that is already taken silently replaces the prior binding; tests use this
// last-write-wins rule to hot-swap implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolHandler
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]ToolHandler),
	}
}

// Register adds a handler keyed by its descriptor name.
func (r *Registry) Register(handler ToolHandler) {
	name := handler.Definition().Name

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = handler
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.tools[name]
	return handler, ok
}

// Execute looks up and runs the named tool. It never fails its caller: an
// unknown name, a handler error, or a handler panic all come back as a
// result with IsError set, so one bad tool cannot take down the serve loop.
func (r *Registry) Execute(ctx context.Context, name string, params *CallToolParams) *CallToolResult {
	handler, ok := r.Get(name)
	if !ok {
		return NotFoundResult(name)
	}

	result, err := safeExecute(ctx, handler, params)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if result == nil {
		return ErrorResult(fmt.Sprintf("Tool '%s' returned no result", name))
	}
	return result
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]ToolHandler)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// All returns the descriptors of every registered tool. Order is not
// significant.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, handler := range r.tools {
		tools = append(tools, handler.Definition())
	}
	return tools
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

func safeExecute(ctx context.Context, handler ToolHandler, params *CallToolParams) (result *CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return handler.Execute(ctx, params)
}

// NotFoundResult is the response for a call to an unregistered tool. An
// unknown tool is a normal, recoverable outcome for the caller, not a
// protocol error.
func NotFoundResult(name string) *CallToolResult {
	return &CallToolResult{
		Content: TextContent(fmt.Sprintf("Tool '%s' not found", name)),
		IsError: true,
	}
}

// ErrorResult builds a failed tool result with a text message.
func ErrorResult(msg string) *CallToolResult {
	return &CallToolResult{
		Content: TextContent(msg),
		IsError: true,
	}
}

// SuccessResult builds a successful tool result with text content.
func SuccessResult(text string) *CallToolResult {
	return &CallToolResult{
		Content: TextContent(text),
	}
}
