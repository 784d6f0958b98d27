package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/companion/internal/provider"
)

var (
	// ErrDuplicateTool is returned when registering a name that is taken.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrUnknownTool is returned when resolving a name that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
)

// ToolExecutionError wraps a failure raised by a tool handler.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ToolHandler executes a tool call and returns the result as a string.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolSpec declares a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
	Handler     ToolHandler
}

// ToolRegistry holds available tools and their handlers. Tools are
// registered at startup; lookups are safe for concurrent use.
type ToolRegistry struct {
	specs []ToolSpec
	index map[string]int
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		index: make(map[string]int),
	}
}

// Register adds a tool. A taken name fails with ErrDuplicateTool and leaves
// the existing registration untouched.
func (r *ToolRegistry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("register tool %s: nil handler", spec.Name)
	}
	if spec.Schema == nil {
		spec.Schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	r.index[spec.Name] = len(r.specs)
	r.specs = append(r.specs, spec)
	return nil
}

// Resolve returns the handler for name.
func (r *ToolRegistry) Resolve(name string) (ToolHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return r.specs[i].Handler, nil
}

// List returns the registered tools in registration order.
func (r *ToolRegistry) List() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ToolSpec(nil), r.specs...)
}

// Names returns the tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.specs))
	for i, s := range r.specs {
		names[i] = s.Name
	}
	return names
}

// Definitions returns all tool definitions for the LLM request.
func (r *ToolRegistry) Definitions() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.Tool, len(r.specs))
	for i, s := range r.specs {
		defs[i] = provider.FunctionTool(s.Name, s.Description, s.Schema)
	}
	return defs
}

// Execute runs a tool by name with the given JSON arguments. Handler
// failures, including panics, come back as *ToolExecutionError.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) (out string, err error) {
	h, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	defer func() {
		if p := recover(); p != nil {
			err = &ToolExecutionError{Tool: name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	out, err = h(ctx, args)
	if err != nil {
		return "", &ToolExecutionError{Tool: name, Err: err}
	}
	return out, nil
}
