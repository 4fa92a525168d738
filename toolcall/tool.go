// Package toolcall defines the external tool-collaborator interface an
// llm-kind node may invoke mid-request, plus a named registry and two
// concrete implementations, giving the runtime's llm handler a lookup
// table it can consult by name.
package toolcall

import "context"

// Tool is an external capability an LLM may invoke by name.
type Tool interface {
	// Name is the identifier the model's tool call requests by.
	Name() string

	// Call executes the tool. Implementations must respect ctx
	// cancellation and return a structured result or a descriptive error.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Registry is a name-keyed lookup table of Tools, giving the llm handler
// a single place to resolve a model's requested tool calls.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t under its own Name(), overwriting any previous tool
// registered under the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Call resolves name and invokes it, returning an *UnknownToolError if no
// tool is registered under that name.
func (r *Registry) Call(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return t.Call(ctx, input)
}

// Names returns every registered tool name, in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// UnknownToolError reports a tool call naming a tool the Registry has no
// entry for.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return "toolcall: no tool registered under name " + e.Name
}
