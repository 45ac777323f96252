// Package tools resolves and runs client-side tools the agent asks the relay
// to execute during a conversation.
package tools

import (
	"context"
	"sort"
	"strings"
)

// Handler executes one named tool. The returned value is rendered to a string
// before it is sent back to the agent.
type Handler interface {
	Name() string
	Execute(ctx context.Context, sessionID string, params map[string]any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	ToolName string
	Fn       func(ctx context.Context, sessionID string, params map[string]any) (any, error)
}

func (h HandlerFunc) Name() string { return h.ToolName }

func (h HandlerFunc) Execute(ctx context.Context, sessionID string, params map[string]any) (any, error) {
	return h.Fn(ctx, sessionID, params)
}

// Registry is immutable after construction and safe for concurrent lookups.
type Registry struct {
	byName map[string]Handler
}

// NewRegistry indexes handlers by name. A later handler with the same name
// replaces an earlier one.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{byName: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		name := strings.TrimSpace(h.Name())
		if name == "" {
			continue
		}
		r.byName[name] = h
	}
	return r
}

func (r *Registry) Resolve(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.byName[strings.TrimSpace(name)]
	return h, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byName)
}
