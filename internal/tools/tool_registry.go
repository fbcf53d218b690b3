package tools

import (
	"sort"
	"sync"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Registry is the merged catalog of callable tools. It is populated at
// startup and read-mostly afterwards; only the disabled set and the
// approval set mutate at runtime.
type Registry struct {
	mu           sync.RWMutex
	tools        map[string]Tool
	interceptors map[string]Interceptor
	descriptors  map[string]Descriptor
	approval     map[string]struct{}
	disabled     map[string]struct{}
	catalog      ServerCatalog
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:        make(map[string]Tool),
		interceptors: make(map[string]Interceptor),
		descriptors:  make(map[string]Descriptor),
		approval:     make(map[string]struct{}),
		disabled:     make(map[string]struct{}),
	}
}

// Register adds an in-process tool. A tool with the same name is replaced.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// RegisterInterceptor advertises desc in the catalog and routes calls for
// its name to fn instead of normal dispatch.
func (r *Registry) RegisterInterceptor(desc Descriptor, fn Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[desc.Name] = desc
	r.interceptors[desc.Name] = fn
}

// Unregister removes a tool, or an interceptor and its descriptor, by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.interceptors, name)
	delete(r.descriptors, name)
}

// Get returns an in-process tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Interceptor returns the interceptor registered for name.
func (r *Registry) Interceptor(name string) (Interceptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.interceptors[name]
	return fn, ok
}

// SetCatalog attaches the subprocess tool-server catalog.
func (r *Registry) SetCatalog(catalog ServerCatalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = catalog
}

// Catalog returns the attached subprocess catalog, if any.
func (r *Registry) Catalog() ServerCatalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// SetDisabled replaces the global disabled set.
func (r *Registry) SetDisabled(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = make(map[string]struct{}, len(names))
	for _, name := range names {
		r.disabled[name] = struct{}{}
	}
}

// Disable hides a tool without unregistering it.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = struct{}{}
}

// Enable removes a tool from the disabled set.
func (r *Registry) Enable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, name)
}

// IsDisabled reports whether a tool is globally disabled.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.disabled[name]
	return ok
}

// Disabled returns the disabled tool names, sorted.
func (r *Registry) Disabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.disabled))
	for name := range r.disabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequireApproval flags tool names whose calls must pass the executor's
// approval policy before dispatch.
func (r *Registry) RequireApproval(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.approval[name] = struct{}{}
	}
}

// RequiresApproval reports whether a tool is approval-gated.
func (r *Registry) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.approval[name]
	return ok
}

// ListOptions narrows a List call.
type ListOptions struct {
	// Exclude hides additional tool names for this caller only.
	Exclude []string
}

// List returns the descriptors of every callable tool: in-process tools,
// interceptor-backed tools, and subprocess-hosted tools, minus the global
// disabled set and opts.Exclude. Sorted by name.
func (r *Registry) List(opts ListOptions) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hidden := make(map[string]struct{}, len(r.disabled)+len(opts.Exclude))
	for name := range r.disabled {
		hidden[name] = struct{}{}
	}
	for _, name := range opts.Exclude {
		hidden[name] = struct{}{}
	}

	merged := make(map[string]Descriptor)
	for name, tool := range r.tools {
		if _, skip := hidden[name]; skip {
			continue
		}
		merged[name] = Descriptor{
			Name:        name,
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		}
	}
	for name, desc := range r.descriptors {
		if _, skip := hidden[name]; skip {
			continue
		}
		merged[name] = desc
	}
	if r.catalog != nil {
		for _, desc := range r.catalog.ListTools() {
			if _, skip := hidden[desc.Name]; skip {
				continue
			}
			// In-process and interceptor registrations shadow subprocess
			// tools of the same name.
			if _, taken := merged[desc.Name]; taken {
				continue
			}
			merged[desc.Name] = desc
		}
	}

	out := make([]Descriptor, 0, len(merged))
	for _, desc := range merged {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
