// ABOUTME: Thread-safe, read-mostly registry of normalized tool descriptors.
// ABOUTME: Supports full replacement so a reloaded spec swaps in atomically.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Registry holds the current tool descriptors.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	groups map[string]string
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		groups: make(map[string]string),
		logger: logger.With("component", "registry"),
	}
}

// Build creates a Registry from a raw tools section.
func Build(raw map[string]any, logger *slog.Logger) (*Registry, error) {
	r := New(logger)
	if err := r.Replace(raw); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace normalizes raw and swaps it in. On error the current tools are kept.
func (r *Registry) Replace(raw map[string]any) error {
	tools, groups, err := Normalize(raw)
	if err != nil {
		return fmt.Errorf("normalizing tools: %w", err)
	}

	r.mu.Lock()
	r.tools = tools
	r.groups = groups
	r.mu.Unlock()

	counts := make(map[Kind]int)
	for _, t := range tools {
		counts[t.Type]++
	}
	r.logger.Info("tools loaded",
		"tools", len(tools),
		"groups", len(groups),
		"proxy_rpc", counts[KindProxyRPC],
		"local_invocation", counts[KindLocal],
		"external_call", counts[KindExternal],
		"subprocess", counts[KindSubprocess],
	)
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}

// List returns every descriptor sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Mapping returns the flat name -> descriptor view returned by list_tools.
func (r *Registry) Mapping() map[string]*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Tool, len(r.tools))
	for name, t := range r.tools {
		out[name] = t
	}
	return out
}

// Redacted returns name -> summary, hiding targets, paths, and endpoints.
func (r *Registry) Redacted() map[string]Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Summary, len(r.tools))
	for name, t := range r.tools {
		out[name] = t.Summary()
	}
	return out
}

// Groups returns group name -> group description.
func (r *Registry) Groups() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.groups))
	for g, d := range r.groups {
		out[g] = d
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
