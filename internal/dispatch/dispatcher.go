// ABOUTME: Execution dispatcher routing tool calls to kind-specific strategies.
// ABOUTME: Normalizes every failure, including recovered panics, into a wire error.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
)

// Strategy executes tools of one kind.
type Strategy interface {
	Kind() registry.Kind
	Execute(ctx context.Context, tool *registry.Tool, args map[string]any) (any, error)
}

// Blocker is implemented by strategies whose calls should hold a worker slot.
type Blocker interface {
	Blocking(tool *registry.Tool) bool
}

// DefaultWorkers bounds concurrent blocking executions when Config.Workers is zero.
const DefaultWorkers = 16

// Config contains configuration options for the Dispatcher.
type Config struct {
	Registry   *registry.Registry
	Strategies []Strategy
	Workers    int
	Logger     *slog.Logger
}

// Dispatcher routes calls to strategies.
type Dispatcher struct {
	registry   *registry.Registry
	strategies map[registry.Kind]Strategy
	workers    *Workers
	logger     *slog.Logger
}

// New creates a Dispatcher. A later strategy for the same kind replaces an earlier one.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	d := &Dispatcher{
		registry:   cfg.Registry,
		strategies: make(map[registry.Kind]Strategy),
		workers:    NewWorkers(workers),
		logger:     logger.With("component", "dispatch"),
	}
	for _, s := range cfg.Strategies {
		d.strategies[s.Kind()] = s
	}
	return d
}

// Registry returns the registry calls are resolved against.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Call resolves name in the registry and dispatches it.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, err := d.registry.Get(name)
	if err != nil {
		return nil, rpc.NotFound("Tool not found: %s", name)
	}
	return d.Dispatch(ctx, tool, args)
}

// Dispatch executes tool with args. The returned error, when non-nil, is always an *rpc.Error.
func (d *Dispatcher) Dispatch(ctx context.Context, tool *registry.Tool, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked",
				"tool_name", tool.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = rpc.Errorf(rpc.CodeInternal, "internal error in %s: %v", tool.Name, r)
		}
	}()

	if tool.Type == "" {
		return nil, rpc.Configuration("tool %s has no type", tool.Name)
	}
	strategy, ok := d.strategies[tool.Type]
	if !ok {
		return nil, rpc.Configuration("unsupported tool type %q for %s", tool.Type, tool.Name)
	}
	if args == nil {
		args = map[string]any{}
	}

	if b, ok := strategy.(Blocker); ok && b.Blocking(tool) {
		release, err := d.workers.Acquire(ctx)
		if err != nil {
			return nil, rpc.Execution("%s: waiting for a worker: %v", tool.Name, err)
		}
		defer release()
	}

	start := time.Now()
	d.logger.Info("→ dispatching", "tool_name", tool.Name, "type", tool.Type)

	result, err = strategy.Execute(ctx, tool, args)
	if err != nil {
		rerr := normalize(tool, err)
		d.logger.Warn("tool failed",
			"tool_name", tool.Name,
			"code", rerr.Code,
			"error", rerr.Message,
			"duration", time.Since(start),
		)
		return nil, rerr
	}

	d.logger.Info("← tool completed", "tool_name", tool.Name, "duration", time.Since(start))
	return result, nil
}

// normalize maps strategy errors onto the wire taxonomy. Connection-level
// failures have no wire code of their own and surface as execution errors.
func normalize(tool *registry.Tool, err error) *rpc.Error {
	var rerr *rpc.Error
	if errors.As(err, &rerr) {
		return rerr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return rpc.Execution("%s: %v", tool.Name, err)
	}
	return rpc.Execution("%s", err.Error())
}
