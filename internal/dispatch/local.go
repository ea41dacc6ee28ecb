// ABOUTME: local_invocation strategy calling registered in-process callables.
// ABOUTME: Validates input against JSON schemas, binds arguments, and applies output serializers.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
)

// Callable is an in-process tool implementation.
type Callable struct {
	// Params are the argument names the callee accepts, in positional order.
	Params []string
	// Blocking callables hold a worker slot while they run.
	Blocking bool
	Fn       func(ctx context.Context, args Args) (any, error)
}

func (c Callable) accepts(name string) bool {
	for _, p := range c.Params {
		if p == name {
			return true
		}
	}
	return false
}

// Serializer converts one callee result value into its wire shape.
type Serializer func(v any) (any, error)

// Catalog holds the callables, named schemas, and serializers that
// local_invocation descriptors refer to by name.
type Catalog struct {
	mu          sync.RWMutex
	callables   map[string]Callable
	schemas     map[string]*gojsonschema.Schema
	serializers map[string]Serializer
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		callables:   make(map[string]Callable),
		schemas:     make(map[string]*gojsonschema.Schema),
		serializers: make(map[string]Serializer),
	}
}

// Register adds a callable under target.
func (c *Catalog) Register(target string, fn Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callables[target] = fn
}

// RegisterSchema compiles and stores a JSON schema under name.
func (c *Catalog) RegisterSchema(name string, schema any) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("compiling schema %s: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[name] = compiled
	return nil
}

// RegisterSerializer stores an output serializer under name.
func (c *Catalog) RegisterSerializer(name string, fn Serializer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serializers[name] = fn
}

// Targets returns the registered callable names, sorted.
func (c *Catalog) Targets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.callables))
	for name := range c.callables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) callable(target string) (Callable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.callables[target]
	return fn, ok
}

func (c *Catalog) schema(name string) (*gojsonschema.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[name]
	return s, ok
}

func (c *Catalog) serializer(name string) (Serializer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.serializers[name]
	return fn, ok
}

// Local is the local_invocation strategy.
type Local struct {
	catalog *Catalog
}

// NewLocal creates the local_invocation strategy over catalog.
func NewLocal(catalog *Catalog) *Local {
	return &Local{catalog: catalog}
}

// Kind implements Strategy.
func (l *Local) Kind() registry.Kind { return registry.KindLocal }

// Blocking implements Blocker.
func (l *Local) Blocking(tool *registry.Tool) bool {
	fn, ok := l.catalog.callable(tool.Target)
	return ok && fn.Blocking
}

// Execute implements Strategy.
func (l *Local) Execute(ctx context.Context, tool *registry.Tool, args map[string]any) (any, error) {
	fn, ok := l.catalog.callable(tool.Target)
	if !ok {
		return nil, rpc.Configuration("%s: unknown callable %q", tool.Name, tool.Target)
	}

	bound, err := l.bind(tool, fn, args)
	if err != nil {
		return nil, err
	}

	result, err := fn.Fn(ctx, bound)
	if err != nil {
		var rerr *rpc.Error
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		return nil, rpc.Execution("%s: %v", tool.Name, err)
	}

	if tool.Serializer == "" {
		return result, nil
	}
	serialize, ok := l.catalog.serializer(tool.Serializer)
	if !ok {
		return nil, rpc.Configuration("%s: unknown serializer %q", tool.Name, tool.Serializer)
	}
	return applySerializer(serialize, result)
}

// bind produces the callee's arguments. With a schema the validated object is
// bound to one parameter; without one, args pass by name. Every other
// argument must be accepted by the callee.
func (l *Local) bind(tool *registry.Tool, fn Callable, args map[string]any) (Args, error) {
	if tool.Schema == nil {
		for name := range args {
			if !fn.accepts(name) {
				return nil, rpc.Execution("%s: unexpected argument %q", tool.Name, name)
			}
		}
		return Args(args), nil
	}

	schema, err := l.resolveSchema(tool)
	if err != nil {
		return nil, err
	}

	// Clients either wrap the object under a parameter name, alongside any
	// other arguments the callee takes, or send the object's fields flat.
	bound := Args{}
	param, input := wrappedParam(tool, fn, args)
	if param != "" {
		for name, v := range args {
			if name == param {
				continue
			}
			if !fn.accepts(name) {
				return nil, rpc.Execution("%s: unexpected argument %q", tool.Name, name)
			}
			bound[name] = v
		}
	} else {
		param = schemaParam(tool, fn)
		if param == "" {
			return nil, rpc.Configuration("%s: callable %q takes no parameters to bind the validated input to", tool.Name, tool.Target)
		}
		input = args
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return nil, rpc.Execution("%s: validating input: %v", tool.Name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, rpc.Execution("%s: invalid input: %s", tool.Name, strings.Join(msgs, "; "))
	}
	bound[param] = input
	return bound, nil
}

func (l *Local) resolveSchema(tool *registry.Tool) (*gojsonschema.Schema, error) {
	if name, ok := tool.Schema.(string); ok {
		schema, found := l.catalog.schema(name)
		if !found {
			return nil, rpc.Configuration("%s: unknown schema %q", tool.Name, name)
		}
		return schema, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Schema))
	if err != nil {
		return nil, rpc.Configuration("%s: invalid inline schema: %v", tool.Name, err)
	}
	return schema, nil
}

// wrappedParam finds the first accepted parameter, descriptor order first,
// whose argument is an object.
func wrappedParam(tool *registry.Tool, fn Callable, args map[string]any) (string, map[string]any) {
	for _, names := range [][]string{tool.Params, fn.Params} {
		for _, name := range names {
			if !fn.accepts(name) {
				continue
			}
			if obj, ok := args[name].(map[string]any); ok {
				return name, obj
			}
		}
	}
	return "", nil
}

// schemaParam picks the parameter that receives the validated object: the
// descriptor's first declared parameter when the callee accepts it, otherwise
// the callee's first parameter.
func schemaParam(tool *registry.Tool, fn Callable) string {
	if len(tool.Params) > 0 && fn.accepts(tool.Params[0]) {
		return tool.Params[0]
	}
	if len(fn.Params) > 0 {
		return fn.Params[0]
	}
	return ""
}

// applySerializer maps serialize over slice results and applies it once to anything else.
func applySerializer(serialize Serializer, result any) (any, error) {
	if result == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(result)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			v, err := serialize(rv.Index(i).Interface())
			if err != nil {
				return nil, rpc.Execution("serializing item %d: %v", i, err)
			}
			out[i] = v
		}
		return out, nil
	}
	v, err := serialize(result)
	if err != nil {
		return nil, rpc.Execution("serializing result: %v", err)
	}
	return v, nil
}
