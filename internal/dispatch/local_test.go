// ABOUTME: Tests for local_invocation argument binding, schema validation, and serializers.
// ABOUTME: Registers small callables in a throwaway catalog.

package dispatch

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
)

type record struct {
	ID   int
	Name string
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	c.Register("math.add", Callable{
		Params: []string{"a", "b"},
		Fn: func(_ context.Context, args Args) (any, error) {
			a, err := args.Float("a", 0)
			if err != nil {
				return nil, err
			}
			b, err := args.Float("b", 0)
			if err != nil {
				return nil, err
			}
			return a + b, nil
		},
	})
	c.Register("people.create", Callable{
		Params: []string{"person"},
		Fn: func(_ context.Context, args Args) (any, error) {
			var p struct {
				Name string `json:"name"`
			}
			if err := args.Decode("person", &p); err != nil {
				return nil, err
			}
			return record{ID: 1, Name: p.Name}, nil
		},
	})
	c.Register("people.rename", Callable{
		Params: []string{"id", "changes"},
		Fn: func(_ context.Context, args Args) (any, error) {
			id, err := args.Int("id", 0)
			if err != nil {
				return nil, err
			}
			changes, err := args.Object("changes")
			if err != nil {
				return nil, err
			}
			return record{ID: id, Name: changes["name"].(string)}, nil
		},
	})
	c.Register("people.list", Callable{
		Fn: func(context.Context, Args) (any, error) {
			return []record{{ID: 1, Name: "Ada"}, {ID: 2, Name: "Grace"}}, nil
		},
	})
	c.Register("people.missing", Callable{
		Fn: func(context.Context, Args) (any, error) {
			return nil, rpc.NotFound("Person not found")
		},
	})
	c.Register("people.broken", Callable{
		Fn: func(context.Context, Args) (any, error) {
			return nil, errors.New("database is locked")
		},
	})
	require.NoError(t, c.RegisterSchema("schemas.Person", map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "minLength": 1},
		},
	}))
	c.RegisterSerializer("schemas.PersonOut", func(v any) (any, error) {
		r := v.(record)
		return map[string]any{"id": r.ID, "name": r.Name}, nil
	})
	return c
}

func TestLocalBinding(t *testing.T) {
	local := NewLocal(newTestCatalog(t))
	ctx := context.Background()

	t.Run("args bind by name", func(t *testing.T) {
		tool := &registry.Tool{Name: "math.add", Target: "math.add"}
		out, err := local.Execute(ctx, tool, map[string]any{"a": 2.0, "b": 3.5})
		require.NoError(t, err)
		assert.Equal(t, 5.5, out)
	})

	t.Run("unexpected argument is rejected", func(t *testing.T) {
		tool := &registry.Tool{Name: "math.add", Target: "math.add"}
		_, err := local.Execute(ctx, tool, map[string]any{"c": 1.0})
		assert.True(t, rpc.IsCode(err, rpc.CodeExecution))
		assert.Contains(t, err.Error(), `unexpected argument "c"`)
	})

	t.Run("unknown callable is a configuration error", func(t *testing.T) {
		tool := &registry.Tool{Name: "x.y", Target: "nowhere"}
		_, err := local.Execute(ctx, tool, nil)
		assert.True(t, rpc.IsCode(err, rpc.CodeConfiguration))
	})

	t.Run("callee wire errors pass through", func(t *testing.T) {
		_, err := local.Execute(ctx, &registry.Tool{Name: "p.m", Target: "people.missing"}, map[string]any{})
		assert.True(t, rpc.IsCode(err, rpc.CodeNotFound))

		_, err = local.Execute(ctx, &registry.Tool{Name: "p.b", Target: "people.broken"}, map[string]any{})
		assert.True(t, rpc.IsCode(err, rpc.CodeExecution))
		assert.Contains(t, err.Error(), "database is locked")
	})
}

func TestLocalSchema(t *testing.T) {
	local := NewLocal(newTestCatalog(t))
	ctx := context.Background()

	t.Run("named schema validates flat args", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.create", Target: "people.create", Schema: "schemas.Person"}
		out, err := local.Execute(ctx, tool, map[string]any{"name": "Ada"})
		require.NoError(t, err)
		assert.Equal(t, record{ID: 1, Name: "Ada"}, out)
	})

	t.Run("wrapped object binds to the declared param", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.create", Target: "people.create", Schema: "schemas.Person", Params: []string{"person"}}
		out, err := local.Execute(ctx, tool, map[string]any{"person": map[string]any{"name": "Grace"}})
		require.NoError(t, err)
		assert.Equal(t, record{ID: 1, Name: "Grace"}, out)
	})

	t.Run("object argument is found beside scalar arguments", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.rename", Target: "people.rename", Schema: "schemas.Person", Params: []string{"id", "changes"}}
		out, err := local.Execute(ctx, tool, map[string]any{"id": 7.0, "changes": map[string]any{"name": "Hopper"}})
		require.NoError(t, err)
		assert.Equal(t, record{ID: 7, Name: "Hopper"}, out)

		_, err = local.Execute(ctx, tool, map[string]any{"id": 7.0, "changes": map[string]any{"name": ""}})
		assert.True(t, rpc.IsCode(err, rpc.CodeExecution))
	})

	t.Run("invalid input is an execution error", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.create", Target: "people.create", Schema: "schemas.Person"}
		_, err := local.Execute(ctx, tool, map[string]any{"name": ""})
		assert.True(t, rpc.IsCode(err, rpc.CodeExecution))
		assert.Contains(t, err.Error(), "invalid input")
	})

	t.Run("inline schema", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.create", Target: "people.create", Schema: map[string]any{
			"type":     "object",
			"required": []any{"name"},
		}}
		_, err := local.Execute(ctx, tool, map[string]any{})
		assert.True(t, rpc.IsCode(err, rpc.CodeExecution))
	})

	t.Run("unknown schema name", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.create", Target: "people.create", Schema: "schemas.Nope"}
		_, err := local.Execute(ctx, tool, map[string]any{"name": "Ada"})
		assert.True(t, rpc.IsCode(err, rpc.CodeConfiguration))
	})
}

func TestLocalSerializer(t *testing.T) {
	local := NewLocal(newTestCatalog(t))
	ctx := context.Background()

	t.Run("applied to each element of a list", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.list", Target: "people.list", Serializer: "schemas.PersonOut"}
		out, err := local.Execute(ctx, tool, nil)
		require.NoError(t, err)
		assert.Equal(t, []any{
			map[string]any{"id": 1, "name": "Ada"},
			map[string]any{"id": 2, "name": "Grace"},
		}, out)
	})

	t.Run("applied once to a scalar", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.create", Target: "people.create", Schema: "schemas.Person", Serializer: "schemas.PersonOut"}
		out, err := local.Execute(ctx, tool, map[string]any{"name": "Ada"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": 1, "name": "Ada"}, out)
	})

	t.Run("unknown serializer", func(t *testing.T) {
		tool := &registry.Tool{Name: "people.list", Target: "people.list", Serializer: "schemas.Nope"}
		_, err := local.Execute(ctx, tool, nil)
		assert.True(t, rpc.IsCode(err, rpc.CodeConfiguration))
	})
}

func TestArgs(t *testing.T) {
	args := Args{"n": 3.0, "s": "7", "frac": 1.5, "flag": "true"}

	n, err := args.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = args.Int("s", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = args.Int("frac", 0)
	assert.Error(t, err)

	for _, huge := range []any{1e300, -1e300, math.Inf(1), "1e19"} {
		_, err = Args{"big": huge}.Int("big", 0)
		require.Error(t, err, "value %v", huge)
		assert.Contains(t, err.Error(), "out of range")
	}

	n, err = args.Int("missing", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	b, err := args.Bool("flag", false)
	require.NoError(t, err)
	assert.True(t, b)
}
