// ABOUTME: Tests for the inbound session handler over a real websocket.
// ABOUTME: Covers protocol errors, method routing, pipelining, the in-flight cap, and panic isolation.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-relay/internal/dispatch"
	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
)

// delayedEcho answers proxied calls with their params after params.delay_ms.
type delayedEcho struct{}

func (delayedEcho) Call(ctx context.Context, _ string, params any, _ time.Duration) (json.RawMessage, error) {
	args, _ := params.(map[string]any)
	if ms, ok := args["delay_ms"].(float64); ok {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return json.Marshal(args)
}

func newTestServer(t *testing.T, redact bool) *httptest.Server {
	t.Helper()
	reg, err := registry.Build(map[string]any{
		"students": map[string]any{
			"description": "Student records",
			"echo":        map[string]any{"type": "proxy_rpc", "params": []any{"delay_ms", "n"}, "description": "Echo args"},
		},
		"debug": map[string]any{
			"panic": map[string]any{"type": "local_invocation", "target": "debug.panic"},
		},
	}, slog.Default())
	require.NoError(t, err)

	catalog := dispatch.NewCatalog()
	catalog.Register("debug.panic", dispatch.Callable{
		Fn: func(context.Context, dispatch.Args) (any, error) { panic("boom") },
	})

	d := dispatch.New(dispatch.Config{
		Registry:   reg,
		Strategies: []dispatch.Strategy{dispatch.NewProxy(delayedEcho{}, time.Second), dispatch.NewLocal(catalog)},
		Logger:     slog.Default(),
	})
	srv := httptest.NewServer(New(Config{Dispatcher: d, RedactListing: redact, Logger: slog.Default()}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

type reply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpc.Error      `json:"error"`
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
	return readReply(t, ctx, conn)
}

func readReply(t *testing.T, ctx context.Context, conn *websocket.Conn) reply {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var r reply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestProtocolErrors(t *testing.T) {
	conn := dial(t, newTestServer(t, false))

	tests := []struct {
		name  string
		frame string
		code  int
		id    string
	}{
		{"malformed json", `{not json`, rpc.CodeParseError, "null"},
		{"missing method", `{"id":1}`, rpc.CodeInvalidRequest, "1"},
		{"missing id", `{"method":"list_tools"}`, rpc.CodeInvalidRequest, "null"},
		{"null id", `{"id":null,"method":"list_tools"}`, rpc.CodeInvalidRequest, "null"},
		{"params not an object", `{"id":"a","method":"list_tools","params":[1]}`, rpc.CodeInvalidParams, `"a"`},
		{"unknown method", `{"id":2,"method":"drop_tables"}`, rpc.CodeNotFound, "2"},
		{"unknown tool", `{"id":3,"method":"call_tool","params":{"name":"nope.nope"}}`, rpc.CodeNotFound, "3"},
		{"unknown tool info", `{"id":4,"method":"tool_info","params":{"name":"nope.nope"}}`, rpc.CodeNotFound, "4"},
		{"missing tool name", `{"id":5,"method":"call_tool","params":{}}`, rpc.CodeInvalidParams, "5"},
		{"args not an object", `{"id":6,"method":"call_tool","params":{"name":"students.echo","args":"x"}}`, rpc.CodeInvalidParams, "6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := roundTrip(t, conn, tt.frame)
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.code, r.Error.Code)
			assert.JSONEq(t, tt.id, string(r.ID))
			assert.Nil(t, r.Result)
		})
	}

	// The session survives every error above.
	r := roundTrip(t, conn, `{"id":99,"method":"list_tools"}`)
	assert.Nil(t, r.Error)
}

func TestMethods(t *testing.T) {
	t.Run("list_tools returns the full mapping", func(t *testing.T) {
		conn := dial(t, newTestServer(t, false))
		r := roundTrip(t, conn, `{"id":1,"method":"list_tools"}`)
		require.Nil(t, r.Error)

		var tools map[string]map[string]any
		require.NoError(t, json.Unmarshal(r.Result, &tools))
		assert.Contains(t, tools, "students.echo")
		assert.Contains(t, tools, "debug.panic")
		assert.NotContains(t, tools, "students.description")
		assert.Equal(t, "proxy_rpc", tools["students.echo"]["type"])
	})

	t.Run("list_tools redacted", func(t *testing.T) {
		conn := dial(t, newTestServer(t, true))
		r := roundTrip(t, conn, `{"id":1,"method":"list_tools"}`)
		require.Nil(t, r.Error)

		var tools map[string]map[string]any
		require.NoError(t, json.Unmarshal(r.Result, &tools))
		assert.NotContains(t, tools["debug.panic"], "target")
		assert.NotContains(t, tools["students.echo"], "type")
		assert.Equal(t, "Echo args", tools["students.echo"]["description"])
	})

	t.Run("tool_info", func(t *testing.T) {
		conn := dial(t, newTestServer(t, false))
		r := roundTrip(t, conn, `{"id":"x","method":"tool_info","params":{"name":"students.echo"}}`)
		require.Nil(t, r.Error)

		var tool map[string]any
		require.NoError(t, json.Unmarshal(r.Result, &tool))
		assert.Equal(t, "students.echo", tool["name"])
		assert.Equal(t, []any{"delay_ms", "n"}, tool["params"])
	})

	t.Run("call_tool", func(t *testing.T) {
		conn := dial(t, newTestServer(t, false))
		r := roundTrip(t, conn, `{"id":7,"method":"call_tool","params":{"name":"students.echo","args":{"n":1}}}`)
		require.Nil(t, r.Error)
		assert.JSONEq(t, `{"n":1}`, string(r.Result))
	})

	t.Run("panicking tool answers with an error and the session survives", func(t *testing.T) {
		conn := dial(t, newTestServer(t, false))
		r := roundTrip(t, conn, `{"id":8,"method":"call_tool","params":{"name":"debug.panic"}}`)
		require.NotNil(t, r.Error)
		assert.Equal(t, rpc.CodeInternal, r.Error.Code)

		r = roundTrip(t, conn, `{"id":9,"method":"call_tool","params":{"name":"students.echo","args":{"n":2}}}`)
		assert.Nil(t, r.Error)
	})
}

func TestPipelining(t *testing.T) {
	conn := dial(t, newTestServer(t, false))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 20
	for i := range n {
		// Earlier requests sleep longer, so replies arrive out of order.
		frame := fmt.Sprintf(`{"id":%d,"method":"call_tool","params":{"name":"students.echo","args":{"n":%d,"delay_ms":%d}}}`, i, i, (n-i)*5)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
	}

	seen := make(map[int]bool)
	var order []int
	for range n {
		r := readReply(t, ctx, conn)
		require.Nil(t, r.Error)
		var id int
		require.NoError(t, json.Unmarshal(r.ID, &id))
		var result struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(r.Result, &result))
		assert.Equal(t, id, result.N, "reply correlated to the wrong request")
		assert.False(t, seen[id], "duplicate reply for %d", id)
		seen[id] = true
		order = append(order, id)
	}
	assert.Len(t, seen, n)
	assert.NotEqual(t, 0, order[0], "slowest request should not answer first")
}

func TestActiveSessions(t *testing.T) {
	reg := registry.New(slog.Default())
	h := New(Config{Dispatcher: dispatch.New(dispatch.Config{Registry: reg}), Logger: slog.Default()})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	// A round trip guarantees the server side is registered.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"id":1,"method":"list_tools"}`)))
	_ = readReply(t, ctx, conn)
	assert.Equal(t, int64(1), h.Active())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return h.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestInFlightCap(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	started := 0
	router := RouterFunc(func(ctx context.Context, req *rpc.Request) (any, error) {
		mu.Lock()
		started++
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return "ok", nil
	})
	startedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return started
	}

	h := New(Config{Router: router, MaxInFlight: 2, Logger: slog.Default()})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 6
	for i := range n {
		frame := fmt.Sprintf(`{"id":%d,"method":"call_tool","params":{"name":"students.echo"}}`, i)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
	}

	require.Eventually(t, func() bool { return startedCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, startedCount())
	assert.Equal(t, int64(2), h.InFlight())

	close(release)
	for range n {
		r := readReply(t, ctx, conn)
		require.Nil(t, r.Error)
	}
	assert.Equal(t, n, startedCount())
}
