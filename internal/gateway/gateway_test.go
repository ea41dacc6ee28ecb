// ABOUTME: End-to-end tests for the gateway against an in-process school backend peer
// ABOUTME: Exercises HTTP routes, websocket sessions, gRPC health, MCP, and registry reload

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/tool-relay/internal/backend"
	"github.com/2389/tool-relay/internal/client"
	"github.com/2389/tool-relay/internal/config"
	"github.com/2389/tool-relay/internal/rpc"
	"github.com/2389/tool-relay/internal/store"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// startBackend runs a seeded school peer and returns its websocket URL.
func startBackend(t *testing.T) string {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Seed(context.Background(), store.SeedOptions{Students: 30, Teachers: 4, RandSeed: 3}))

	peer, err := backend.New(backend.Config{Store: s, Logger: testLogger()})
	require.NoError(t, err)
	srv := httptest.NewServer(peer)
	t.Cleanup(srv.Close)
	return wsURL(srv.URL)
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Upstream.URL = upstreamURL
	cfg.Upstream.DialTimeout = 2 * time.Second
	cfg.Upstream.CallTimeout = 5 * time.Second
	cfg.Upstream.BackoffBase = 10 * time.Millisecond
	cfg.Upstream.BackoffMax = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func testSpec(t *testing.T, externalURL string) *config.Spec {
	t.Helper()
	doc := `{
	  "tools": {
	    "students": {
	      "description": "Student records",
	      "unpaid": "Students who have paid **nothing**",
	      "by_grade": {"type": "proxy_rpc", "params": ["grade"], "description": "Students in a grade"},
	      "get": {"type": "websocket", "params": ["student_id"]}
	    },
	    "local": {
	      "grade": {
	        "type": "local_invocation",
	        "target": "crud.students_by_grade",
	        "params": ["grade"],
	        "serializer": "schemas.StudentOut"
	      }
	    },
	    "weather": {
	      "today": {"type": "external_call", "endpoint": "` + externalURL + `", "params": ["city"], "timeout": 2}
	    }
	  }
	}`
	spec, err := config.ParseSpec([]byte(doc), ".json")
	require.NoError(t, err)
	return spec
}

type running struct {
	gw       *Gateway
	httpURL  string
	grpcAddr string
}

// startGateway serves a gateway on loopback listeners until the test ends.
func startGateway(t *testing.T) *running {
	t.Helper()

	weather := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"city":"` + r.URL.Query().Get("city") + `","sky":"clear"}`))
	}))
	t.Cleanup(weather.Close)

	cfg := testConfig(t, startBackend(t))
	gw, err := New(cfg, testSpec(t, weather.URL), testLogger())
	require.NoError(t, err)

	httpLn, err := net.Listen("tcp", cfg.Server.Addr)
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, httpLn, grpcLn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("gateway did not stop")
		}
	})

	r := &running{gw: gw, httpURL: "http://" + httpLn.Addr().String(), grpcAddr: grpcLn.Addr().String()}
	require.Eventually(t, func() bool {
		resp, err := http.Get(r.httpURL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var h healthResponse
		return json.NewDecoder(resp.Body).Decode(&h) == nil && h.Upstream == "connected"
	}, 5*time.Second, 20*time.Millisecond)
	return r
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	gw, err := New(cfg, testSpec(t, "http://127.0.0.1:1"), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Equal(t, 5, gw.Registry().Len())
	assert.NotNil(t, gw.grpcServer)

	t.Run("bad descriptor fails the build", func(t *testing.T) {
		spec, err := config.ParseSpec([]byte(`{"tools":{"g":{"m":42}}}`), ".json")
		require.NoError(t, err)
		_, err = New(testConfig(t, "ws://127.0.0.1:1/ws"), spec, testLogger())
		require.Error(t, err)
	})

	t.Run("no grpc address disables the health listener", func(t *testing.T) {
		cfg := testConfig(t, "ws://127.0.0.1:1/ws")
		cfg.Server.GRPCAddr = ""
		gw, err := New(cfg, testSpec(t, "http://127.0.0.1:1"), testLogger())
		require.NoError(t, err)
		defer gw.Shutdown(context.Background())
		assert.Nil(t, gw.grpcServer)
	})
}

func TestRunBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	cfg.Server.Addr = taken.Addr().String()
	gw, err := New(cfg, testSpec(t, "http://127.0.0.1:1"), testLogger())
	require.NoError(t, err)

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
}

func TestHTTPRoutes(t *testing.T) {
	r := startGateway(t)

	t.Run("health", func(t *testing.T) {
		var h healthResponse
		getJSON(t, r.httpURL+"/health", &h)
		assert.Equal(t, "ok", h.Status)
		assert.Equal(t, 5, h.Tools)
	})

	t.Run("tools as json", func(t *testing.T) {
		var tools map[string]map[string]any
		getJSON(t, r.httpURL+"/tools", &tools)
		require.Contains(t, tools, "students.unpaid")
		assert.Equal(t, "proxy_rpc", tools["students.get"]["type"])
		assert.Equal(t, "crud.students_by_grade", tools["local.grade"]["target"])
		assert.NotContains(t, tools, "students.description")
	})

	t.Run("tools as html", func(t *testing.T) {
		resp, err := http.Get(r.httpURL + "/tools?format=html")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
		page := string(body)
		assert.Contains(t, page, "<h2>students</h2>")
		assert.Contains(t, page, "<p>Student records</p>")
		assert.Contains(t, page, "<code>students.by_grade</code>")
		assert.Contains(t, page, "<strong>nothing</strong>")
	})
}

func TestRedactedCatalog(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	cfg.Dispatch.RedactListing = true
	gw, err := New(cfg, testSpec(t, "http://weather.internal:9000/today"), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())
	h := gw.Handler()

	get := func(target string) string {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		return rec.Body.String()
	}

	t.Run("json hides endpoints", func(t *testing.T) {
		body := get("/tools")
		assert.NotContains(t, body, "weather.internal")
		assert.NotContains(t, body, `"type"`)
	})

	t.Run("html hides endpoints and types", func(t *testing.T) {
		page := get("/tools?format=html")
		assert.Contains(t, page, "<code>weather.today</code>")
		assert.Contains(t, page, "<code>city</code>")
		assert.NotContains(t, page, "weather.internal")
		assert.NotContains(t, page, "endpoint:")
		assert.NotContains(t, page, "type:")
		assert.NotContains(t, page, "timeout:")
	})
}

func TestSessionsThroughGateway(t *testing.T) {
	r := startGateway(t)
	ctx := context.Background()

	c := client.New(ctx, client.Config{URL: wsURL(r.httpURL) + "/ws", Logger: testLogger()})
	t.Cleanup(c.Close)

	t.Run("proxied call", func(t *testing.T) {
		raw, err := c.CallTool(ctx, "students.by_grade", map[string]any{"grade": 2})
		require.NoError(t, err)
		var students []map[string]any
		require.NoError(t, json.Unmarshal(raw, &students))
		for _, st := range students {
			assert.Equal(t, 2.0, st["grade"])
		}
	})

	t.Run("proxied not found becomes an execution error", func(t *testing.T) {
		_, err := c.CallTool(ctx, "students.get", map[string]any{"student_id": 424242})
		require.Error(t, err)
		assert.True(t, rpc.IsCode(err, rpc.CodeExecution), "got %v", err)
		assert.Contains(t, err.Error(), "Student not found")
	})

	t.Run("local call", func(t *testing.T) {
		raw, err := c.CallTool(ctx, "local.grade", map[string]any{"grade": 1})
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(raw))
	})

	t.Run("external call", func(t *testing.T) {
		raw, err := c.CallTool(ctx, "weather.today", map[string]any{"city": "Oslo"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"city":"Oslo","sky":"clear"}`, string(raw))
	})

	t.Run("description-only tool is never sent upstream", func(t *testing.T) {
		pending := r.gw.connector.PendingCount()
		_, err := c.CallTool(ctx, "students.unpaid", nil)
		require.Error(t, err)
		assert.True(t, rpc.IsCode(err, rpc.CodeConfiguration), "got %v", err)
		assert.Equal(t, pending, r.gw.connector.PendingCount())
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := c.CallTool(ctx, "students.expel", nil)
		assert.True(t, rpc.IsCode(err, rpc.CodeNotFound), "got %v", err)
	})

	t.Run("root path also upgrades", func(t *testing.T) {
		root := client.New(ctx, client.Config{URL: wsURL(r.httpURL), Logger: testLogger()})
		defer root.Close()
		tools, err := root.ListTools(ctx)
		require.NoError(t, err)
		assert.Len(t, tools, 5)
	})
}

func TestGRPCHealth(t *testing.T) {
	r := startGateway(t)

	conn, err := grpc.NewClient(r.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: UpstreamService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestMCPEndpoint(t *testing.T) {
	r := startGateway(t)
	ctx := context.Background()

	mc := sdk.NewClient(&sdk.Implementation{Name: "gateway-test", Version: "v0"}, nil)
	cs, err := mc.Connect(ctx, &sdk.StreamableClientTransport{
		Endpoint:             r.httpURL + "/mcp",
		MaxRetries:           -1,
		DisableStandaloneSSE: true,
	}, nil)
	require.NoError(t, err)
	defer cs.Close()

	list, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, list.Tools, 5)

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "weather.today", Arguments: map[string]any{"city": "Lima"}})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*sdk.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"city":"Lima","sky":"clear"}`, tc.Text)
}

func TestReload(t *testing.T) {
	r := startGateway(t)

	spec, err := config.ParseSpec([]byte(`{"tools":{"students":{"unpaid":"Students who have paid nothing"}}}`), ".json")
	require.NoError(t, err)
	require.NoError(t, r.gw.Reload(spec))

	var tools map[string]map[string]any
	getJSON(t, r.httpURL+"/tools", &tools)
	assert.Len(t, tools, 1)
	assert.Contains(t, tools, "students.unpaid")

	bad, err := config.ParseSpec([]byte(`{"tools":{"g":{"m":42}}}`), ".json")
	require.NoError(t, err)
	require.Error(t, r.gw.Reload(bad))
	assert.Equal(t, 1, r.gw.Registry().Len())
}
