// ABOUTME: Model Context Protocol endpoint exposing the relay's tools to MCP clients.
// ABOUTME: Tool calls go through the same dispatcher as websocket sessions.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
)

// Dispatcher runs tool calls and exposes the registry they resolve against.
type Dispatcher interface {
	Call(ctx context.Context, name string, args map[string]any) (any, error)
	Registry() *registry.Registry
}

// Config configures a Server.
type Config struct {
	Dispatcher Dispatcher
	Name       string
	Version    string
	// Stateless skips MCP session tracking on the HTTP transport.
	Stateless bool
	Logger    *slog.Logger
}

// Server adapts the relay registry to an MCP server.
type Server struct {
	dispatcher Dispatcher
	server     *sdk.Server
	handler    *sdk.StreamableHTTPHandler
	logger     *slog.Logger

	mu    sync.Mutex
	names map[string]bool
}

// NewServer creates a Server and publishes the registry's current tools.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	name := cfg.Name
	if name == "" {
		name = "tool-relay"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		dispatcher: cfg.Dispatcher,
		server:     sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, &sdk.ServerOptions{Logger: logger}),
		logger:     logger,
		names:      make(map[string]bool),
	}
	s.handler = sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return s.server }, &sdk.StreamableHTTPOptions{
		Stateless: cfg.Stateless,
		Logger:    logger,
	})
	s.Sync()
	return s
}

// ServeHTTP serves the streamable HTTP transport.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// MCP returns the underlying SDK server, for in-process transports.
func (s *Server) MCP() *sdk.Server {
	return s.server
}

// Sync publishes the registry's tools and withdraws tools that are gone.
// Call it after the registry is replaced.
func (s *Server) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool)
	for _, tool := range s.dispatcher.Registry().List() {
		current[tool.Name] = true
		s.server.AddTool(&sdk.Tool{
			Name:        tool.Name,
			Description: describe(tool),
			InputSchema: inputSchema(tool),
		}, s.callHandler(tool.Name))
	}

	var stale []string
	for name := range s.names {
		if !current[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.server.RemoveTools(stale...)
	}
	s.names = current
	s.logger.Debug("mcp tools synced", "tools", len(current), "removed", len(stale))
}

func (s *Server) callHandler(name string) sdk.ToolHandler {
	return func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil || args == nil {
				return errorResult(rpc.Errorf(rpc.CodeInvalidParams, "arguments must be an object")), nil
			}
		}

		result, err := s.dispatcher.Call(ctx, name, args)
		if err != nil {
			s.logger.Info("mcp tool call failed", "tool_name", name, "error", err)
			return errorResult(rpc.FromError(err)), nil
		}

		text, err := resultText(result)
		if err != nil {
			return errorResult(rpc.Errorf(rpc.CodeInternal, "encoding result: %v", err)), nil
		}
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}, nil
	}
}

// errorResult reports a tool failure inside the result so the model can see it.
func errorResult(rerr *rpc.Error) *sdk.CallToolResult {
	var res sdk.CallToolResult
	res.SetError(fmt.Errorf("error %d: %s", rerr.Code, rerr.Message))
	return &res
}

func resultText(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func describe(tool *registry.Tool) string {
	if tool.Description != "" {
		return tool.Description
	}
	return fmt.Sprintf("%s tool %s", tool.Type, tool.Name)
}

// inputSchema uses an inline object schema when the descriptor carries one,
// and otherwise lists the declared parameters with no type constraints.
func inputSchema(tool *registry.Tool) map[string]any {
	if schema, ok := tool.Schema.(map[string]any); ok && schema["type"] == "object" {
		return schema
	}
	props := make(map[string]any, len(tool.Params))
	for _, p := range tool.Params {
		props[p] = map[string]any{}
	}
	return map[string]any{"type": "object", "properties": props}
}
