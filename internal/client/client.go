// ABOUTME: Planning client for a relay gateway over one multiplexed websocket link.
// ABOUTME: Wraps the upstream connector with list_tools, tool_info, call_tool, and Ask.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/tool-relay/internal/plan"
	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
	"github.com/2389/tool-relay/internal/session"
	"github.com/2389/tool-relay/internal/upstream"
)

// ErrUnknownTool is returned when a plan names a tool the gateway does not offer.
var ErrUnknownTool = errors.New("plan uses unknown tool")

// Config configures a Client.
type Config struct {
	// URL is the gateway websocket endpoint, e.g. ws://localhost:8765/ws.
	URL         string
	DialTimeout time.Duration
	// Timeout bounds each call. Zero uses the connector default.
	Timeout time.Duration
	// IdentityKey is the record field plan merges match on.
	IdentityKey string
	Logger      *slog.Logger

	// Dial overrides the websocket dialer.
	Dial upstream.DialFunc
}

// Client talks to a relay gateway. All methods are safe for concurrent use;
// calls share one link and are correlated by id.
type Client struct {
	conn        *upstream.Connector
	timeout     time.Duration
	identityKey string
	logger      *slog.Logger
}

// New creates a Client and starts its link reader. The link is dialed lazily
// on the first call. Cancelling ctx closes the client.
func New(ctx context.Context, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn := upstream.New(upstream.Config{
		URL:              cfg.URL,
		DialTimeout:      cfg.DialTimeout,
		Dial:             cfg.Dial,
		DefaultTimeout:   cfg.Timeout,
		WaitForReconnect: true,
		Logger:           logger,
	})
	conn.Start(ctx)
	return &Client{
		conn:        conn,
		timeout:     cfg.Timeout,
		identityKey: cfg.IdentityKey,
		logger:      logger.With("component", "client"),
	}
}

// Close closes the link and fails in-flight calls.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := c.conn.Call(ctx, method, params, c.timeout)
	if err != nil {
		var remote *upstream.RemoteError
		if errors.As(err, &remote) {
			return nil, &rpc.Error{Code: remote.Code, Message: remote.Message}
		}
		return nil, err
	}
	return raw, nil
}

// ListTools returns the gateway's catalog keyed by tool name. Full and
// redacted listings both decode into summaries.
func (c *Client) ListTools(ctx context.Context) (map[string]registry.Summary, error) {
	raw, err := c.call(ctx, session.MethodListTools, map[string]any{})
	if err != nil {
		return nil, err
	}
	var tools map[string]registry.Summary
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, fmt.Errorf("decoding tool listing: %w", err)
	}
	for name, t := range tools {
		if t.Name == "" {
			t.Name = name
		}
		if t.Params == nil {
			t.Params = []string{}
		}
		tools[name] = t
	}
	return tools, nil
}

// Tools returns the catalog as a list sorted by name.
func (c *Client) Tools(ctx context.Context) ([]registry.Summary, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]registry.Summary, 0, len(tools))
	for _, t := range tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ToolInfo returns one descriptor as the gateway encodes it.
func (c *Client) ToolInfo(ctx context.Context, name string) (json.RawMessage, error) {
	return c.call(ctx, session.MethodToolInfo, map[string]any{"name": name})
}

// CallTool invokes a tool and returns its raw result. It satisfies plan.ToolCaller.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return c.call(ctx, session.MethodCallTool, map[string]any{"name": name, "args": args})
}

// Answer is the outcome of Ask.
type Answer struct {
	Plan   *plan.Plan   `json:"plan"`
	Result *plan.Result `json:"result"`
}

// Ask plans query against the gateway's catalog and runs the plan.
func (c *Client) Ask(ctx context.Context, planner plan.Planner, query string) (*Answer, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	summaries := make([]registry.Summary, 0, len(tools))
	for _, t := range tools {
		summaries = append(summaries, t)
	}

	p, err := planner.Plan(ctx, query, summaries)
	if err != nil {
		return nil, err
	}
	for _, name := range p.ToolNames() {
		if _, ok := tools[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
	}
	c.logger.Debug("running plan", "steps", len(p.Steps), "tools", p.ToolNames())

	exec := plan.NewExecutor(plan.ExecutorConfig{
		Caller:      c,
		IdentityKey: c.identityKey,
		Logger:      c.logger,
	})
	res, err := exec.Run(ctx, p)
	if err != nil {
		return nil, err
	}
	return &Answer{Plan: p, Result: res}, nil
}
