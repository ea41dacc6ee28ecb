// ABOUTME: proxy_rpc strategy forwarding a tool call to the upstream peer.
// ABOUTME: Upstream and connection failures become execution errors carrying the upstream message.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
	"github.com/2389/tool-relay/internal/upstream"
)

// DefaultProxyTimeout applies to proxied tools that declare no timeout.
const DefaultProxyTimeout = 10 * time.Second

// Caller sends one request upstream. *upstream.Connector satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Proxy forwards calls under the tool's full name.
type Proxy struct {
	caller  Caller
	timeout time.Duration
}

// NewProxy creates the proxy_rpc strategy. A zero timeout uses DefaultProxyTimeout.
func NewProxy(caller Caller, timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}
	return &Proxy{caller: caller, timeout: timeout}
}

// Kind implements Strategy.
func (p *Proxy) Kind() registry.Kind { return registry.KindProxyRPC }

// Execute implements Strategy. The upstream result is passed through undecoded.
func (p *Proxy) Execute(ctx context.Context, tool *registry.Tool, args map[string]any) (any, error) {
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}

	raw, err := p.caller.Call(ctx, tool.Name, args, timeout)
	if err != nil {
		var remote *upstream.RemoteError
		if errors.As(err, &remote) {
			return nil, rpc.Execution("%s", remote.Message)
		}
		return nil, rpc.Execution("%s: %v", tool.Name, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}
