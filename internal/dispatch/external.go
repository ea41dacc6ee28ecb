// ABOUTME: external_call strategy issuing outbound HTTP requests for tool calls.
// ABOUTME: Guards each endpoint host with a circuit breaker and parses JSON or text bodies.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
)

// DefaultHTTPTimeout applies to external calls that declare no timeout.
const DefaultHTTPTimeout = 30 * time.Second

const (
	maxResponseBody     = 16 << 20
	breakerTripFailures = 5
	breakerOpenTimeout  = 30 * time.Second
)

// External is the external_call strategy.
type External struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewExternal creates the external_call strategy. A nil client uses a default one.
func NewExternal(client *http.Client, timeout time.Duration, logger *slog.Logger) *External {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &External{
		client:   client,
		timeout:  timeout,
		logger:   logger.With("component", "external_call"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Kind implements Strategy.
func (e *External) Kind() registry.Kind { return registry.KindExternal }

// Blocking implements Blocker.
func (e *External) Blocking(*registry.Tool) bool { return true }

type httpReply struct {
	status int
	body   []byte
}

// Execute implements Strategy. The descriptor's target is the HTTP method.
func (e *External) Execute(ctx context.Context, tool *registry.Tool, args map[string]any) (any, error) {
	if tool.Endpoint == "" {
		return nil, rpc.Configuration("%s: external_call requires an endpoint", tool.Name)
	}
	endpoint, err := url.Parse(tool.Endpoint)
	if err != nil || endpoint.Host == "" {
		return nil, rpc.Configuration("%s: invalid endpoint %q", tool.Name, tool.Endpoint)
	}

	method := strings.ToUpper(tool.Target)
	if method == "" {
		method = http.MethodGet
	}
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := buildRequest(ctx, method, endpoint, args)
	if err != nil {
		return nil, rpc.Execution("%s: building request: %v", tool.Name, err)
	}

	out, err := e.breaker(endpoint.Host).Execute(func() (any, error) {
		return e.do(req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, rpc.Execution("%s: endpoint %s unavailable (circuit open)", tool.Name, endpoint.Host)
	}
	if err != nil {
		return nil, rpc.Execution("%s: %v", tool.Name, err)
	}

	reply := out.(*httpReply)
	if reply.status < 200 || reply.status > 299 {
		return nil, rpc.Execution("%s: %s %s returned %d: %s",
			tool.Name, method, endpoint.Host, reply.status, strings.TrimSpace(string(reply.body)))
	}
	return parseOutput(reply.body), nil
}

// do performs the request. Server errors count against the breaker; client
// errors are returned as replies so a bad argument cannot trip it.
func (e *External) do(req *http.Request) (*httpReply, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%s returned %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &httpReply{status: resp.StatusCode, body: body}, nil
}

func (e *External) breaker(host string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	e.breakers[host] = cb
	return cb
}

// buildRequest encodes args as query parameters for GET and as a JSON body
// for every other method.
func buildRequest(ctx context.Context, method string, endpoint *url.URL, args map[string]any) (*http.Request, error) {
	u := *endpoint
	switch method {
	case http.MethodGet:
		q := u.Query()
		for name, v := range args {
			q.Set(name, formatArg(v))
		}
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	default:
		body, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// parseOutput decodes JSON output, falling back to the trimmed raw text.
func parseOutput(data []byte) any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(trimmed)
}
