// ABOUTME: Inbound websocket session serving list_tools, tool_info, and call_tool.
// ABOUTME: Handles frames concurrently up to a per-session cap and serializes replies through one write lock.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
)

// Method names a session answers.
const (
	MethodListTools = "list_tools"
	MethodToolInfo  = "tool_info"
	MethodCallTool  = "call_tool"
)

const (
	readLimit    = 16 << 20
	writeTimeout = 10 * time.Second
)

// DefaultMaxInFlight caps concurrent requests per session when Config.MaxInFlight is zero.
const DefaultMaxInFlight = 64

// Dispatcher runs tool calls and exposes the registry they resolve against.
type Dispatcher interface {
	Call(ctx context.Context, name string, args map[string]any) (any, error)
	Registry() *registry.Registry
}

// Router answers one validated request. A returned *rpc.Error keeps its code
// on the wire; any other error becomes an execution error.
type Router interface {
	Route(ctx context.Context, req *rpc.Request) (any, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, req *rpc.Request) (any, error)

// Route implements Router.
func (f RouterFunc) Route(ctx context.Context, req *rpc.Request) (any, error) { return f(ctx, req) }

// Config configures a Handler.
type Config struct {
	Dispatcher Dispatcher
	// Router replaces the list_tools/tool_info/call_tool methods served over Dispatcher.
	Router Router
	// RedactListing makes list_tools return only name, description, and params.
	RedactListing bool
	// MaxInFlight caps concurrent requests per session. Reading pauses at the cap.
	MaxInFlight int
	// OriginPatterns are passed to websocket.Accept for cross-origin clients.
	OriginPatterns []string
	Logger         *slog.Logger
}

// Handler accepts downstream websocket connections and serves one session per connection.
type Handler struct {
	router      Router
	maxInFlight int64
	origins     []string
	logger      *slog.Logger
	active      atomic.Int64
	inFlight    atomic.Int64
}

// New creates a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	router := cfg.Router
	if router == nil {
		router = &toolRouter{dispatcher: cfg.Dispatcher, redact: cfg.RedactListing, logger: logger}
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Handler{
		router:      router,
		maxInFlight: int64(maxInFlight),
		origins:     cfg.OriginPatterns,
		logger:      logger,
	}
}

// Active returns the number of open sessions.
func (h *Handler) Active() int64 { return h.active.Load() }

// InFlight returns the number of requests being handled across all sessions.
func (h *Handler) InFlight() int64 { return h.inFlight.Load() }

// ServeHTTP upgrades the request to a websocket and serves it until disconnect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.Serve(r.Context(), conn, r.RemoteAddr)
}

// session is the per-connection state.
type session struct {
	id      string
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
}

// Serve runs a session on an accepted connection. It returns when the peer
// disconnects, after cancelling and awaiting every in-flight request.
func (h *Handler) Serve(ctx context.Context, conn *websocket.Conn, remote string) {
	conn.SetReadLimit(readLimit)

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
	}
	s.logger = h.logger.With("session_id", s.id, "remote", remote)

	h.active.Add(1)
	s.logger.Info("session opened")

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	slots := semaphore.NewWeighted(h.maxInFlight)
	defer func() {
		cancel()
		wg.Wait()
		h.active.Add(-1)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("session closed")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.logger.Debug("client disconnected", "status", status)
			} else if !errors.Is(err, context.Canceled) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}

		if err := slots.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		h.inFlight.Add(1)
		go func() {
			defer wg.Done()
			defer slots.Release(1)
			defer h.inFlight.Add(-1)
			h.handleFrame(ctx, s, data)
		}()
	}
}

// handleFrame answers one frame. Nothing raised here ends the session.
func (h *Handler) handleFrame(ctx context.Context, s *session, data []byte) {
	var id json.RawMessage
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panicked",
				"request_id", rpc.IDString(id),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			s.write(ctx, rpc.NewErrorResponse(id, rpc.Errorf(rpc.CodeInternal, "internal error: %v", r)))
		}
	}()

	req, err := rpc.DecodeRequest(data)
	if err != nil {
		s.logger.Warn("malformed frame", "error", err, "size", len(data))
		s.write(ctx, rpc.NewErrorResponse(nil, rpc.FromError(err)))
		return
	}
	id = req.ID

	if err := req.Validate(); err != nil {
		s.logger.Warn("invalid request", "request_id", req.IDString(), "error", err)
		s.write(ctx, rpc.NewErrorResponse(req.ID, rpc.FromError(err)))
		return
	}

	start := time.Now()
	result, err := h.router.Route(ctx, req)
	if err != nil {
		rerr := rpc.FromError(err)
		s.logger.Info("request failed",
			"request_id", req.IDString(),
			"method", req.Method,
			"code", rerr.Code,
			"error", rerr.Message,
			"duration", time.Since(start),
		)
		s.write(ctx, rpc.NewErrorResponse(req.ID, rerr))
		return
	}

	resp, err := rpc.NewResult(req.ID, result)
	if err != nil {
		s.logger.Error("encoding result", "request_id", req.IDString(), "error", err)
		s.write(ctx, rpc.NewErrorResponse(req.ID, rpc.Errorf(rpc.CodeInternal, "encoding result: %v", err)))
		return
	}
	s.logger.Debug("request handled", "request_id", req.IDString(), "method", req.Method, "duration", time.Since(start))
	s.write(ctx, resp)
}

// toolRouter serves the gateway methods over a Dispatcher.
type toolRouter struct {
	dispatcher Dispatcher
	redact     bool
	logger     *slog.Logger
}

// Route implements Router.
func (h *toolRouter) Route(ctx context.Context, req *rpc.Request) (any, error) {
	switch req.Method {
	case MethodListTools, MethodToolInfo, MethodCallTool:
	default:
		return nil, rpc.NotFound("Method not found: %s", req.Method)
	}

	params, err := req.ParamsObject()
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case MethodListTools:
		if h.redact {
			return h.dispatcher.Registry().Redacted(), nil
		}
		return h.dispatcher.Registry().Mapping(), nil

	case MethodToolInfo:
		name, err := toolName(params)
		if err != nil {
			return nil, err
		}
		tool, err := h.dispatcher.Registry().Get(name)
		if err != nil {
			return nil, rpc.NotFound("Tool not found: %s", name)
		}
		if h.redact {
			return tool.Summary(), nil
		}
		return tool, nil

	case MethodCallTool:
		name, err := toolName(params)
		if err != nil {
			return nil, err
		}
		args, err := toolArgs(params)
		if err != nil {
			return nil, err
		}
		h.logger.Info("call_tool", "request_id", req.IDString(), "tool_name", name)
		return h.dispatcher.Call(ctx, name, args)
	}
	return nil, nil
}

func toolName(params map[string]any) (string, error) {
	name, ok := params["name"].(string)
	if !ok || name == "" {
		return "", rpc.Errorf(rpc.CodeInvalidParams, "params.name must be a non-empty string")
	}
	return name, nil
}

func toolArgs(params map[string]any) (map[string]any, error) {
	switch args := params["args"].(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return args, nil
	default:
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "params.args must be an object, got %T", args)
	}
}

// write sends one response under the session write lock. Failures are logged;
// the read loop notices a dead transport on its own.
func (s *session) write(ctx context.Context, resp *rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding response", "request_id", rpc.IDString(resp.ID), "error", err)
		data, _ = json.Marshal(rpc.NewErrorResponse(resp.ID, rpc.Errorf(rpc.CodeInternal, "encoding response: %v", err)))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("write failed", "request_id", rpc.IDString(resp.ID), "error", err)
	}
}
