// ABOUTME: HTTP routes for the gateway: health, websocket sessions, tool catalog, and MCP
// ABOUTME: The catalog renders as JSON or, with ?format=html, as markdown converted by goldmark

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"

	"github.com/2389/tool-relay/internal/registry"
)

// Handler returns the gateway's HTTP router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/tools", g.handleTools)
	r.Handle("/mcp", g.mcpServer)
	r.Get("/ws", g.sessions.ServeHTTP)
	r.Get("/", g.sessions.ServeHTTP)
	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Upstream string `json:"upstream"`
	Tools    int    `json:"tools"`
	Sessions int64  `json:"sessions"`
	InFlight int64  `json:"in_flight"`
	Pending  int    `json:"pending_upstream"`
}

// handleHealth always answers 200 while the process serves; the upstream
// link state is reported in the body and by the gRPC health service.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	upstreamState := "disconnected"
	if g.connector.Connected() {
		upstreamState = "connected"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Upstream: upstreamState,
		Tools:    g.dispatcher.Registry().Len(),
		Sessions: g.sessions.Active(),
		InFlight: g.sessions.InFlight(),
		Pending:  g.connector.PendingCount(),
	})
}

func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	reg := g.dispatcher.Registry()
	redact := g.config.Dispatch.RedactListing

	if r.URL.Query().Get("format") == "html" {
		var htmlBuf bytes.Buffer
		if err := goldmark.Convert([]byte(catalogMarkdown(reg, redact)), &htmlBuf); err != nil {
			g.logger.Error("failed to convert tool catalog", "error", err)
			http.Error(w, "failed to render catalog", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>Tools</title></head><body>\n%s</body></html>\n", htmlBuf.String())
		return
	}

	if redact {
		writeJSON(w, http.StatusOK, reg.Redacted())
		return
	}
	writeJSON(w, http.StatusOK, reg.Mapping())
}

// catalogMarkdown lists tools by group. Descriptions are markdown and pass
// through unchanged. A redacted catalog shows only names, descriptions, and params.
func catalogMarkdown(reg *registry.Registry, redact bool) string {
	groups := reg.Groups()

	var b strings.Builder
	b.WriteString("# Tools\n")

	current := ""
	for _, tool := range reg.List() {
		if tool.Group != current {
			current = tool.Group
			fmt.Fprintf(&b, "\n## %s\n", current)
			if desc := groups[current]; desc != "" {
				fmt.Fprintf(&b, "\n%s\n", desc)
			}
		}

		fmt.Fprintf(&b, "\n### `%s`\n\n", tool.Name)
		if tool.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", tool.Description)
		}
		if len(tool.Params) > 0 {
			fmt.Fprintf(&b, "- params: `%s`\n", strings.Join(tool.Params, "`, `"))
		}
		if redact {
			continue
		}
		if tool.Type != "" {
			fmt.Fprintf(&b, "- type: `%s`\n", tool.Type)
		}
		if tool.Timeout > 0 {
			fmt.Fprintf(&b, "- timeout: %s\n", tool.Timeout)
		}
		if tool.Endpoint != "" {
			fmt.Fprintf(&b, "- endpoint: `%s`\n", tool.Endpoint)
		}
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
