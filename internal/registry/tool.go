// ABOUTME: Canonical tool descriptor, execution kinds, and legacy type aliases.
// ABOUTME: Descriptors encode to JSON in the shape returned by list_tools and tool_info.

package registry

import (
	"encoding/json"
	"time"
)

// Kind selects the execution strategy for a tool.
type Kind string

const (
	KindProxyRPC   Kind = "proxy_rpc"
	KindLocal      Kind = "local_invocation"
	KindExternal   Kind = "external_call"
	KindSubprocess Kind = "subprocess"
)

// kindAliases maps type names used by older tool documents to their kind.
var kindAliases = map[string]Kind{
	"websocket":       KindProxyRPC,
	"rpc":             KindProxyRPC,
	"python_function": KindLocal,
	"function":        KindLocal,
	"local":           KindLocal,
	"http":            KindExternal,
	"script":          KindSubprocess,
}

// ParseKind resolves a type name, including legacy aliases. Unrecognized
// names are returned unchanged so dispatch can reject them.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindProxyRPC, KindLocal, KindExternal, KindSubprocess:
		return k
	}
	if k, ok := kindAliases[s]; ok {
		return k
	}
	return Kind(s)
}

// Known reports whether k names one of the four execution strategies.
func (k Kind) Known() bool {
	switch k {
	case KindProxyRPC, KindLocal, KindExternal, KindSubprocess:
		return true
	}
	return false
}

// Tool is a normalized tool descriptor.
type Tool struct {
	Name        string
	Group       string
	Method      string
	Type        Kind
	Target      string
	Params      []string
	Schema      any
	Serializer  string
	Timeout     time.Duration
	Path        string
	Endpoint    string
	Description string
}

type toolJSON struct {
	Name        string   `json:"name"`
	Type        Kind     `json:"type,omitempty"`
	Target      string   `json:"target,omitempty"`
	Params      []string `json:"params"`
	Schema      any      `json:"schema,omitempty"`
	Serializer  string   `json:"serializer,omitempty"`
	Timeout     float64  `json:"timeout,omitempty"`
	Path        string   `json:"path,omitempty"`
	Endpoint    string   `json:"endpoint,omitempty"`
	Description string   `json:"description,omitempty"`
}

// MarshalJSON encodes the descriptor with its timeout in seconds.
func (t *Tool) MarshalJSON() ([]byte, error) {
	params := t.Params
	if params == nil {
		params = []string{}
	}
	return json.Marshal(toolJSON{
		Name:        t.Name,
		Type:        t.Type,
		Target:      t.Target,
		Params:      params,
		Schema:      t.Schema,
		Serializer:  t.Serializer,
		Timeout:     t.Timeout.Seconds(),
		Path:        t.Path,
		Endpoint:    t.Endpoint,
		Description: t.Description,
	})
}

// Summary is the redacted view of a tool offered to untrusted clients.
type Summary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params"`
}

// Summary returns the redacted view of t.
func (t *Tool) Summary() Summary {
	params := t.Params
	if params == nil {
		params = []string{}
	}
	return Summary{Name: t.Name, Description: t.Description, Params: params}
}

// HasParam reports whether name is a declared parameter.
func (t *Tool) HasParam(name string) bool {
	for _, p := range t.Params {
		if p == name {
			return true
		}
	}
	return false
}
