// ABOUTME: Loads the declarative tool document from JSON, YAML, or TOML
// ABOUTME: Exposes the raw tool tree and lets the document fill unset gateway settings

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Spec is a declarative tool document.
type Spec struct {
	// Tools is the raw group -> method -> descriptor tree.
	Tools map[string]any `json:"tools" yaml:"tools" toml:"tools"`

	Config    SpecSettings  `json:"config" yaml:"config" toml:"config"`
	Websocket SpecWebsocket `json:"websocket" yaml:"websocket" toml:"websocket"`
}

// SpecSettings is the document's own config block.
type SpecSettings struct {
	Host        string `json:"host" yaml:"host" toml:"host"`
	Port        int    `json:"port" yaml:"port" toml:"port"`
	UpstreamURL string `json:"upstream_url" yaml:"upstream_url" toml:"upstream_url"`
}

// SpecWebsocket is the legacy location of the upstream URL.
type SpecWebsocket struct {
	URL string `json:"url" yaml:"url" toml:"url"`
}

// LoadSpec reads a tool document, choosing the decoder by file extension.
// Unknown extensions are decoded as JSON.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec file: %w", err)
	}
	return ParseSpec(data, filepath.Ext(path))
}

// ParseSpec decodes a tool document; ext selects the format (".yaml", ".yml", ".toml", or JSON).
func ParseSpec(data []byte, ext string) (*Spec, error) {
	var spec Spec
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &spec); err != nil {
			return nil, fmt.Errorf("parsing yaml spec: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expandEnvVars(string(data)), &spec); err != nil {
			return nil, fmt.Errorf("parsing toml spec: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("parsing json spec: %w", err)
		}
	}
	if spec.Tools == nil {
		spec.Tools = map[string]any{}
	}
	return &spec, nil
}

// UpstreamURL returns the document's upstream URL, preferring config.upstream_url
// over the legacy websocket.url.
func (s *Spec) UpstreamURL() string {
	if s.Config.UpstreamURL != "" {
		return s.Config.UpstreamURL
	}
	return s.Websocket.URL
}

// Addr returns the listen address the document asks for, or "" when it names none.
func (s *Spec) Addr() string {
	if s.Config.Host == "" && s.Config.Port == 0 {
		return ""
	}
	host := s.Config.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.Config.Port
	if port == 0 {
		port = 8765
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ApplySpec fills the listen address and upstream URL from the tool document
// when the YAML config left them at their defaults.
func (c *Config) ApplySpec(spec *Spec) {
	if addr := spec.Addr(); addr != "" && c.Server.Addr == DefaultAddr {
		c.Server.Addr = addr
	}
	if url := spec.UpstreamURL(); url != "" && c.Upstream.URL == DefaultUpstreamURL {
		c.Upstream.URL = url
	}
}
