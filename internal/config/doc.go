// Package config handles configuration loading for the tool-relay gateway.
//
// # Configuration File
//
// The path is resolved in this order:
//
//  1. The --config flag
//  2. The TOOL_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/tool-relay/gateway.yaml
//
// A missing file at the default location yields the defaults.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	planner:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// # Sections
//
//	server:
//	  addr: "0.0.0.0:8765"        # websocket, /tools, /mcp, /health
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health; empty disables it
//
//	upstream:
//	  url: "ws://localhost:8000/ws"
//	  dial_timeout: "10s"
//	  call_timeout: "10s"
//	  reconnect_attempts: 3
//	  backoff_base: "500ms"
//	  backoff_max: "30s"
//	  wait_for_reconnect: false
//
//	dispatch:
//	  workers: 16
//	  redact_listing: false
//	  http_timeout: "30s"
//	  subprocess_timeout: "30s"
//
//	database:
//	  path: "/var/lib/tool-relay/school.db"
//
//	tailscale:
//	  enabled: false
//	  hostname: "tool-relay"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	planner:
//	  provider: "rule"  # rule, anthropic, openai
//	  model: ""
//	  api_key: ""
//	  identity_key: "id"
//
//	spec: "tools.yaml"
//
// # Tool Documents
//
// LoadSpec reads the declarative tool document (JSON, YAML, or TOML). Its
// config.host, config.port and config.upstream_url (or the legacy
// websocket.url) fill the listen address and upstream URL when the YAML
// config leaves them at their defaults.
package config
