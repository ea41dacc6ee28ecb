// Package gateway wires the relay's components into a running server.
//
// A Gateway owns the tool registry built from the tool document, the
// execution dispatcher with its four strategies, the upstream connector used
// by proxy_rpc tools, and the records store behind local callables. It serves:
//
//   - GET /health: liveness plus upstream link state and session counts
//   - GET /ws and GET /: websocket sessions speaking the relay envelope
//   - GET /tools: the tool catalog as JSON, or HTML with ?format=html
//   - /mcp: the same tools over the Model Context Protocol
//
// When server.grpc_addr is set, a gRPC health service reports SERVING while
// the upstream link is up. With tailscale enabled both listeners bind on the
// tailnet node instead of TCP.
//
//	gw, err := gateway.New(cfg, spec, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
package gateway
