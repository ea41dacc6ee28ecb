// Package mcp exposes the relay's tool registry over the Model Context Protocol.
//
// Every registry tool is published as an MCP tool under its qualified name.
// Input schemas come from inline object schemas on the descriptor or, failing
// that, from the declared parameter names. Calls run through the same
// dispatcher as websocket sessions, and tool failures come back as error
// results carrying the relay's error code and message:
//
//	srv := mcp.NewServer(mcp.Config{Dispatcher: dispatcher})
//	router.Handle("/mcp", srv)
//
// After the registry is replaced, call Sync to publish the new tool set.
package mcp
