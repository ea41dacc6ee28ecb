// Package rpc defines the JSON envelope shared by the downstream session
// protocol and the upstream link, together with the wire error taxonomy.
//
// A request is {"id", "method", "params"}. A response carries the same id and
// exactly one of "result" or "error". Error codes follow JSON-RPC where a
// matching code exists:
//
//	-32700  parse error (malformed frame)
//	-32600  invalid request (missing id or method)
//	-32601  not found (unknown method, tool, or record)
//	-32602  invalid params
//	-32603  internal error (recovered panic)
//	-32000  execution error (tool failed)
//	-32001  configuration error (bad descriptor or spec)
package rpc
