// Package session serves downstream websocket clients.
//
// Each connection is one session. Frames are JSON request envelopes; every
// request runs on its own goroutine, so a client may pipeline many calls and
// receive replies in completion order, correlated by id. At most MaxInFlight
// requests run per session; reading pauses at the cap. Replies go out
// through a per-session write lock.
//
// Methods:
//
//	list_tools              every descriptor, keyed by name (redacted when configured)
//	tool_info {name}        one descriptor
//	call_tool {name, args}  dispatch result
//
// Malformed frames, invalid requests, unknown methods and failed tool calls
// are all answered with an error envelope. Only a transport disconnect ends a
// session; its in-flight requests are then cancelled and awaited.
package session
