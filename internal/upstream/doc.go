// Package upstream multiplexes many concurrent calls over one persistent
// websocket link to an upstream RPC peer.
//
// # Overview
//
// A Connector owns at most one open Link. Callers invoke Call, which assigns
// a fresh UUID, registers a one-shot slot in the PendingTable, writes the
// request, and waits for its own slot. A single reader goroutine performs
// every read from the link and resolves slots by id, so requests pipeline
// without head-of-line blocking.
//
// # Failure handling
//
// When the link drops, the reader fails every call that was sent on that link
// with ErrConnectionLost, backs off, and reconnects. Reconnection is mutually
// exclusive: concurrent callers that find the link down share one dial
// procedure, or fail fast with ErrNotConnected when WaitForReconnect is off.
//
// A caller whose timeout expires removes its own slot and returns ErrTimeout.
// A reply that arrives later finds no slot and is discarded.
package upstream
