// ABOUTME: Link abstraction over a framed bidirectional transport and its websocket implementation.
// ABOUTME: DialFunc values produce fresh links for the connector's reconnect procedure.

package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// Link is one framed connection to the upstream peer.
// Send may be called concurrently; Receive is only called by the reader goroutine.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc opens a new Link.
type DialFunc func(ctx context.Context) (Link, error)

// maxFrameSize bounds a single upstream frame. List results can be large.
const maxFrameSize = 16 << 20

// WebsocketDialer returns a DialFunc that connects to url, giving up after dialTimeout.
func WebsocketDialer(url string, dialTimeout time.Duration) DialFunc {
	return func(ctx context.Context) (Link, error) {
		if dialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, dialTimeout)
			defer cancel()
		}
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", url, err)
		}
		conn.SetReadLimit(maxFrameSize)
		return NewWebsocketLink(conn), nil
	}
}

// WebsocketLink adapts a websocket connection to Link using text frames.
type WebsocketLink struct {
	conn *websocket.Conn
}

// NewWebsocketLink wraps an established connection.
func NewWebsocketLink(conn *websocket.Conn) *WebsocketLink {
	return &WebsocketLink{conn: conn}
}

// Send writes one text frame.
func (l *WebsocketLink) Send(ctx context.Context, frame []byte) error {
	return l.conn.Write(ctx, websocket.MessageText, frame)
}

// Receive blocks for the next frame. Binary frames are returned as-is and
// rejected later by the JSON decoder.
func (l *WebsocketLink) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := l.conn.Read(ctx)
	return data, err
}

// Close performs a normal websocket close.
func (l *WebsocketLink) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "")
}
