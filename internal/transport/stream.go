// Package transport wraps gorilla/websocket dialing for the sidecar's two
// durable streams: the per-agent dispatch stream and the shared
// coordination stream. It owns only the connection lifecycle; payload
// decoding happens one layer up.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeTimeout matches the teacher's websocket proxy default.
const handshakeTimeout = 10 * time.Second

var dialer = websocket.Dialer{HandshakeTimeout: handshakeTimeout}

// Stream is a single long-lived websocket connection to one of the two
// durable streams.
type Stream struct {
	url    string
	header http.Header
	conn   *websocket.Conn
}

// New creates a Stream bound to url; Dial must be called before ReadLoop.
func New(url string, header http.Header) *Stream {
	return &Stream{url: url, header: header}
}

// Dial opens the connection.
func (s *Stream) Dial(ctx context.Context) error {
	conn, resp, err := dialer.DialContext(ctx, s.url, s.header)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", s.url, err)
	}
	s.conn = conn
	return nil
}

// ReadLoop blocks, invoking onMessage for every text/binary frame, until the
// connection dies. It returns the terminal read error — CleanClose(err)
// tells the caller whether that death was an expected close handshake.
func (s *Stream) ReadLoop(onMessage func([]byte)) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		onMessage(data)
	}
}

// Write sends one frame.
func (s *Stream) Write(data []byte) error {
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// CleanClose reports whether err represents an expected close handshake
// rather than a failure worth logging at error level.
func CleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
