// ABOUTME: Transport abstraction over the gateway socket and its coder/websocket implementation
// ABOUTME: Dial opens the socket, runs the handshake and returns a ready Conn

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

// defaultReadLimit bounds a single inbound frame; history payloads can be large.
const defaultReadLimit = 32 << 20

// Transport carries whole frames. Write must be safe to call concurrently
// with Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	err := t.conn.Close(websocket.StatusNormalClosure, "client closed")
	if err != nil && (errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1) {
		return nil
	}
	return err
}

// Dial opens a WebSocket to the gateway, performs the connect handshake and
// returns a ready Conn. On any failure the socket is closed.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", formatDialError(resp, err))
	}
	ws.SetReadLimit(defaultReadLimit)

	conn := NewConn(&wsTransport{conn: ws}, opts)
	if _, err := conn.Handshake(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func formatDialError(resp *http.Response, err error) error {
	if resp == nil {
		return err
	}
	if resp.Body != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return fmt.Errorf("%w (%s: %s)", err, resp.Status, msg)
		}
	}
	return fmt.Errorf("%w (%s)", err, resp.Status)
}
