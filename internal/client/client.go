// ABOUTME: Client facade over one gateway connection: connect, sessions, chat and history
// ABOUTME: Session helpers degrade instead of failing; chat and history fall back to HTTP

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawlink/internal/chat"
	"github.com/2389/clawlink/internal/protocol"
	"github.com/2389/clawlink/internal/rpc"
	"github.com/2389/clawlink/internal/sessions"
)

var (
	// ErrNotConnected is returned by operations that need an open socket.
	ErrNotConnected = errors.New("not connected to gateway")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

const defaultHTTPTimeout = 15 * time.Second

// Credentials locate and authenticate one user's gateway. They are resolved
// by the caller.
type Credentials struct {
	GatewayURL string
	Token      string
}

// Options configures a Client.
type Options struct {
	// RPC carries client identity, scopes and timers for each connection.
	// Token is taken from Credentials.
	RPC rpc.Options

	HistoryLimit int
	HTTPClient   *http.Client

	// OnConnectionChange is called with true after a successful Connect and
	// with false when that connection ends. It runs synchronously inside
	// Connect and Close when they change the state, and on a watcher
	// goroutine when the gateway drops the connection.
	OnConnectionChange func(connected bool)

	Logger *slog.Logger
}

// Via reports which path a message took.
type Via string

const (
	ViaSocket Via = "socket"
	ViaHTTP   Via = "http"
)

// SendResult is the gateway's acknowledgement of a sent message.
type SendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status,omitempty"`
	Via    Via    `json:"via"`
}

// Client talks to one gateway over at most one connection at a time.
type Client struct {
	socketURL string
	opts      Options
	logger    *slog.Logger
	tasks     *tasks

	// connectMu serializes Connect so only one dial installs a connection.
	connectMu sync.Mutex

	mu        sync.Mutex
	conn      *rpc.Conn
	connected bool
	closed    bool
}

// New validates the credentials and returns an unconnected Client.
func New(creds Credentials, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	clientID := opts.RPC.Client.ID
	if clientID == "" {
		clientID = rpc.DefaultClientID
	}
	opts.RPC.Token = creds.Token
	if opts.RPC.Logger == nil {
		opts.RPC.Logger = opts.Logger
	}

	socketURL, err := BuildSocketURL(creds.GatewayURL, creds.Token, clientID)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With("component", "client")
	return &Client{
		socketURL: socketURL,
		opts:      opts,
		logger:    logger,
		tasks:     newTasks(logger),
	}, nil
}

// SocketURL returns the gateway socket URL including auth parameters.
func (c *Client) SocketURL() string {
	return c.socketURL
}

// Connect dials the gateway and completes the handshake. Any previous
// connection is closed first. Handshake failures are returned unchanged.
// Concurrent calls run one after another.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.conn
	c.conn = nil
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		c.setConnected(false)
	}

	conn, err := rpc.Dial(ctx, c.socketURL, c.opts.RPC)
	if err != nil {
		c.logger.Warn("gateway connect failed", "error", err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setConnected(true)
	c.tasks.Go("connection-watch", func() error {
		<-conn.Done()
		if !c.release(conn) {
			return nil
		}
		c.setConnected(false)
		return conn.Err()
	})

	if hello := conn.Hello(); hello != nil {
		c.logger.Info("connected to gateway",
			"protocol", hello.Protocol,
			"server_version", hello.Server.Version,
		)
	}
	return nil
}

// release forgets conn if it is still current and reports whether it was.
func (c *Client) release(conn *rpc.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	return true
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	changed := c.connected != v
	c.connected = v
	c.mu.Unlock()

	if changed && c.opts.OnConnectionChange != nil {
		c.opts.OnConnectionChange(v)
	}
}

// Connected reports whether a handshaken connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.connected
}

// Conn returns the current connection or ErrNotConnected.
func (c *Client) Conn() (*rpc.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Errors reports failures from background work such as connection loss.
func (c *Client) Errors() <-chan error {
	return c.tasks.Errors()
}

// Catalog returns a session catalog bound to the current connection.
func (c *Client) Catalog() (*sessions.Catalog, error) {
	conn, err := c.Conn()
	if err != nil {
		return nil, err
	}
	return sessions.NewCatalog(conn, c.opts.Logger), nil
}

// ListSessions lists sessions. On any gateway failure it returns an empty
// list and degraded=true.
func (c *Client) ListSessions(ctx context.Context, opts sessions.ListOptions) ([]sessions.Session, bool) {
	cat, err := c.Catalog()
	if err != nil {
		c.logger.Info("listing sessions without gateway", "error", err)
		return []sessions.Session{}, true
	}
	list, err := cat.List(ctx, opts)
	if err != nil {
		c.logger.Warn("listing sessions failed", "error", err)
		return []sessions.Session{}, true
	}
	return list, false
}

// PatchSession updates a session label. Gateway failures become a no-op with
// degraded=true; only local validation errors are returned.
func (c *Client) PatchSession(ctx context.Context, bareKey string, opts sessions.PatchOptions) (bool, error) {
	if bareKey == "" {
		return false, sessions.ErrEmptyKey
	}
	cat, err := c.Catalog()
	if err != nil {
		c.logger.Info("patch skipped without gateway", "session_key", bareKey, "error", err)
		return true, nil
	}
	if err := cat.Patch(ctx, bareKey, opts); err != nil {
		c.logger.Warn("patching session failed", "session_key", bareKey, "error", err)
		return true, nil
	}
	return false, nil
}

// DeleteSession deletes a session. Deleting main is always rejected locally;
// gateway failures become a no-op with degraded=true.
func (c *Client) DeleteSession(ctx context.Context, bareKey string, opts sessions.DeleteOptions) (bool, error) {
	if bareKey == "" {
		return false, sessions.ErrEmptyKey
	}
	if sessions.Normalize(bareKey) == sessions.MainKey {
		return false, sessions.ErrMainUndeletable
	}
	cat, err := c.Catalog()
	if err != nil {
		c.logger.Info("delete skipped without gateway", "session_key", bareKey, "error", err)
		return true, nil
	}
	if err := cat.Delete(ctx, bareKey, opts); err != nil {
		c.logger.Warn("deleting session failed", "session_key", bareKey, "error", err)
		return true, nil
	}
	return false, nil
}

// Chat opens a streaming view of one session on the current connection.
// The caller closes the returned Stream.
func (c *Client) Chat(sessionKey string, opts chat.Options) (*chat.Stream, error) {
	conn, err := c.Conn()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = c.opts.Logger
	}
	return chat.NewStream(conn, sessionKey, opts), nil
}

// Send delivers a message without streaming the reply. It uses chat.send
// when a socket is open and the gateway's HTTP endpoint otherwise, or when
// the socket fails mid-call. An empty idempotencyKey is generated.
func (c *Client) Send(ctx context.Context, sessionKey, text, idempotencyKey string) (SendResult, error) {
	if text == "" {
		return SendResult{}, chat.ErrEmptyMessage
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	key := sessions.Canonicalize(sessionKey)

	if conn, err := c.Conn(); err == nil {
		var ack chat.SendAck
		err := conn.Call(ctx, protocol.MethodChatSend, map[string]any{
			"sessionKey":     key,
			"message":        text,
			"idempotencyKey": idempotencyKey,
			"deliver":        false,
		}, &ack)
		if err == nil {
			if ack.RunID == "" {
				ack.RunID = idempotencyKey
			}
			return SendResult{RunID: ack.RunID, Status: ack.Status, Via: ViaSocket}, nil
		}
		if !rpc.IsConnectionError(err) {
			return SendResult{}, fmt.Errorf("sending message: %w", err)
		}
		c.logger.Warn("socket send failed, using http", "session_key", key, "error", err)
	}

	ack, err := chat.SendHTTP(ctx, c.opts.HTTPClient, c.socketURL, key, text, idempotencyKey)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{RunID: ack.RunID, Status: ack.Status, Via: ViaHTTP}, nil
}

// Abort asks the gateway to stop a run. It is best-effort.
func (c *Client) Abort(ctx context.Context, sessionKey, runID string) error {
	conn, err := c.Conn()
	if err != nil {
		return err
	}
	params := map[string]string{"sessionKey": sessions.Canonicalize(sessionKey)}
	if runID != "" {
		params["runId"] = runID
	}
	if err := conn.Call(ctx, protocol.MethodChatAbort, params, nil); err != nil {
		return fmt.Errorf("aborting run: %w", err)
	}
	return nil
}

// LoadHistory loads a transcript, over chat.history when connected and
// through the HTTP endpoint when not or when chat.history is empty.
func (c *Client) LoadHistory(ctx context.Context, sessionKey string) (chat.History, error) {
	var caller chat.Caller
	if conn, err := c.Conn(); err == nil {
		caller = conn
	}
	loader := chat.NewHistoryLoader(caller, c.socketURL, chat.HistoryOptions{
		Limit:      c.opts.HistoryLimit,
		HTTPClient: c.opts.HTTPClient,
		Logger:     c.opts.Logger,
	})
	return loader.Load(ctx, sessionKey)
}

// Close closes the connection and waits for background tasks. Further
// calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		c.setConnected(false)
	}
	c.tasks.Wait()
	return nil
}
