// ABOUTME: In-process fake agent gateway speaking the real socket protocol for tests
// ABOUTME: Scripted sessions, chat streaming, history endpoints and request recording

// Package gatewaytest runs a fake agent gateway on an httptest server.
//
// It accepts WebSocket connections at /ws, sends connect.challenge, enforces
// a client-id allow-list and token, and implements sessions.* and chat.*
// against in-memory state. /ws/api/history and /ws/api/send provide the HTTP
// fallbacks. Every request frame is recorded for assertions.
package gatewaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/clawlink/internal/protocol"
)

// DefaultAllowedClients mirrors the gateway's own client-id allow-list.
var DefaultAllowedClients = []string{"gateway-client", "webchat", "sessions-api"}

// Options configures the fake gateway's behavior.
type Options struct {
	// Token, when set, must match auth.token in connect.
	Token string

	// AllowedClients defaults to DefaultAllowedClients.
	AllowedClients []string

	// SkipChallenge suppresses connect.challenge so clients hit their fallback timer.
	SkipChallenge bool

	// HelloType overrides the connect payload type (default hello-ok).
	HelloType string

	// Hold lists methods that are recorded but never answered.
	Hold map[string]bool

	// EmptyRPCHistory makes chat.history return no messages even when history exists.
	EmptyRPCHistory bool

	// ReplyChunks are the cumulative assistant texts streamed for each chat.send.
	ReplyChunks []string

	// DeltaBeforeAck emits the first delta before answering chat.send.
	DeltaBeforeAck bool

	// ChunkDelay spaces out streamed deltas.
	ChunkDelay time.Duration

	// StreamError makes every run end in an error event instead of final.
	StreamError string
}

// Session is a sessions.list row. Empty fields are omitted on the wire.
type Session struct {
	Key         string `json:"key,omitempty"`
	Label       string `json:"label,omitempty"`
	Kind        string `json:"kind,omitempty"`
	UpdatedAt   *int64 `json:"updatedAt,omitempty"`
	TotalTokens *int64 `json:"totalTokens,omitempty"`
}

// Gateway is a running fake gateway.
type Gateway struct {
	// URL is the socket endpoint, e.g. ws://127.0.0.1:1234/ws.
	URL string

	server *httptest.Server
	opts   Options

	mu          sync.Mutex
	sessions    []Session
	history     map[string][]map[string]any
	requests    []protocol.Envelope
	responses   int
	conns       map[*websocket.Conn]struct{}
	connects    int
	aborts      []string
	runs        map[string]context.CancelFunc
	httpQueries []url.Values
	httpSends   []map[string]any
}

// New starts a fake gateway and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts Options) *Gateway {
	t.Helper()

	if len(opts.AllowedClients) == 0 {
		opts.AllowedClients = DefaultAllowedClients
	}
	if opts.HelloType == "" {
		opts.HelloType = protocol.HelloOK
	}
	if len(opts.ReplyChunks) == 0 {
		opts.ReplyChunks = []string{"Hel", "Hello", "Hello there"}
	}

	g := &Gateway{
		opts:    opts,
		history: make(map[string][]map[string]any),
		conns:   make(map[*websocket.Conn]struct{}),
		runs:    make(map[string]context.CancelFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleSocket)
	mux.HandleFunc("GET /ws/api/history", g.handleHTTPHistory)
	mux.HandleFunc("POST /ws/api/send", g.handleHTTPSend)

	g.server = httptest.NewServer(mux)
	g.URL = "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"

	t.Cleanup(g.Close)
	return g
}

// Close disconnects every client and stops the server.
func (g *Gateway) Close() {
	g.mu.Lock()
	for c := range g.conns {
		_ = c.Close(websocket.StatusGoingAway, "gateway shutting down")
	}
	for _, cancel := range g.runs {
		cancel()
	}
	g.mu.Unlock()
	g.server.Close()
}

// SocketURL returns URL with token and clientId query parameters.
func (g *Gateway) SocketURL(clientID string) string {
	q := url.Values{}
	if g.opts.Token != "" {
		q.Set("token", g.opts.Token)
	}
	q.Set("clientId", clientID)
	return g.URL + "?" + q.Encode()
}

// SetSessions replaces the sessions.list result.
func (g *Gateway) SetSessions(sessions ...Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = append([]Session(nil), sessions...)
}

// Sessions returns the current session rows.
func (g *Gateway) Sessions() []Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Session(nil), g.sessions...)
}

// SetHistory replaces the transcript for a canonical session key.
func (g *Gateway) SetHistory(sessionKey string, messages ...map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history[sessionKey] = append([]map[string]any(nil), messages...)
}

// Requests returns every request frame received, in order.
func (g *Gateway) Requests() []protocol.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.Envelope(nil), g.requests...)
}

// RequestsFor returns the recorded requests for one method.
func (g *Gateway) RequestsFor(method string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, r := range g.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// ResponsesSent returns the number of response frames written.
func (g *Gateway) ResponsesSent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.responses
}

// Connects returns the number of accepted connect handshakes.
func (g *Gateway) Connects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects
}

// Aborts returns the run IDs passed to chat.abort.
func (g *Gateway) Aborts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.aborts...)
}

// HTTPHistoryQueries returns the query strings received by /ws/api/history.
func (g *Gateway) HTTPHistoryQueries() []url.Values {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]url.Values(nil), g.httpQueries...)
}

// HTTPSends returns the bodies received by /ws/api/send.
func (g *Gateway) HTTPSends() []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]any(nil), g.httpSends...)
}

// Broadcast sends an event to every connected client.
func (g *Gateway) Broadcast(name string, payload any) {
	env, err := protocol.NewEvent(name, payload)
	if err != nil {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	g.BroadcastRaw(data)
}

// BroadcastRaw writes bytes verbatim to every connected client.
func (g *Gateway) BroadcastRaw(data []byte) {
	g.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

// DropConnections closes every socket without a close handshake.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		_ = c.CloseNow()
	}
}

func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}

	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		_ = conn.CloseNow()
	}()

	ctx := r.Context()
	if !g.opts.SkipChallenge {
		if err := wsjson.Write(ctx, conn, map[string]any{
			"type":    "event",
			"event":   protocol.EventConnectChallenge,
			"payload": map[string]any{"nonce": "nonce-1", "ts": time.Now().UnixMilli()},
		}); err != nil {
			return
		}
	}

	s := &socket{g: g, conn: conn}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Kind != protocol.KindRequest {
			continue
		}

		g.mu.Lock()
		g.requests = append(g.requests, env)
		g.mu.Unlock()

		if g.opts.Hold[env.Method] {
			continue
		}
		s.handle(ctx, env)
	}
}

func (g *Gateway) handleHTTPHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("sessionKey")

	g.mu.Lock()
	g.httpQueries = append(g.httpQueries, q)
	messages := g.history[canonical(key)]
	g.mu.Unlock()

	if messages == nil {
		messages = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessionKey": canonical(key),
		"messages":   messages,
	})
}

func (g *Gateway) handleHTTPSend(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.httpSends = append(g.httpSends, body)
	g.mu.Unlock()

	runID, _ := body["idempotencyKey"].(string)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runId": runID, "status": "started"})
}

func canonical(key string) string {
	if strings.HasPrefix(key, "agent:") || key == "" {
		return key
	}
	return "agent:main:" + key
}
