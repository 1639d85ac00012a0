// ABOUTME: Tests for the client facade against the fake gateway
// ABOUTME: Covers connect, reconnect, degradation, HTTP fallbacks and the full list round trip

package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawlink/internal/chat"
	"github.com/2389/clawlink/internal/gatewaytest"
	"github.com/2389/clawlink/internal/protocol"
	"github.com/2389/clawlink/internal/rpc"
	"github.com/2389/clawlink/internal/sessions"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newClient(t *testing.T, gw *gatewaytest.Gateway, token string, opts Options) *Client {
	t.Helper()
	c, err := New(Credentials{GatewayURL: gw.URL, Token: token}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type connLog struct {
	mu     sync.Mutex
	states []bool
}

func (l *connLog) record(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, v)
}

func (l *connLog) all() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.states...)
}

func TestBuildSocketURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{"https base", "https://gw.example.com", "wss://gw.example.com/ws?clientId=webchat&token=tok"},
		{"bare host", "gw.example.com", "wss://gw.example.com/ws?clientId=webchat&token=tok"},
		{"ws with path", "ws://localhost:9000/ws", "ws://localhost:9000/ws?clientId=webchat&token=tok"},
		{"keeps query", "wss://h/ws?userId=u", "wss://h/ws?clientId=webchat&token=tok&userId=u"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildSocketURL(tt.base, "tok", "webchat")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := BuildSocketURL("", "tok", "webchat")
	assert.ErrorIs(t, err, ErrInvalidGatewayURL)
	_, err = BuildSocketURL("ftp://h", "tok", "webchat")
	assert.ErrorIs(t, err, ErrInvalidGatewayURL)
}

func TestNew_UsesConfiguredClientID(t *testing.T) {
	c, err := New(Credentials{GatewayURL: "wss://h", Token: "t"}, Options{
		RPC: rpc.Options{Client: rpc.ClientInfo{ID: "sessions-api"}},
	})
	require.NoError(t, err)

	u, err := url.Parse(c.SocketURL())
	require.NoError(t, err)
	assert.Equal(t, "sessions-api", u.Query().Get("clientId"))
	assert.Equal(t, "t", u.Query().Get("token"))
}

func TestEndToEnd_ListSessions(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Token: "secret"})
	gw.SetSessions(gatewaytest.Session{Key: "agent:main:main"})

	c := newClient(t, gw, "secret", Options{})
	ctx := testCtx(t)

	require.NoError(t, c.Connect(ctx))
	list, degraded := c.ListSessions(ctx, sessions.ListOptions{Limit: 100})
	require.False(t, degraded)
	require.Len(t, list, 1)
	assert.Equal(t, "General", list[0].Name)

	conn, err := c.Conn()
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reqs := gw.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, protocol.MethodConnect, reqs[0].Method)
	assert.Equal(t, protocol.MethodSessionsList, reqs[1].Method)
	assert.JSONEq(t, `{"limit":100,"includeGlobal":false,"includeUnknown":false}`, string(reqs[1].Params))
	assert.Equal(t, 2, gw.ResponsesSent())
	assert.Zero(t, conn.PendingCount())
}

func TestConnect_ReportsConnectionChanges(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})

	var log connLog
	c := newClient(t, gw, "", Options{OnConnectionChange: log.record})
	ctx := testCtx(t)

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())

	gw.DropConnections()
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-c.Errors():
		assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}

	require.NoError(t, c.Connect(ctx), "callers reconnect explicitly")
	assert.True(t, c.Connected())
	assert.Equal(t, 2, gw.Connects())
	assert.Equal(t, []bool{true, false, true}, log.all())
}

func TestConnect_ReplacesPreviousConnection(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	c := newClient(t, gw, "", Options{})
	ctx := testCtx(t)

	require.NoError(t, c.Connect(ctx))
	first, err := c.Conn()
	require.NoError(t, err)

	require.NoError(t, c.Connect(ctx))
	second, err := c.Conn()
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, rpc.StateClosed, first.State())
	assert.Equal(t, rpc.StateReady, second.State())
	assert.Equal(t, 2, gw.Connects())
	assert.True(t, c.Connected())
}

func TestConnect_ConcurrentCallsLeaveOneConnection(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	c := newClient(t, gw, "", Options{})
	ctx := testCtx(t)

	const n = 6
	conns := make([]*rpc.Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				t.Errorf("connect %d: %v", i, err)
				return
			}
			conns[i], _ = c.Conn()
		}(i)
	}
	wg.Wait()

	current, err := c.Conn()
	require.NoError(t, err)
	assert.Equal(t, n, gw.Connects())

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close hung after concurrent connects")
	}

	assert.False(t, c.Connected())
	assert.Equal(t, rpc.StateClosed, current.State())
	for i, conn := range conns {
		if conn != nil {
			assert.Equal(t, rpc.StateClosed, conn.State(), "connection %d left open", i)
		}
	}
}

func TestConnect_HandshakeRejectionSurfacesVerbatim(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Token: "secret"})
	c := newClient(t, gw, "wrong", Options{})

	err := c.Connect(testCtx(t))
	var herr *rpc.HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "UNAUTHORIZED", herr.Code)
	assert.Equal(t, "unauthorized: gateway token mismatch", herr.Message)
	assert.False(t, c.Connected())
}

func TestSessionHelpers_DegradeWithoutGateway(t *testing.T) {
	c, err := New(Credentials{GatewayURL: "wss://asleep.invalid", Token: "t"}, Options{})
	require.NoError(t, err)
	defer c.Close()
	ctx := testCtx(t)

	list, degraded := c.ListSessions(ctx, sessions.ListOptions{})
	assert.True(t, degraded)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	degraded, err = c.PatchSession(ctx, "notes", sessions.PatchOptions{Label: "x"})
	assert.NoError(t, err)
	assert.True(t, degraded)

	degraded, err = c.DeleteSession(ctx, "notes", sessions.DeleteOptions{})
	assert.NoError(t, err)
	assert.True(t, degraded)

	_, err = c.DeleteSession(ctx, "main", sessions.DeleteOptions{})
	assert.ErrorIs(t, err, sessions.ErrMainUndeletable)
}

func TestSessionHelpers_DegradeOnGatewayError(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	c := newClient(t, gw, "", Options{})
	ctx := testCtx(t)
	require.NoError(t, c.Connect(ctx))

	degraded, err := c.PatchSession(ctx, "missing", sessions.PatchOptions{Label: "x"})
	assert.NoError(t, err)
	assert.True(t, degraded)

	_, err = c.DeleteSession(ctx, "agent:main:main", sessions.DeleteOptions{})
	assert.ErrorIs(t, err, sessions.ErrMainUndeletable)
	assert.Empty(t, gw.RequestsFor(protocol.MethodSessionsDelete))
}

func TestSend_UsesSocketWhenConnected(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	c := newClient(t, gw, "", Options{})
	ctx := testCtx(t)
	require.NoError(t, c.Connect(ctx))

	res, err := c.Send(ctx, "main", "hello", "idem-1")
	require.NoError(t, err)
	assert.Equal(t, ViaSocket, res.Via)
	assert.Equal(t, "idem-1", res.RunID)
	assert.Len(t, gw.RequestsFor(protocol.MethodChatSend), 1)
	assert.Empty(t, gw.HTTPSends())
}

func TestSend_FallsBackToHTTPWhenNotConnected(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Token: "secret"})
	c := newClient(t, gw, "secret", Options{})

	res, err := c.Send(testCtx(t), "notes", "offline hello", "")
	require.NoError(t, err)
	assert.Equal(t, ViaHTTP, res.Via)
	assert.NotEmpty(t, res.RunID)

	sends := gw.HTTPSends()
	require.Len(t, sends, 1)
	assert.Equal(t, "agent:main:notes", sends[0]["sessionKey"])
	assert.Equal(t, res.RunID, sends[0]["idempotencyKey"])
	assert.Empty(t, gw.Requests())

	_, err = c.Send(testCtx(t), "notes", "", "")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
}

func TestLoadHistory_FallsBackToHTTP(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{EmptyRPCHistory: true})
	gw.SetHistory("agent:main:main",
		map[string]any{"role": "user", "content": "one", "timestamp": 1},
		map[string]any{"role": "assistant", "content": "two", "timestamp": 2},
	)
	c := newClient(t, gw, "", Options{})
	ctx := testCtx(t)
	require.NoError(t, c.Connect(ctx))

	hist, err := c.LoadHistory(ctx, "main")
	require.NoError(t, err)
	assert.True(t, hist.Loaded)
	assert.Equal(t, chat.SourceHTTP, hist.Source)
	assert.Len(t, hist.Messages, 2)
}

func TestChat_StreamsOverCurrentConnection(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	c := newClient(t, gw, "", Options{})
	ctx := testCtx(t)

	_, err := c.Chat("main", chat.Options{})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	stream, err := c.Chat("main", chat.Options{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Send(ctx, "hi")
	require.NoError(t, err)
	res, err := stream.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeOK, res.Outcome)

	require.NoError(t, c.Abort(ctx, "main", res.RunID))
	assert.Equal(t, []string{res.RunID}, gw.Aborts())
}

func TestClose_IsFinal(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	c := newClient(t, gw, "", Options{})
	ctx := testCtx(t)
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Connect(ctx), ErrClosed)
	_, err := c.Conn()
	assert.ErrorIs(t, err, ErrClosed)
}
