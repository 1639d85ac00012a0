// ABOUTME: Tests for connection lifecycle, handshake and request correlation
// ABOUTME: Uses an in-memory pipe transport and the fake gateway over real WebSockets

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawlink/internal/gatewaytest"
	"github.com/2389/clawlink/internal/protocol"
)

// pipeTransport is an in-memory Transport. The test plays the gateway by
// reading from sent and writing to inbox.
type pipeTransport struct {
	inbox  chan []byte
	sent   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		inbox:  make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) Read(ctx context.Context) ([]byte, error) {
	// Frames already buffered are read before the close is reported.
	select {
	case data := <-p.inbox:
		return data, nil
	default:
	}
	select {
	case data := <-p.inbox:
		return data, nil
	case <-p.closed:
		return nil, errors.New("pipe closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return errors.New("pipe closed")
	default:
	}
	select {
	case p.sent <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// push delivers a gateway frame to the client.
func (p *pipeTransport) push(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	p.inbox <- data
}

// next returns the next frame the client wrote.
func (p *pipeTransport) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case data := <-p.sent:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return protocol.Envelope{}
	}
}

func challengeEvent(t *testing.T) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEvent(protocol.EventConnectChallenge, Challenge{Nonce: "abc", TS: 1})
	require.NoError(t, err)
	return env
}

func helloResponse(t *testing.T, id string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewResponse(id, map[string]any{"type": "hello-ok", "protocol": 3})
	require.NoError(t, err)
	return env
}

// readyConn runs a handshake against the pipe and returns a ready Conn.
func readyConn(t *testing.T, opts Options) (*Conn, *pipeTransport) {
	t.Helper()
	pipe := newPipeTransport()
	conn := NewConn(pipe, opts)
	t.Cleanup(func() { _ = conn.Close() })

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Handshake(context.Background())
		errCh <- err
	}()

	pipe.push(t, challengeEvent(t))
	connect := pipe.next(t)
	require.Equal(t, protocol.MethodConnect, connect.Method)
	pipe.push(t, helloResponse(t, connect.ID))

	require.NoError(t, <-errCh)
	require.Equal(t, StateReady, conn.State())
	return conn, pipe
}

func TestHandshake_SendsConnectAfterChallenge(t *testing.T) {
	pipe := newPipeTransport()
	conn := NewConn(pipe, Options{Token: "secret", Client: ClientInfo{ID: "webchat"}})
	defer conn.Close()

	assert.Equal(t, StateAwaitingChallenge, conn.State())

	done := make(chan *Hello, 1)
	go func() {
		hello, err := conn.Handshake(context.Background())
		assert.NoError(t, err)
		done <- hello
	}()

	// Client must not speak first.
	select {
	case <-pipe.sent:
		t.Fatal("client sent a frame before the challenge")
	case <-time.After(100 * time.Millisecond):
	}

	pipe.push(t, challengeEvent(t))
	connect := pipe.next(t)

	var params ConnectParams
	require.NoError(t, json.Unmarshal(connect.Params, &params))
	assert.Equal(t, 3, params.MinProtocol)
	assert.Equal(t, 3, params.MaxProtocol)
	assert.Equal(t, "webchat", params.Client.ID)
	assert.Equal(t, "operator", params.Role)
	assert.Equal(t, []string{"operator.read", "operator.write"}, params.Scopes)
	require.NotNil(t, params.Auth)
	assert.Equal(t, "secret", params.Auth.Token)

	pipe.push(t, helloResponse(t, connect.ID))

	hello := <-done
	require.NotNil(t, hello)
	assert.Equal(t, "hello-ok", hello.Type)
	assert.Equal(t, StateReady, conn.State())
}

func TestHandshake_FallbackTimerWithoutChallenge(t *testing.T) {
	pipe := newPipeTransport()
	conn := NewConn(pipe, Options{ChallengeFallback: 30 * time.Millisecond})
	defer conn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Handshake(context.Background())
		errCh <- err
	}()

	start := time.Now()
	connect := pipe.next(t)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, protocol.MethodConnect, connect.Method)

	pipe.push(t, helloResponse(t, connect.ID))
	require.NoError(t, <-errCh)
}

func TestHandshake_OmitsAuthWithoutToken(t *testing.T) {
	pipe := newPipeTransport()
	conn := NewConn(pipe, Options{})
	defer conn.Close()

	go func() { _, _ = conn.Handshake(context.Background()) }()

	pipe.push(t, challengeEvent(t))
	connect := pipe.next(t)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(connect.Params, &raw))
	assert.NotContains(t, raw, "auth")
}

func TestHandshake_RejectionIsFatalAndVerbatim(t *testing.T) {
	pipe := newPipeTransport()
	conn := NewConn(pipe, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Handshake(context.Background())
		errCh <- err
	}()

	pipe.push(t, challengeEvent(t))
	connect := pipe.next(t)
	pipe.push(t, protocol.NewErrorResponse(connect.ID, "INVALID_REQUEST", "client/id must be a known client id"))

	err := <-errCh
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "INVALID_REQUEST", herr.Code)
	assert.Equal(t, "client/id must be a known client id", herr.Message)

	assert.Equal(t, StateClosed, conn.State())
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed after rejected handshake")
	}

	_, err = conn.Handshake(context.Background())
	assert.ErrorIs(t, err, ErrClosedBeforeReady)
}

func TestHandshake_UnexpectedHelloType(t *testing.T) {
	pipe := newPipeTransport()
	conn := NewConn(pipe, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Handshake(context.Background())
		errCh <- err
	}()

	pipe.push(t, challengeEvent(t))
	connect := pipe.next(t)
	resp, err := protocol.NewResponse(connect.ID, map[string]any{"type": "pairing-required"})
	require.NoError(t, err)
	pipe.push(t, resp)

	var herr *HandshakeError
	assert.True(t, errors.As(<-errCh, &herr))
	assert.Equal(t, StateClosed, conn.State())
}

func TestHandshake_CloseBeforeReady(t *testing.T) {
	pipe := newPipeTransport()
	conn := NewConn(pipe, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Handshake(context.Background())
		errCh <- err
	}()

	pipe.push(t, challengeEvent(t))
	_ = pipe.next(t)
	_ = pipe.Close()

	err := <-errCh
	assert.ErrorIs(t, err, ErrClosedBeforeReady)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestHandshake_OnlyOneInFlight(t *testing.T) {
	pipe := newPipeTransport()
	conn := NewConn(pipe, Options{})
	defer conn.Close()

	go func() { _, _ = conn.Handshake(context.Background()) }()

	require.Eventually(t, func() bool {
		return conn.State() == StateHandshaking
	}, time.Second, 5*time.Millisecond)

	_, err := conn.Handshake(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeInProgress)
}

func TestCall_ResolvesMatchingResponse(t *testing.T) {
	conn, pipe := readyConn(t, Options{})

	type result struct {
		Sessions []map[string]any `json:"sessions"`
	}
	done := make(chan error, 1)
	var out result
	go func() {
		done <- conn.Call(context.Background(), protocol.MethodSessionsList, map[string]any{"limit": 100}, &out)
	}()

	req := pipe.next(t)
	assert.Equal(t, protocol.MethodSessionsList, req.Method)
	assert.JSONEq(t, `{"limit":100}`, string(req.Params))

	// An unrelated response must not resolve the call.
	other, err := protocol.NewResponse("someone-else", map[string]any{})
	require.NoError(t, err)
	pipe.push(t, other)

	resp, err := protocol.NewResponse(req.ID, map[string]any{"sessions": []map[string]any{{"key": "agent:main:main"}}})
	require.NoError(t, err)
	pipe.push(t, resp)

	require.NoError(t, <-done)
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, "agent:main:main", out.Sessions[0]["key"])
	assert.Equal(t, 0, conn.PendingCount())
}

func TestCall_ApplicationError(t *testing.T) {
	conn, pipe := readyConn(t, Options{})

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), protocol.MethodSessionsPatch, map[string]any{"key": "agent:main:x"}, nil)
	}()

	req := pipe.next(t)
	pipe.push(t, protocol.NewErrorResponse(req.ID, "NOT_FOUND", "session not found"))

	err := <-done
	var cerr *CallError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "session not found", cerr.Message)
	assert.Equal(t, protocol.MethodSessionsPatch, cerr.Method)
	assert.False(t, IsConnectionError(err))
	assert.Equal(t, StateReady, conn.State())
}

func TestCall_TimeoutDiscardsPendingAndIgnoresLateResponse(t *testing.T) {
	conn, pipe := readyConn(t, Options{})

	_, err := conn.CallTimeout(context.Background(), protocol.MethodChatHistory, nil, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, conn.PendingCount())

	req := pipe.next(t)
	late, err := protocol.NewResponse(req.ID, map[string]any{"messages": []any{}})
	require.NoError(t, err)
	pipe.push(t, late)

	// The connection keeps working after a late response.
	done := make(chan error, 1)
	go func() { done <- conn.Call(context.Background(), protocol.MethodChatAbort, nil, nil) }()
	req = pipe.next(t)
	ok, err := protocol.NewResponse(req.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	pipe.push(t, ok)
	require.NoError(t, <-done)
}

func TestCall_CloseRejectsPending(t *testing.T) {
	conn, pipe := readyConn(t, Options{})

	done := make(chan error, 1)
	go func() { done <- conn.Call(context.Background(), protocol.MethodSessionsList, nil, nil) }()
	_ = pipe.next(t)

	require.Equal(t, 1, conn.PendingCount())
	require.NoError(t, conn.Close())

	err := <-done
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, IsConnectionError(err))
	assert.Equal(t, 0, conn.PendingCount())

	err = conn.Call(context.Background(), protocol.MethodSessionsList, nil, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestCall_WaitsForHandshake(t *testing.T) {
	pipe := newPipeTransport()
	conn := NewConn(pipe, Options{})
	defer conn.Close()

	callDone := make(chan error, 1)
	go func() { callDone <- conn.Call(context.Background(), protocol.MethodSessionsList, nil, nil) }()

	go func() { _, _ = conn.Handshake(context.Background()) }()
	pipe.push(t, challengeEvent(t))

	// The first frame on the wire is connect, not the application call.
	connect := pipe.next(t)
	require.Equal(t, protocol.MethodConnect, connect.Method)
	pipe.push(t, helloResponse(t, connect.ID))

	req := pipe.next(t)
	assert.Equal(t, protocol.MethodSessionsList, req.Method)
	resp, err := protocol.NewResponse(req.ID, map[string]any{})
	require.NoError(t, err)
	pipe.push(t, resp)
	require.NoError(t, <-callDone)
}

func TestReadLoop_DropsMalformedFrames(t *testing.T) {
	conn, pipe := readyConn(t, Options{})

	received := make(chan Event, 1)
	conn.On("tick", func(ev Event) error {
		received <- ev
		return nil
	})

	pipe.inbox <- []byte(`not json at all`)
	pipe.inbox <- []byte(`{"type":"res"}`)
	tick, err := protocol.NewEvent("tick", map[string]any{"ts": 1})
	require.NoError(t, err)
	pipe.push(t, tick)

	select {
	case ev := <-received:
		assert.Equal(t, "tick", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("event after malformed frames not delivered")
	}
	assert.Equal(t, StateReady, conn.State())
}

func TestReadLoop_EventsBeforeCloseAreDeliveredBeforeDone(t *testing.T) {
	conn, pipe := readyConn(t, Options{})

	var mu sync.Mutex
	var seqs []int
	conn.On("chat", func(ev Event) error {
		time.Sleep(20 * time.Millisecond)
		var p struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		mu.Lock()
		seqs = append(seqs, p.Seq)
		mu.Unlock()
		return nil
	})

	for i := 1; i <= 3; i++ {
		ev, err := protocol.NewEvent("chat", map[string]any{"seq": i})
		require.NoError(t, err)
		pipe.push(t, ev)
	}
	_ = pipe.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after transport close")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seqs, "every event read before the close is delivered before Done")
	assert.ErrorIs(t, conn.Err(), ErrConnectionClosed)
}

func TestDial_EndToEndAgainstGateway(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Token: "tok"})
	gw.SetSessions(gatewaytest.Session{Key: "agent:main:main"})

	conn, err := Dial(context.Background(), gw.SocketURL("gateway-client"), Options{Token: "tok"})
	require.NoError(t, err)

	var out struct {
		Sessions []struct {
			Key string `json:"key"`
		} `json:"sessions"`
	}
	require.NoError(t, conn.Call(context.Background(), protocol.MethodSessionsList, map[string]any{"limit": 100}, &out))
	require.NoError(t, conn.Close())

	require.Len(t, out.Sessions, 1)
	assert.Equal(t, "agent:main:main", out.Sessions[0].Key)

	requests := gw.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, protocol.MethodConnect, requests[0].Method)
	assert.Equal(t, protocol.MethodSessionsList, requests[1].Method)
	assert.NotEqual(t, requests[0].ID, requests[1].ID)
	assert.Equal(t, 2, gw.ResponsesSent())
	assert.Equal(t, 0, conn.PendingCount())
}

func TestDial_UnknownClientRejected(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})

	conn, err := Dial(context.Background(), gw.SocketURL("not-a-client"), Options{
		Client: ClientInfo{ID: "not-a-client"},
	})
	require.Error(t, err)
	assert.Nil(t, conn)

	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "INVALID_REQUEST", herr.Code)
}

func TestDial_GatewayDropMidCall(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Hold: map[string]bool{protocol.MethodSessionsList: true}})

	conn, err := Dial(context.Background(), gw.SocketURL("gateway-client"), Options{})
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- conn.Call(context.Background(), protocol.MethodSessionsList, nil, nil) }()

	require.Eventually(t, func() bool {
		return len(gw.RequestsFor(protocol.MethodSessionsList)) == 1
	}, time.Second, 5*time.Millisecond)
	gw.DropConnections()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected after drop")
	}
	<-conn.Done()
	assert.Equal(t, StateClosed, conn.State())
}
