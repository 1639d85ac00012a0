// ABOUTME: A single gateway connection: read loop, request correlation and lifecycle
// ABOUTME: Calls wait for the handshake and fail together when the connection closes

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawlink/internal/metrics"
	"github.com/2389/clawlink/internal/protocol"
)

// State is the lifecycle position of a Conn.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingChallenge
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is one logical connection to a gateway.
type Conn struct {
	transport Transport
	opts      Options
	logger    *slog.Logger
	pending   *pendingCalls
	events    *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	hello     *Hello
	ready     chan struct{}
	challenge chan Challenge
	done      chan struct{}
	closeErr  error
	closeOnce sync.Once

	writeMu sync.Mutex
}

// NewConn wraps an already open transport and starts reading from it. The
// returned Conn is awaiting the gateway's challenge; call Handshake next.
func NewConn(t Transport, opts Options) *Conn {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "rpc", "client_id", opts.Client.ID)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		transport: t,
		opts:      opts,
		logger:    logger,
		pending:   newPendingCalls(logger),
		events:    NewDispatcher(logger),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateAwaitingChallenge,
		ready:     make(chan struct{}),
		challenge: make(chan Challenge, 1),
		done:      make(chan struct{}),
	}
	c.events.On(protocol.EventConnectChallenge, c.onChallenge)

	go c.readLoop()
	return c
}

// On registers an event handler. See Dispatcher.On.
func (c *Conn) On(event string, h Handler) func() {
	return c.events.On(event, h)
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the gateway's hello-ok payload, or nil before ready.
func (c *Conn) Hello() *Hello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Done is closed when the connection closes for any reason, after every
// event received before the close has been delivered.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// PendingCount returns the number of requests awaiting a response.
func (c *Conn) PendingCount() int {
	return c.pending.len()
}

// Call invokes method with the default call timeout and decodes the response
// payload into out when out is non-nil.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	payload, err := c.CallTimeout(ctx, method, params, c.opts.CallTimeout)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", method, err)
	}
	return nil
}

// CallTimeout invokes method and returns the raw response payload. It waits
// for the handshake to finish before sending.
func (c *Conn) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-c.ready:
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.roundTrip(ctx, method, params, timeout)
}

// roundTrip sends one request and waits for its response. It is used for
// connect before the Conn is ready.
func (c *Conn) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	payload, err := c.doRoundTrip(ctx, method, params, timeout)
	metrics.ObserveCall(method, callOutcome(err), time.Since(start))
	return payload, err
}

func (c *Conn) doRoundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.New().String()

	env, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}

	call, err := c.pending.add(id, method, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	if err := c.write(data); err != nil {
		c.pending.remove(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	c.logger.Debug("request sent", "method", method, "request_id", id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.result:
		return res.payload, res.err
	case <-timer.C:
		c.pending.remove(id)
		c.logger.Warn("request timed out",
			"method", method,
			"request_id", id,
			"timeout", timeout,
		)
		return nil, fmt.Errorf("%s: %w after %s", method, ErrTimeout, timeout)
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}
}

// write sends one frame. The connection's own context bounds the write
// because cancelling a write tears down the whole socket.
func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.transport.Write(ctx, data)
}

func (c *Conn) readLoop() {
	for {
		data, err := c.transport.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Info("gateway connection lost", "error", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			metrics.MalformedFrame()
			continue
		}

		switch env.Kind {
		case protocol.KindResponse:
			c.pending.resolve(env)
		case protocol.KindEvent:
			c.events.Dispatch(Event{Name: env.Event, Payload: env.Payload})
		case protocol.KindRequest:
			c.logger.Debug("ignoring request from gateway", "method", env.Method)
		}
	}
}

// Close closes the connection and rejects every pending call. Safe to call
// multiple times.
func (c *Conn) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateReady {
			if reason == ErrConnectionClosed {
				reason = ErrClosedBeforeReady
			} else {
				reason = fmt.Errorf("%w: %v", ErrClosedBeforeReady, reason)
			}
		}
		c.state = StateClosed
		c.closeErr = reason
		c.mu.Unlock()

		c.cancel()
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("closing transport", "error", err)
		}
		c.pending.failAll(reason)
		c.events.Close()

		// Done follows the last event received, so a final that raced the
		// close is seen before the loss.
		go func() {
			<-c.events.Drained()
			close(c.done)
		}()
	})
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = s
	}
}

func callOutcome(err error) string {
	var cerr *CallError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &cerr):
		return "error"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	default:
		return "failed"
	}
}
