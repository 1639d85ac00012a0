// ABOUTME: Tracks in-flight requests on a connection and routes responses by request ID
// ABOUTME: Late responses for timed-out requests are logged and discarded

package rpc

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/clawlink/internal/protocol"
)

// callResult is delivered exactly once to a pending call.
type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is one outstanding request awaiting its response.
type pendingCall struct {
	id       string
	method   string
	deadline time.Time
	result   chan callResult
}

// pendingCalls maps request IDs to their waiting callers.
type pendingCalls struct {
	mu     sync.Mutex
	calls  map[string]*pendingCall
	closed error
	logger *slog.Logger
}

func newPendingCalls(logger *slog.Logger) *pendingCalls {
	return &pendingCalls{
		calls:  make(map[string]*pendingCall),
		logger: logger,
	}
}

// add registers a request. It fails once the connection has closed or if the
// ID is already outstanding.
func (p *pendingCalls) add(id, method string, deadline time.Time) (*pendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return nil, p.closed
	}
	if _, exists := p.calls[id]; exists {
		return nil, ErrDuplicateRequest
	}

	call := &pendingCall{
		id:       id,
		method:   method,
		deadline: deadline,
		result:   make(chan callResult, 1),
	}
	p.calls[id] = call
	return call, nil
}

// remove drops a request without delivering anything.
func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// resolve delivers a response to its waiting caller. It returns false when no
// caller is waiting for that ID, which happens for late responses.
func (p *pendingCalls) resolve(env protocol.Envelope) bool {
	p.mu.Lock()
	call, ok := p.calls[env.ID]
	if ok {
		delete(p.calls, env.ID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("received response for unknown request",
			"request_id", env.ID,
		)
		return false
	}

	res := callResult{payload: env.Payload}
	if !env.OK {
		res.err = newCallError(call.method, env.Error)
	}
	// Buffered with capacity 1 and removed from the map above, so this never blocks.
	call.result <- res
	return true
}

// failAll rejects every outstanding request and refuses new ones.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed == nil {
		p.closed = err
	}
	for id, call := range p.calls {
		call.result <- callResult{err: err}
		delete(p.calls, id)
	}
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
