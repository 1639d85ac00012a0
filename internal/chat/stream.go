// ABOUTME: Per-session chat stream: optimistic send, delta replacement, final reconciliation
// ABOUTME: Each Stream owns its own run state; nothing is shared between instances

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawlink/internal/protocol"
	"github.com/2389/clawlink/internal/rpc"
	"github.com/2389/clawlink/internal/sessions"
)

var (
	// ErrBusy is returned by Send while a previous run is still streaming.
	ErrBusy = errors.New("a reply is already streaming")

	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("message text required")

	// ErrRunFailed wraps the gateway's errorMessage for a failed run.
	ErrRunFailed = errors.New("chat run failed")

	// ErrStreamClosed settles an in-flight run when the Stream is closed.
	ErrStreamClosed = errors.New("chat stream closed")
)

const (
	abortTimeout    = 5 * time.Second
	maxFinishedRuns = 64
)

// State is the stream's position in the send cycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is how a run settled.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeAborted Outcome = "aborted"
)

// Event states carried by chat events.
const (
	EventDelta   = "delta"
	EventFinal   = "final"
	EventError   = "error"
	EventAborted = "aborted"
)

// Conn is the part of an rpc.Conn a Stream needs.
type Conn interface {
	Call(ctx context.Context, method string, params, out any) error
	On(event string, h rpc.Handler) func()
	Done() <-chan struct{}
}

// Update is passed to Options.OnUpdate for every delta and settlement. Kind
// is one of the Event* states.
type Update struct {
	Kind  string   `json:"kind"`
	RunID string   `json:"runId"`
	Text  string   `json:"text,omitempty"`
	Error string   `json:"error,omitempty"`
	Reply *Message `json:"message,omitempty"`
}

// Result describes a settled run.
type Result struct {
	RunID   string
	Outcome Outcome
	Reply   *Message
	Err     error
}

// Options configures a Stream.
type Options struct {
	// OnUpdate is called from the event goroutine; it must not block.
	OnUpdate func(Update)
	Logger   *slog.Logger
}

// Stream is the chat view of one session on one connection.
type Stream struct {
	conn       Conn
	sessionKey string
	onUpdate   func(Update)
	logger     *slog.Logger
	off        func()

	mu        sync.Mutex
	state     State
	messages  []Message
	runID     string
	runStart  int
	userIdx   int
	replyIdx  int
	settled   chan struct{}
	result    Result
	finished  map[string]struct{}
	closed    bool
	closeOnce sync.Once
}

// NewStream subscribes to chat events for sessionKey, which may be bare or
// canonical.
func NewStream(conn Conn, sessionKey string, opts Options) *Stream {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key := sessions.Canonicalize(sessionKey)

	settled := make(chan struct{})
	close(settled)

	s := &Stream{
		conn:       conn,
		sessionKey: key,
		onUpdate:   opts.OnUpdate,
		logger:     logger.With("component", "chat", "session_key", key),
		settled:    settled,
		finished:   make(map[string]struct{}),
		userIdx:    -1,
		replyIdx:   -1,
	}
	s.off = conn.On(protocol.EventChat, s.handleEvent)
	return s
}

// SessionKey returns the canonical session key.
func (s *Stream) SessionKey() string {
	return s.sessionKey
}

// State returns the current send state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the thread, drafts included.
func (s *Stream) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// SetHistory replaces the loaded transcript. Messages of a run still in
// flight stay at the end.
func (s *Stream) SetHistory(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := append([]Message(nil), history...)
	if s.state != StateIdle {
		shift := len(merged) - s.runStart
		merged = append(merged, s.messages[s.runStart:]...)
		if s.userIdx >= 0 {
			s.userIdx += shift
		}
		if s.replyIdx >= 0 {
			s.replyIdx += shift
		}
		s.runStart = len(history)
	}
	s.messages = merged
}

type sendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	Deliver        bool   `json:"deliver"`
}

type sendAck struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// SendOptions tunes one Send.
type SendOptions struct {
	// IdempotencyKey is forwarded to chat.send and names the run until the
	// gateway acknowledges it. A fresh key is generated when empty.
	IdempotencyKey string
}

// Send appends a draft user message and starts a run. It returns once the
// gateway acknowledges chat.send; use Wait for the reply.
func (s *Stream) Send(ctx context.Context, text string) (string, error) {
	return s.SendWith(ctx, text, SendOptions{})
}

// SendWith is Send with a caller-chosen idempotency key.
func (s *Stream) SendWith(ctx context.Context, text string, opts SendOptions) (string, error) {
	if text == "" {
		return "", ErrEmptyMessage
	}

	key := opts.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrStreamClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.state = StateSending
	s.runID = key
	s.runStart = len(s.messages)
	s.userIdx = len(s.messages)
	s.replyIdx = -1
	s.settled = make(chan struct{})
	s.result = Result{RunID: key}
	s.messages = append(s.messages, Message{
		ID:        "draft-" + key,
		Role:      RoleUser,
		Content:   textContent(text),
		CreatedAt: time.Now(),
		Draft:     true,
	})
	s.mu.Unlock()

	var ack sendAck
	err := s.conn.Call(ctx, protocol.MethodChatSend, sendParams{
		SessionKey:     s.sessionKey,
		Message:        text,
		IdempotencyKey: key,
	}, &ack)
	if err != nil {
		s.logger.Warn("chat send failed", "run_id", key, "error", err)
		s.settle("", OutcomeError, nil, fmt.Errorf("sending message: %w", err))
		return "", fmt.Errorf("sending message: %w", err)
	}

	s.mu.Lock()
	runID := s.runID
	if s.runID == key && ack.RunID != "" {
		runID = ack.RunID
		s.runID = ack.RunID
		s.result.RunID = ack.RunID
	}
	if s.userIdx >= 0 && s.userIdx < len(s.messages) {
		s.messages[s.userIdx].ID = runID
		s.messages[s.userIdx].Draft = false
	}
	if s.state == StateSending {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	s.logger.Debug("chat run started", "run_id", runID, "status", ack.Status)
	return runID, nil
}

// Wait blocks until the current run settles and returns its result. A run
// that fails or is aborted is not an error; Result.Err carries the failure.
// Wait returns immediately when no run has been started.
func (s *Stream) Wait(ctx context.Context) (Result, error) {
	s.mu.Lock()
	settled := s.settled
	s.mu.Unlock()

	select {
	case <-settled:
	case <-s.conn.Done():
		s.settle("", OutcomeError, nil, rpc.ErrConnectionClosed)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

// Cancel returns the stream to idle and asks the gateway to abort the run
// without waiting for confirmation. It reports whether a run was in flight.
func (s *Stream) Cancel(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return false
	}
	runID := s.runID
	s.mu.Unlock()

	s.settle(runID, OutcomeAborted, nil, nil)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	go func() {
		defer cancel()
		err := s.conn.Call(ctx, protocol.MethodChatAbort, map[string]string{
			"sessionKey": s.sessionKey,
			"runId":      runID,
		}, nil)
		if err != nil {
			s.logger.Debug("chat abort not confirmed", "run_id", runID, "error", err)
		}
	}()
	return true
}

// Close unsubscribes from chat events and settles any in-flight run.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.off()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.settle("", OutcomeError, nil, ErrStreamClosed)
	})
}

type chatEvent struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	Seq          int             `json:"seq"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message"`
	ErrorMessage string          `json:"errorMessage"`
}

func (s *Stream) handleEvent(ev rpc.Event) error {
	var ce chatEvent
	if err := json.Unmarshal(ev.Payload, &ce); err != nil {
		return fmt.Errorf("decoding chat event: %w", err)
	}
	if sessions.Canonicalize(ce.SessionKey) != s.sessionKey {
		return nil
	}

	var msg *Message
	if len(ce.Message) > 0 && string(ce.Message) != "null" {
		m, err := decodeMessage(ce.Message)
		if err != nil {
			return err
		}
		msg = &m
	}

	switch ce.State {
	case EventDelta:
		s.applyDelta(ce.RunID, msg)
	case EventFinal:
		s.settle(ce.RunID, OutcomeOK, msg, nil)
	case EventError:
		reason := ce.ErrorMessage
		if reason == "" {
			reason = "unknown error"
		}
		s.settle(ce.RunID, OutcomeError, nil, fmt.Errorf("%w: %s", ErrRunFailed, reason))
	case EventAborted:
		s.settle(ce.RunID, OutcomeAborted, nil, nil)
	default:
		s.logger.Debug("ignoring chat event", "state", ce.State, "run_id", ce.RunID)
	}
	return nil
}

// ownsRun reports whether runID belongs to the active run. Until chat.send
// is acknowledged the run is known only by its idempotency key, which the
// gateway reuses as the run id; events under any other id are dropped until
// the ack names the run. Callers hold s.mu.
func (s *Stream) ownsRun(runID string) bool {
	if _, done := s.finished[runID]; done {
		return false
	}
	if s.state == StateIdle {
		return false
	}
	return runID == "" || runID == s.runID
}

func (s *Stream) applyDelta(runID string, msg *Message) {
	if msg == nil || (msg.Role != "" && msg.Role != RoleAssistant) {
		return
	}

	s.mu.Lock()
	if !s.ownsRun(runID) {
		s.mu.Unlock()
		return
	}
	text := msg.Text()
	s.upsertReply(text)
	if s.state == StateSending || s.state == StateStreaming {
		s.state = StateStreaming
	}
	update := Update{Kind: EventDelta, RunID: s.runID, Text: text}
	s.mu.Unlock()

	s.notify(update)
}

// upsertReply replaces the in-progress assistant text. Callers hold s.mu.
func (s *Stream) upsertReply(text string) {
	if s.replyIdx >= 0 {
		s.messages[s.replyIdx].Content = textContent(text)
		return
	}
	s.replyIdx = len(s.messages)
	s.messages = append(s.messages, Message{
		ID:        "draft-reply-" + s.runID,
		Role:      RoleAssistant,
		Content:   textContent(text),
		CreatedAt: time.Now(),
		Draft:     true,
	})
}

func (s *Stream) settle(runID string, outcome Outcome, final *Message, err error) {
	s.mu.Lock()
	if !s.ownsRun(runID) {
		s.mu.Unlock()
		return
	}

	var reply *Message
	if outcome == OutcomeOK && final != nil {
		s.upsertReply(final.Text())
	}
	if s.replyIdx >= 0 {
		m := &s.messages[s.replyIdx]
		m.Draft = false
		if outcome == OutcomeOK {
			m.ID = s.runID + "-reply"
			if final != nil && final.ID != "" {
				m.ID = final.ID
			}
			if final != nil && !final.CreatedAt.IsZero() {
				m.CreatedAt = final.CreatedAt
			}
		}
		copied := *m
		reply = &copied
	}

	s.state = StateIdle
	s.result = Result{RunID: s.runID, Outcome: outcome, Reply: reply, Err: err}
	s.markFinished(s.runID)
	settled := s.settled

	update := Update{RunID: s.runID, Reply: reply}
	switch outcome {
	case OutcomeOK:
		update.Kind = EventFinal
		if reply != nil {
			update.Text = reply.Text()
		}
	case OutcomeError:
		update.Kind = EventError
		if err != nil {
			update.Error = err.Error()
		}
	case OutcomeAborted:
		update.Kind = EventAborted
	}
	s.mu.Unlock()

	s.logger.Debug("chat run settled", "run_id", update.RunID, "outcome", outcome)
	s.notify(update)
	close(settled)
}

// markFinished remembers a settled run so its late events are ignored.
// Callers hold s.mu.
func (s *Stream) markFinished(runID string) {
	if len(s.finished) >= maxFinishedRuns {
		clear(s.finished)
	}
	s.finished[runID] = struct{}{}
}

func (s *Stream) notify(u Update) {
	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}
