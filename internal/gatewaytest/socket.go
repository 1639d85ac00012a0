// ABOUTME: Per-connection request handling for the fake gateway
// ABOUTME: Implements connect, sessions.* and chat.* including scripted delta streaming

package gatewaytest

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/clawlink/internal/protocol"
)

type socket struct {
	g         *Gateway
	conn      *websocket.Conn
	connected bool
}

func (s *socket) handle(ctx context.Context, env protocol.Envelope) {
	if env.Method == protocol.MethodConnect {
		s.handleConnect(ctx, env)
		return
	}
	if !s.connected {
		s.fail(ctx, env.ID, "INVALID_REQUEST", "first request must be connect")
		return
	}

	var params map[string]any
	_ = json.Unmarshal(env.Params, &params)

	switch env.Method {
	case protocol.MethodSessionsList:
		s.reply(ctx, env.ID, map[string]any{"sessions": s.g.Sessions()})
	case protocol.MethodSessionsPatch:
		s.handlePatch(ctx, env.ID, params)
	case protocol.MethodSessionsDelete:
		s.handleDelete(ctx, env.ID, params)
	case protocol.MethodChatHistory:
		s.handleHistory(ctx, env.ID, params)
	case protocol.MethodChatSend:
		s.handleSend(ctx, env.ID, params)
	case protocol.MethodChatAbort:
		s.handleAbort(ctx, env.ID, params)
	default:
		s.fail(ctx, env.ID, "INVALID_REQUEST", "unknown method: "+env.Method)
	}
}

func (s *socket) handleConnect(ctx context.Context, env protocol.Envelope) {
	var params struct {
		Client struct {
			ID string `json:"id"`
		} `json:"client"`
		Auth *struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.fail(ctx, env.ID, "INVALID_REQUEST", "invalid connect params")
		return
	}
	if !slices.Contains(s.g.opts.AllowedClients, params.Client.ID) {
		s.fail(ctx, env.ID, "INVALID_REQUEST", "invalid connect params: client/id must be a known client id")
		return
	}
	if s.g.opts.Token != "" && (params.Auth == nil || params.Auth.Token != s.g.opts.Token) {
		s.fail(ctx, env.ID, "UNAUTHORIZED", "unauthorized: gateway token mismatch")
		return
	}

	s.connected = true
	s.g.mu.Lock()
	s.g.connects++
	s.g.mu.Unlock()

	s.reply(ctx, env.ID, map[string]any{
		"type":     s.g.opts.HelloType,
		"protocol": protocol.Version,
		"server":   map[string]any{"version": "test", "connId": env.ID},
	})
}

func (s *socket) handlePatch(ctx context.Context, id string, params map[string]any) {
	key, _ := params["key"].(string)
	label, _ := params["label"].(string)

	s.g.mu.Lock()
	found := false
	for i := range s.g.sessions {
		if s.g.sessions[i].Key == key {
			s.g.sessions[i].Label = label
			found = true
		}
	}
	s.g.mu.Unlock()

	if !found {
		s.fail(ctx, id, "NOT_FOUND", "session not found: "+key)
		return
	}
	s.reply(ctx, id, map[string]any{"ok": true, "key": key})
}

func (s *socket) handleDelete(ctx context.Context, id string, params map[string]any) {
	key, _ := params["key"].(string)

	s.g.mu.Lock()
	before := len(s.g.sessions)
	s.g.sessions = slices.DeleteFunc(s.g.sessions, func(r Session) bool { return r.Key == key })
	deleted := len(s.g.sessions) < before
	if transcript, _ := params["deleteTranscript"].(bool); transcript {
		delete(s.g.history, key)
	}
	s.g.mu.Unlock()

	s.reply(ctx, id, map[string]any{"ok": true, "key": key, "deleted": deleted})
}

func (s *socket) handleHistory(ctx context.Context, id string, params map[string]any) {
	key, _ := params["sessionKey"].(string)

	s.g.mu.Lock()
	messages := s.g.history[canonical(key)]
	s.g.mu.Unlock()

	if messages == nil || s.g.opts.EmptyRPCHistory {
		messages = []map[string]any{}
	}
	s.reply(ctx, id, map[string]any{"sessionKey": canonical(key), "messages": messages})
}

func (s *socket) handleSend(ctx context.Context, id string, params map[string]any) {
	key, _ := params["sessionKey"].(string)
	text, _ := params["message"].(string)
	runID, _ := params["idempotencyKey"].(string)
	if runID == "" {
		s.fail(ctx, id, "INVALID_REQUEST", "idempotencyKey required")
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.g.mu.Lock()
	s.g.runs[runID] = cancel
	s.g.history[canonical(key)] = append(s.g.history[canonical(key)], map[string]any{
		"role":      "user",
		"content":   []map[string]any{{"type": "text", "text": text}},
		"timestamp": time.Now().UnixMilli(),
	})
	s.g.mu.Unlock()

	first := 0
	if s.g.opts.DeltaBeforeAck {
		s.chatEvent(ctx, runID, key, "delta", s.g.opts.ReplyChunks[0], 0)
		first = 1
	}
	s.reply(ctx, id, map[string]any{"runId": runID, "status": "started"})

	go s.stream(runCtx, runID, key, first)
}

func (s *socket) stream(runCtx context.Context, runID, key string, first int) {
	defer func() {
		s.g.mu.Lock()
		delete(s.g.runs, runID)
		s.g.mu.Unlock()
	}()

	ctx := context.Background()
	chunks := s.g.opts.ReplyChunks
	for i := first; i < len(chunks); i++ {
		if s.g.opts.ChunkDelay > 0 {
			select {
			case <-time.After(s.g.opts.ChunkDelay):
			case <-runCtx.Done():
				return
			}
		}
		if runCtx.Err() != nil {
			return
		}
		s.chatEvent(ctx, runID, key, "delta", chunks[i], i)
	}
	if runCtx.Err() != nil {
		return
	}

	if s.g.opts.StreamError != "" {
		s.event(ctx, protocol.EventChat, map[string]any{
			"runId":        runID,
			"sessionKey":   canonical(key),
			"seq":          len(chunks),
			"state":        "error",
			"errorMessage": s.g.opts.StreamError,
		})
		return
	}

	final := chunks[len(chunks)-1]
	s.g.mu.Lock()
	s.g.history[canonical(key)] = append(s.g.history[canonical(key)], map[string]any{
		"id":        "msg-" + runID,
		"role":      "assistant",
		"content":   []map[string]any{{"type": "text", "text": final}},
		"timestamp": time.Now().UnixMilli(),
	})
	s.g.mu.Unlock()

	s.event(ctx, protocol.EventChat, map[string]any{
		"runId":      runID,
		"sessionKey": canonical(key),
		"seq":        len(chunks),
		"state":      "final",
		"message": map[string]any{
			"id":        "msg-" + runID,
			"role":      "assistant",
			"content":   []map[string]any{{"type": "text", "text": final}},
			"timestamp": time.Now().UnixMilli(),
		},
	})
}

func (s *socket) handleAbort(ctx context.Context, id string, params map[string]any) {
	key, _ := params["sessionKey"].(string)
	runID, _ := params["runId"].(string)

	s.g.mu.Lock()
	s.g.aborts = append(s.g.aborts, runID)
	cancel, ok := s.g.runs[runID]
	s.g.mu.Unlock()

	if ok {
		cancel()
	}
	s.reply(ctx, id, map[string]any{"ok": true, "aborted": ok})
	if ok {
		s.event(ctx, protocol.EventChat, map[string]any{
			"runId":      runID,
			"sessionKey": canonical(key),
			"state":      "aborted",
		})
	}
}

func (s *socket) chatEvent(ctx context.Context, runID, key, state, text string, seq int) {
	s.event(ctx, protocol.EventChat, map[string]any{
		"runId":      runID,
		"sessionKey": canonical(key),
		"seq":        seq,
		"state":      state,
		"message": map[string]any{
			"role":      "assistant",
			"content":   []map[string]any{{"type": "text", "text": text}},
			"timestamp": time.Now().UnixMilli(),
		},
	})
}

func (s *socket) reply(ctx context.Context, id string, payload any) {
	env, err := protocol.NewResponse(id, payload)
	if err != nil {
		return
	}
	s.write(ctx, env)
}

func (s *socket) fail(ctx context.Context, id, code, message string) {
	s.write(ctx, protocol.NewErrorResponse(id, code, message))
}

func (s *socket) event(ctx context.Context, name string, payload any) {
	env, err := protocol.NewEvent(name, payload)
	if err != nil {
		return
	}
	s.write(ctx, env)
}

func (s *socket) write(ctx context.Context, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	if env.Kind == protocol.KindResponse {
		s.g.mu.Lock()
		s.g.responses++
		s.g.mu.Unlock()
	}
	_ = s.conn.Write(ctx, websocket.MessageText, data)
}
