// ABOUTME: Session API handlers: list, rename, delete, history, send and abort
// ABOUTME: Each request uses a short-lived gateway client that is always closed

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/clawlink/internal/auth"
	"github.com/2389/clawlink/internal/chat"
	"github.com/2389/clawlink/internal/client"
	"github.com/2389/clawlink/internal/dedupe"
	"github.com/2389/clawlink/internal/sessions"
	"github.com/2389/clawlink/internal/store"
)

const (
	maxRequestBody = 1 << 20
	abortTimeout   = 5 * time.Second
)

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []sessions.Session `json:"sessions"`
	Degraded bool               `json:"degraded"`
}

// PatchSessionRequest is the JSON request body for PATCH /api/sessions/{key}.
type PatchSessionRequest struct {
	Label string `json:"label"`
}

// MutationResponse is returned by rename and delete. OK is false when the
// gateway could not be reached and nothing changed.
type MutationResponse struct {
	OK       bool `json:"ok"`
	Degraded bool `json:"degraded"`
}

// SendRequest is the JSON request body for POST /api/sessions/{key}/send.
type SendRequest struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// SendResponse acknowledges a send that was not streamed.
type SendResponse struct {
	RunID  string     `json:"runId"`
	Status string     `json:"status,omitempty"`
	Via    client.Via `json:"via,omitempty"`
}

// AbortRequest is the optional JSON body for POST /api/sessions/{key}/abort.
type AbortRequest struct {
	RunID string `json:"runId,omitempty"`
}

// openClient resolves the caller's gateway and returns an unconnected
// client. It writes the error response itself and returns nil on failure.
func (s *Server) openClient(w http.ResponseWriter, r *http.Request) *client.Client {
	userID := auth.UserID(r.Context())
	if userID == "" {
		s.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return nil
	}

	rec, err := s.store.GetGateway(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "no gateway configured")
		return nil
	}
	if err != nil {
		s.logger.Error("failed to look up gateway", "user_id", userID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}

	logger := s.logger.With("user_id", userID)
	c, err := client.New(client.Credentials{
		GatewayURL: rec.GatewayURL,
		Token:      rec.Token,
	}, client.Options{
		RPC:          s.config.Gateway.RPCOptions(logger),
		HistoryLimit: s.config.Gateway.HistoryLimit,
		HTTPClient:   s.httpClient,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("invalid gateway record", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "invalid gateway configuration")
		return nil
	}
	return c
}

// requestContext bounds the gateway work done for one request.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.Server.RequestTimeout)
}

// tryConnect connects and reports success. Failures are logged; callers
// decide whether to degrade or fall back.
func (s *Server) tryConnect(ctx context.Context, c *client.Client) bool {
	if err := c.Connect(ctx); err != nil {
		s.logger.Info("gateway unavailable", "error", err)
		return false
	}
	return true
}

// handleListSessions handles GET /api/sessions.
// Optional query: limit, includeGlobal, includeUnknown.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r, s.config.Gateway.SessionListLimit)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := s.openClient(w, r)
	if c == nil {
		return
	}
	defer c.Close()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	var resp ListSessionsResponse
	if s.tryConnect(ctx, c) {
		resp.Sessions, resp.Degraded = c.ListSessions(ctx, opts)
	} else {
		resp.Sessions, resp.Degraded = []sessions.Session{}, true
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func parseListOptions(r *http.Request, defaultLimit int) (sessions.ListOptions, error) {
	q := r.URL.Query()
	opts := sessions.ListOptions{Limit: defaultLimit}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = n
	}
	flags := []struct {
		name string
		dst  *bool
	}{
		{"includeGlobal", &opts.IncludeGlobal},
		{"includeUnknown", &opts.IncludeUnknown},
	}
	for _, f := range flags {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q", f.name, v)
		}
		*f.dst = b
	}
	return opts, nil
}

// handlePatchSession handles PATCH /api/sessions/{key}.
func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req PatchSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c := s.openClient(w, r)
	if c == nil {
		return
	}
	defer c.Close()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	s.tryConnect(ctx, c)
	degraded, err := c.PatchSession(ctx, key, sessions.PatchOptions{Label: req.Label})
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, MutationResponse{OK: !degraded, Degraded: degraded})
}

// handleDeleteSession handles DELETE /api/sessions/{key}.
// The transcript is deleted unless ?deleteTranscript=false.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if sessions.Normalize(key) == sessions.MainKey {
		s.sendJSONError(w, http.StatusBadRequest, sessions.ErrMainUndeletable.Error())
		return
	}

	opts := sessions.DeleteOptions{}
	if v := r.URL.Query().Get("deleteTranscript"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid deleteTranscript %q", v))
			return
		}
		opts.KeepTranscript = !b
	}

	c := s.openClient(w, r)
	if c == nil {
		return
	}
	defer c.Close()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	s.tryConnect(ctx, c)
	degraded, err := c.DeleteSession(ctx, key, opts)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, MutationResponse{OK: !degraded, Degraded: degraded})
}

// handleHistory handles GET /api/sessions/{key}/history. Without a socket
// the gateway's HTTP history endpoint is used directly.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	c := s.openClient(w, r)
	if c == nil {
		return
	}
	defer c.Close()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	s.tryConnect(ctx, c)
	hist, err := c.LoadHistory(ctx, key)
	if err != nil {
		s.logger.Warn("history unavailable", "session_key", hist.SessionKey, "error", err)
		s.sendJSONError(w, http.StatusBadGateway, "history unavailable")
		return
	}
	s.sendJSON(w, http.StatusOK, hist)
}

// handleSend handles POST /api/sessions/{key}/send.
//
// Responsibilities:
//  1. Reject repeated idempotency keys with the run they already started
//  2. Stream the reply as SSE when a socket can be opened
//  3. Otherwise hand the message to the gateway's HTTP send endpoint
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req SendRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	c := s.openClient(w, r)
	if c == nil {
		return
	}
	defer c.Close()

	// Check → process → mark: a failed send releases the key for retry.
	var dedupeKey string
	if req.IdempotencyKey != "" {
		dedupeKey = dedupe.Key(auth.UserID(r.Context()), sessions.Canonicalize(key), req.IdempotencyKey)
		if runID, ok := s.dedupe.Reserve(dedupeKey); !ok {
			s.logger.Debug("duplicate send", "session_key", key, "run_id", runID)
			s.sendJSON(w, http.StatusOK, SendResponse{RunID: runID, Status: "duplicate"})
			return
		}
	}
	complete := func(runID string) {
		if dedupeKey != "" {
			s.dedupe.Complete(dedupeKey, runID)
		}
	}
	release := func() {
		if dedupeKey != "" {
			s.dedupe.Release(dedupeKey)
		}
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if !s.tryConnect(ctx, c) {
		res, err := c.Send(ctx, key, req.Message, req.IdempotencyKey)
		if err != nil {
			release()
			s.logger.Warn("http send failed", "session_key", key, "error", err)
			s.sendJSONError(w, http.StatusBadGateway, "gateway unavailable")
			return
		}
		complete(res.RunID)
		s.sendJSON(w, http.StatusAccepted, SendResponse{RunID: res.RunID, Status: res.Status, Via: res.Via})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		release()
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	deltas := make(chan chat.Update, 64)
	stream, err := c.Chat(key, chat.Options{
		OnUpdate: func(u chat.Update) {
			if u.Kind != chat.EventDelta {
				return
			}
			// Deltas carry the full text so far; dropping one loses nothing.
			select {
			case deltas <- u:
			default:
			}
		},
		Logger: s.logger,
	})
	if err != nil {
		release()
		s.sendJSONError(w, http.StatusBadGateway, "gateway unavailable")
		return
	}
	defer stream.Close()

	runID, err := stream.SendWith(ctx, req.Message, chat.SendOptions{IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		release()
		s.logger.Warn("chat send failed", "session_key", key, "error", err)
		s.sendJSONError(w, http.StatusBadGateway, "sending message failed")
		return
	}
	complete(runID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.writeSSEEvent(w, "started", map[string]string{"runId": runID})
	flusher.Flush()

	s.streamRun(r.Context(), w, flusher, c, stream, key, runID, deltas)
}

type waitResult struct {
	res chat.Result
	err error
}

// streamRun forwards deltas until the run settles, then writes the closing
// event. The run is aborted if the caller goes away or it outlives
// server.stream_timeout; a timed out run ends with an error event.
func (s *Server) streamRun(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, c *client.Client, stream *chat.Stream, key, runID string, deltas <-chan chat.Update) {
	waitCtx := ctx
	if d := s.config.Server.StreamTimeout; d > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	done := make(chan waitResult, 1)
	go func() {
		res, err := stream.Wait(waitCtx)
		done <- waitResult{res, err}
	}()

	for {
		select {
		case u := <-deltas:
			s.writeSSEEvent(w, u.Kind, u)
			flusher.Flush()

		case wr := <-done:
			s.drainDeltas(w, deltas)
			if wr.err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("streamed run timed out", "session_key", key, "run_id", runID)
					s.writeSSEEvent(w, chat.EventError, map[string]string{"runId": runID, "error": "run timed out"})
					flusher.Flush()
				}
				abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
				if err := c.Abort(abortCtx, key, runID); err != nil {
					s.logger.Debug("abort of unfinished run failed", "run_id", runID, "error", err)
				}
				cancel()
				return
			}
			event, data := settleEvent(wr.res)
			s.writeSSEEvent(w, event, data)
			flusher.Flush()
			return
		}
	}
}

func (s *Server) drainDeltas(w http.ResponseWriter, deltas <-chan chat.Update) {
	for {
		select {
		case u := <-deltas:
			s.writeSSEEvent(w, u.Kind, u)
		default:
			return
		}
	}
}

// settleEvent maps a settled run to its closing SSE event.
func settleEvent(res chat.Result) (string, any) {
	switch res.Outcome {
	case chat.OutcomeOK:
		return chat.EventFinal, map[string]any{"runId": res.RunID, "message": res.Reply}
	case chat.OutcomeAborted:
		return chat.EventAborted, map[string]any{"runId": res.RunID}
	default:
		msg := "run failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return chat.EventError, map[string]any{"runId": res.RunID, "error": msg}
	}
}

// handleAbort handles POST /api/sessions/{key}/abort. The body is optional;
// without a runId the gateway aborts whatever runs in the session.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req AbortRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c := s.openClient(w, r)
	if c == nil {
		return
	}
	defer c.Close()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if !s.tryConnect(ctx, c) {
		s.sendJSONError(w, http.StatusBadGateway, "gateway unavailable")
		return
	}
	if err := c.Abort(ctx, key, req.RunID); err != nil {
		s.logger.Warn("abort failed", "session_key", key, "error", err)
		s.sendJSONError(w, http.StatusBadGateway, "abort failed")
		return
	}
	s.sendJSON(w, http.StatusOK, MutationResponse{OK: true})
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(dst)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
