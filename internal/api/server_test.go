// ABOUTME: Tests for the session API against the fake gateway
// ABOUTME: Covers auth, degradation, SSE streaming, idempotency and the HTTP send fallback

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawlink/internal/auth"
	"github.com/2389/clawlink/internal/config"
	"github.com/2389/clawlink/internal/gatewaytest"
	"github.com/2389/clawlink/internal/protocol"
	"github.com/2389/clawlink/internal/store"
)

const testUser = "user-1"

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  *store.MockStore
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	verifier, err := auth.NewJWTVerifier([]byte("api-server-test-secret-32-bytes!"))
	require.NoError(t, err)
	token, err := verifier.Generate(testUser, time.Hour)
	require.NoError(t, err)

	cfg := config.Default()
	st := store.NewMockStore()

	s, err := New(cfg, st, verifier, nil)
	require.NoError(t, err)
	t.Cleanup(s.dedupe.Close)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{server: s, http: srv, store: st, token: token}
}

func (e *testEnv) useGateway(t *testing.T, gatewayURL, token string) {
	t.Helper()
	require.NoError(t, e.store.PutGateway(context.Background(), &store.GatewayRecord{
		UserID:     testUser,
		GatewayURL: gatewayURL,
		Token:      token,
	}))
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type sseEvent struct {
	name string
	data map[string]any
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

// unreachableURL returns a socket URL nothing listens on.
func unreachableURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "ws://" + addr + "/ws"
}

func TestNew_RequiresDependencies(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte("api-server-test-secret-32-bytes!"))
	require.NoError(t, err)

	_, err = New(nil, store.NewMockStore(), verifier, nil)
	assert.Error(t, err)
	_, err = New(config.Default(), nil, verifier, nil)
	assert.Error(t, err)
	_, err = New(config.Default(), store.NewMockStore(), nil, nil)
	assert.Error(t, err)
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_NoGatewayConfigured(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "no gateway configured", body["error"])
}

func TestListSessions(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Token: "gw-token"})
	older, newer := int64(1000), int64(2000)
	gw.SetSessions(
		gatewaytest.Session{Key: "agent:main:main", UpdatedAt: &older},
		gatewaytest.Session{Key: "agent:main:side-project", UpdatedAt: &newer},
		gatewaytest.Session{Key: "global", Kind: "global"},
	)

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "gw-token")

	resp := env.do(t, http.MethodGet, "/api/sessions?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ListSessionsResponse
	decodeJSON(t, resp, &body)
	assert.False(t, body.Degraded)
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, "side-project", body.Sessions[0].Key)
	assert.Equal(t, "Side Project", body.Sessions[0].Name)
	assert.Equal(t, "General", body.Sessions[1].Name)

	reqs := gw.RequestsFor(protocol.MethodSessionsList)
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"limit":10,"includeGlobal":false,"includeUnknown":false}`, string(reqs[0].Params))
}

func TestListSessions_BadQuery(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/sessions?includeGlobal=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSessions_DegradesWhenGatewayAsleep(t *testing.T) {
	env := newTestEnv(t)
	env.useGateway(t, unreachableURL(t), "tok")

	resp := env.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ListSessionsResponse
	decodeJSON(t, resp, &body)
	assert.True(t, body.Degraded)
	assert.NotNil(t, body.Sessions)
	assert.Empty(t, body.Sessions)
}

func TestPatchSession(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	gw.SetSessions(gatewaytest.Session{Key: "agent:main:notes"})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	resp := env.do(t, http.MethodPatch, "/api/sessions/notes", `{"label":"Research"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body MutationResponse
	decodeJSON(t, resp, &body)
	assert.True(t, body.OK)
	assert.False(t, body.Degraded)

	reqs := gw.RequestsFor(protocol.MethodSessionsPatch)
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"key":"agent:main:notes","label":"Research"}`, string(reqs[0].Params))
}

func TestPatchSession_GatewayErrorDegrades(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	resp := env.do(t, http.MethodPatch, "/api/sessions/missing", `{"label":"x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body MutationResponse
	decodeJSON(t, resp, &body)
	assert.False(t, body.OK)
	assert.True(t, body.Degraded)
}

func TestPatchSession_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPatch, "/api/sessions/notes", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteSession_MainRefusedWithoutDialing(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	for _, key := range []string{"main", "agent:main:main"} {
		resp := env.do(t, http.MethodDelete, "/api/sessions/"+key, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, key)
	}
	assert.Zero(t, gw.Connects())
}

func TestDeleteSession_KeepTranscript(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	gw.SetSessions(gatewaytest.Session{Key: "agent:main:old"})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	resp := env.do(t, http.MethodDelete, "/api/sessions/old?deleteTranscript=false", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reqs := gw.RequestsFor(protocol.MethodSessionsDelete)
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"key":"agent:main:old","deleteTranscript":false}`, string(reqs[0].Params))
}

func TestHistory_OverSocket(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	gw.SetHistory("agent:main:main",
		map[string]any{"role": "user", "content": "hi", "timestamp": 1},
		map[string]any{"role": "assistant", "content": "hello\n[message_id: abc]", "timestamp": 2},
	)

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	resp := env.do(t, http.MethodGet, "/api/sessions/main/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SessionKey string `json:"sessionKey"`
		Source     string `json:"source"`
		Loaded     bool   `json:"loaded"`
		Messages   []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "agent:main:main", body.SessionKey)
	assert.Equal(t, "rpc", body.Source)
	assert.True(t, body.Loaded)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "assistant", body.Messages[1].Role)
	assert.Empty(t, gw.HTTPHistoryQueries())
}

func TestHistory_HTTPWhenSocketRefused(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Token: "right"})
	gw.SetHistory("agent:main:main", map[string]any{"role": "user", "content": "hi", "timestamp": 1})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "wrong")

	resp := env.do(t, http.MethodGet, "/api/sessions/main/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Source string `json:"source"`
		Loaded bool   `json:"loaded"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "http", body.Source)
	assert.True(t, body.Loaded)

	queries := gw.HTTPHistoryQueries()
	require.Len(t, queries, 1)
	assert.Equal(t, "wrong", queries[0].Get("token"))
}

func TestHistory_UnavailableIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.useGateway(t, unreachableURL(t), "tok")

	resp := env.do(t, http.MethodGet, "/api/sessions/main/history", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSend_StreamsReply(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{ReplyChunks: []string{"Hel", "Hello there"}})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	resp := env.do(t, http.MethodPost, "/api/sessions/main/send", `{"message":"hi","idempotencyKey":"caller-key-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 2)

	assert.Equal(t, "started", events[0].name)
	runID, _ := events[0].data["runId"].(string)
	assert.Equal(t, "caller-key-1", runID, "the gateway names the run after the caller's key")

	last := events[len(events)-1]
	assert.Equal(t, "final", last.name)
	assert.Equal(t, runID, last.data["runId"])
	msg, _ := last.data["message"].(map[string]any)
	require.NotNil(t, msg)
	assert.Equal(t, "assistant", msg["role"])

	for _, ev := range events[1 : len(events)-1] {
		assert.Equal(t, "delta", ev.name)
	}

	sends := gw.RequestsFor(protocol.MethodChatSend)
	require.Len(t, sends, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(sends[0].Params, &params))
	assert.Equal(t, "agent:main:main", params["sessionKey"])
	assert.Equal(t, "hi", params["message"])
	assert.Equal(t, "caller-key-1", params["idempotencyKey"])
}

func TestSend_StreamTimeoutAbortsRun(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{
		ReplyChunks: []string{"slow", "slower", "slowest"},
		ChunkDelay:  2 * time.Second,
	})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")
	env.server.config.Server.StreamTimeout = 300 * time.Millisecond

	start := time.Now()
	resp := env.do(t, http.MethodPost, "/api/sessions/main/send", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	assert.Less(t, time.Since(start), 2*time.Second, "the stream ends at the deadline, not with the run")
	require.GreaterOrEqual(t, len(events), 2)

	runID, _ := events[0].data["runId"].(string)
	require.NotEmpty(t, runID)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.name)
	assert.Equal(t, runID, last.data["runId"])
	assert.Equal(t, "run timed out", last.data["error"])

	assert.Eventually(t, func() bool {
		aborts := gw.Aborts()
		return len(aborts) == 1 && aborts[0] == runID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSend_RunErrorEndsStream(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{StreamError: "model overloaded"})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	resp := env.do(t, http.MethodPost, "/api/sessions/main/send", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.name)
	assert.Contains(t, last.data["error"], "model overloaded")
}

func TestSend_DuplicateIdempotencyKey(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	first := env.do(t, http.MethodPost, "/api/sessions/main/send", `{"message":"hi","idempotencyKey":"k-1"}`)
	require.Equal(t, http.StatusOK, first.StatusCode)
	events := readSSE(t, first.Body)
	require.NotEmpty(t, events)
	runID, _ := events[0].data["runId"].(string)

	second := env.do(t, http.MethodPost, "/api/sessions/main/send", `{"message":"hi","idempotencyKey":"k-1"}`)
	require.Equal(t, http.StatusOK, second.StatusCode)

	var body SendResponse
	decodeJSON(t, second, &body)
	assert.Equal(t, "duplicate", body.Status)
	assert.Equal(t, runID, body.RunID)
	assert.Len(t, gw.RequestsFor(protocol.MethodChatSend), 1)
}

func TestSend_FallsBackToHTTP(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Token: "right"})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "wrong")

	resp := env.do(t, http.MethodPost, "/api/sessions/notes/send", `{"message":"offline","idempotencyKey":"k-2"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body SendResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "k-2", body.RunID)
	assert.Equal(t, "http", string(body.Via))

	sends := gw.HTTPSends()
	require.Len(t, sends, 1)
	assert.Equal(t, "agent:main:notes", sends[0]["sessionKey"])
	assert.Equal(t, "offline", sends[0]["message"])
}

func TestSend_FailedSendReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	env.useGateway(t, unreachableURL(t), "tok")

	for range 2 {
		resp := env.do(t, http.MethodPost, "/api/sessions/main/send", `{"message":"hi","idempotencyKey":"k-3"}`)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	assert.Zero(t, env.server.dedupe.Len())
}

func TestSend_RequiresMessage(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions/main/send", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAbort(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})

	env := newTestEnv(t)
	env.useGateway(t, gw.URL, "")

	resp := env.do(t, http.MethodPost, "/api/sessions/main/abort", `{"runId":"run-9"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"run-9"}, gw.Aborts())

	resp = env.do(t, http.MethodPost, "/api/sessions/main/abort", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAbort_GatewayUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.useGateway(t, unreachableURL(t), "tok")

	resp := env.do(t, http.MethodPost, "/api/sessions/main/abort", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
