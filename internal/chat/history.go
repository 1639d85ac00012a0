// ABOUTME: Transcript loading over chat.history with an HTTP fallback for empty results
// ABOUTME: Also derives the gateway's HTTP endpoints from its socket URL

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/clawlink/internal/metrics"
	"github.com/2389/clawlink/internal/protocol"
	"github.com/2389/clawlink/internal/sessions"
)

const (
	historyPath = "/ws/api/history"
	sendPath    = "/ws/api/send"

	// DefaultHistoryLimit is the chat.history limit when none is configured.
	DefaultHistoryLimit = 200

	defaultHTTPTimeout = 15 * time.Second
	maxHTTPBody        = 16 << 20
)

// ErrUnsupportedScheme is returned for gateway URLs that are not ws, wss,
// http or https.
var ErrUnsupportedScheme = errors.New("unsupported gateway url scheme")

// Source records where a transcript came from.
type Source string

const (
	SourceNone Source = ""
	SourceRPC  Source = "rpc"
	SourceHTTP Source = "http"
)

// History is a loaded transcript. Loaded is false until either chat.history
// returned messages or the HTTP fallback completed.
type History struct {
	SessionKey string    `json:"sessionKey"`
	Messages   []Message `json:"messages"`
	Source     Source    `json:"source"`
	Loaded     bool      `json:"loaded"`
}

// Caller issues gateway RPCs.
type Caller interface {
	Call(ctx context.Context, method string, params, out any) error
}

// HistoryOptions configures a HistoryLoader.
type HistoryOptions struct {
	Limit      int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// HistoryLoader loads transcripts for one gateway.
type HistoryLoader struct {
	caller    Caller
	socketURL string
	limit     int
	http      *http.Client
	logger    *slog.Logger
}

// NewHistoryLoader creates a loader. caller may be nil when no socket is
// open, in which case Load goes straight to HTTP. socketURL is the gateway
// URL the socket was (or would be) opened with, auth query included.
func NewHistoryLoader(caller Caller, socketURL string, opts HistoryOptions) *HistoryLoader {
	if opts.Limit <= 0 {
		opts.Limit = DefaultHistoryLimit
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HistoryLoader{
		caller:    caller,
		socketURL: socketURL,
		limit:     opts.Limit,
		http:      opts.HTTPClient,
		logger:    opts.Logger.With("component", "history"),
	}
}

type historyResult struct {
	SessionKey string            `json:"sessionKey"`
	Messages   []json.RawMessage `json:"messages"`
}

// Load returns the transcript of sessionKey. An empty or failed chat.history
// is never taken as the answer; the HTTP endpoint is asked before
// concluding the session is empty.
func (h *HistoryLoader) Load(ctx context.Context, sessionKey string) (History, error) {
	key := sessions.Canonicalize(sessionKey)
	logger := h.logger.With("session_key", key)

	if h.caller != nil {
		var res historyResult
		err := h.caller.Call(ctx, protocol.MethodChatHistory, map[string]any{
			"sessionKey": key,
			"limit":      h.limit,
		}, &res)
		switch {
		case err != nil:
			logger.Warn("chat.history failed, trying http", "error", err)
		case len(res.Messages) > 0:
			return History{
				SessionKey: key,
				Messages:   ParseMessages(res.Messages),
				Source:     SourceRPC,
				Loaded:     true,
			}, nil
		default:
			logger.Debug("chat.history returned nothing, trying http")
		}
	}

	messages, err := h.fetchHTTP(ctx, key)
	if err != nil {
		metrics.ObserveHistoryFallback("error")
		return History{SessionKey: key, Messages: []Message{}}, err
	}
	if len(messages) == 0 {
		metrics.ObserveHistoryFallback("empty")
	} else {
		metrics.ObserveHistoryFallback("recovered")
	}

	logger.Debug("history loaded over http", "messages", len(messages))
	return History{
		SessionKey: key,
		Messages:   messages,
		Source:     SourceHTTP,
		Loaded:     true,
	}, nil
}

func (h *HistoryLoader) fetchHTTP(ctx context.Context, key string) ([]Message, error) {
	u, err := BuildHistoryURL(h.socketURL, key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching history: unexpected status %d", resp.StatusCode)
	}

	body = bytes.TrimSpace(body)
	var raws []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		err = json.Unmarshal(body, &raws)
	} else {
		var res historyResult
		err = json.Unmarshal(body, &res)
		raws = res.Messages
	}
	if err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return ParseMessages(raws), nil
}

// BuildHistoryURL derives the HTTP history endpoint from a gateway socket
// URL: ws becomes http, wss becomes https, the path becomes /ws/api/history,
// existing query parameters are kept and sessionKey is set.
func BuildHistoryURL(socketURL, sessionKey string) (string, error) {
	u, err := gatewayHTTPURL(socketURL, historyPath)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sessionKey", sessionKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// BuildSendURL derives the HTTP send endpoint from a gateway socket URL,
// keeping its query parameters.
func BuildSendURL(socketURL string) (string, error) {
	u, err := gatewayHTTPURL(socketURL, sendPath)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func gatewayHTTPURL(socketURL, path string) (*url.URL, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parsing gateway url: missing host in %q", socketURL)
	}
	u.Path = path
	u.RawPath = ""
	u.Fragment = ""
	return u, nil
}

// SendAck is the gateway's reply to an HTTP send.
type SendAck struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// SendHTTP posts a message through the gateway's HTTP send endpoint. It is
// used when no socket is open; the reply is not streamed.
func SendHTTP(ctx context.Context, client *http.Client, socketURL, sessionKey, text, idempotencyKey string) (SendAck, error) {
	if text == "" {
		return SendAck{}, ErrEmptyMessage
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	u, err := BuildSendURL(socketURL)
	if err != nil {
		return SendAck{}, err
	}

	body, err := json.Marshal(map[string]string{
		"sessionKey":     sessions.Canonicalize(sessionKey),
		"message":        text,
		"idempotencyKey": idempotencyKey,
	})
	if err != nil {
		return SendAck{}, fmt.Errorf("encoding send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return SendAck{}, fmt.Errorf("creating send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return SendAck{}, fmt.Errorf("sending message over http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SendAck{}, fmt.Errorf("sending message over http: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var ack SendAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil && !errors.Is(err, io.EOF) {
		return SendAck{}, fmt.Errorf("decoding send response: %w", err)
	}
	if ack.RunID == "" {
		ack.RunID = idempotencyKey
	}
	return ack, nil
}
