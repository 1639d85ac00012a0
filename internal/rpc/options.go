// ABOUTME: Connection options with defaults for client identity, scopes and timing
// ABOUTME: Identity and timers are configuration, not protocol requirements

package rpc

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/clawlink/internal/protocol"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultClientID          = "gateway-client"
	DefaultClientVersion     = "clawlink/1.0"
	DefaultPlatform          = "linux"
	DefaultMode              = "backend"
	DefaultRole              = "operator"
	DefaultChallengeFallback = 800 * time.Millisecond
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultCallTimeout       = 10 * time.Second
	writeTimeout             = 10 * time.Second
)

// DefaultScopes are requested when Options.Scopes is empty.
var DefaultScopes = []string{"operator.read", "operator.write"}

// ClientInfo identifies this client to the gateway. The gateway owns the
// allow-list of accepted IDs.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// Options configures a Conn.
type Options struct {
	Client ClientInfo

	// Token is sent as auth.token in the connect request when non-empty.
	Token string

	Role        string
	Scopes      []string
	MinProtocol int
	MaxProtocol int

	// ChallengeFallback is how long to wait for connect.challenge before
	// sending connect anyway.
	ChallengeFallback time.Duration
	HandshakeTimeout  time.Duration
	CallTimeout       time.Duration

	// Header is added to the WebSocket upgrade request.
	Header http.Header

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Client.ID == "" {
		o.Client.ID = DefaultClientID
	}
	if o.Client.Version == "" {
		o.Client.Version = DefaultClientVersion
	}
	if o.Client.Platform == "" {
		o.Client.Platform = DefaultPlatform
	}
	if o.Client.Mode == "" {
		o.Client.Mode = DefaultMode
	}
	if o.Role == "" {
		o.Role = DefaultRole
	}
	if len(o.Scopes) == 0 {
		o.Scopes = append([]string(nil), DefaultScopes...)
	}
	if o.MinProtocol == 0 {
		o.MinProtocol = protocol.Version
	}
	if o.MaxProtocol == 0 {
		o.MaxProtocol = protocol.Version
	}
	if o.ChallengeFallback <= 0 {
		o.ChallengeFallback = DefaultChallengeFallback
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
