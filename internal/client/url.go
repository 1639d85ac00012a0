// ABOUTME: Socket URL construction from a gateway base URL and token
// ABOUTME: Produces wss://host/ws?token=...&clientId=...

package client

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidGatewayURL is returned for gateway URLs that cannot be turned
// into a socket URL.
var ErrInvalidGatewayURL = errors.New("invalid gateway url")

const socketPath = "/ws"

// BuildSocketURL returns the WebSocket endpoint for a gateway. base may use
// ws, wss, http or https (http maps to ws, https to wss) or omit the scheme,
// in which case wss is assumed. An empty path becomes /ws. Existing query
// parameters are kept; token (when non-empty) and clientId are set.
func BuildSocketURL(base, token, clientID string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGatewayURL)
	}
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGatewayURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidGatewayURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidGatewayURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = socketPath
	}
	u.Fragment = ""

	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if clientID != "" {
		q.Set("clientId", clientID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
