// ABOUTME: Challenge-response connect handshake that upgrades a socket to a ready session
// ABOUTME: Waits for connect.challenge (or a fallback timer) and sends exactly one connect

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/clawlink/internal/metrics"
	"github.com/2389/clawlink/internal/protocol"
)

// Challenge is the payload of connect.challenge.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ConnectParams is the connect request body.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Caps        []string     `json:"caps"`
}

// ConnectAuth carries the gateway token.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// Hello is the payload of a successful connect.
type Hello struct {
	Type     string `json:"type"`
	Protocol int    `json:"protocol"`
	Server   struct {
		Version string `json:"version,omitempty"`
		ConnID  string `json:"connId,omitempty"`
	} `json:"server"`
}

func (c *Conn) onChallenge(ev Event) error {
	var ch Challenge
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &ch); err != nil {
			c.logger.Debug("unparseable challenge payload", "error", err)
		}
	}
	select {
	case c.challenge <- ch:
	default:
		// A challenge is already waiting; later ones are ignored.
	}
	return nil
}

// Handshake performs the connect sequence. It must be called once, right
// after NewConn. On failure the Conn is closed; the caller has to open a
// new connection rather than retry on this one.
func (c *Conn) Handshake(ctx context.Context) (*Hello, error) {
	c.mu.Lock()
	switch c.state {
	case StateAwaitingChallenge:
	case StateHandshaking:
		c.mu.Unlock()
		return nil, ErrHandshakeInProgress
	case StateReady:
		hello := c.hello
		c.mu.Unlock()
		return hello, nil
	default:
		c.mu.Unlock()
		return nil, ErrClosedBeforeReady
	}
	c.state = StateHandshaking
	c.mu.Unlock()

	hello, err := c.handshake(ctx)
	if err != nil {
		metrics.ObserveHandshake("rejected")
		c.logger.Warn("gateway handshake failed", "error", err)
		c.shutdown(err)
		return nil, err
	}

	c.mu.Lock()
	c.hello = hello
	c.mu.Unlock()
	c.setState(StateReady)
	close(c.ready)

	metrics.ObserveHandshake("ok")
	c.logger.Info("gateway connection ready",
		"protocol", hello.Protocol,
		"server_version", hello.Server.Version,
	)
	return hello, nil
}

func (c *Conn) handshake(ctx context.Context) (*Hello, error) {
	timer := time.NewTimer(c.opts.ChallengeFallback)
	defer timer.Stop()

	select {
	case ch := <-c.challenge:
		c.logger.Debug("received connect.challenge", "nonce", ch.Nonce)
	case <-timer.C:
		c.logger.Debug("no connect.challenge received, sending connect",
			"waited", c.opts.ChallengeFallback,
		)
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	params := ConnectParams{
		MinProtocol: c.opts.MinProtocol,
		MaxProtocol: c.opts.MaxProtocol,
		Client:      c.opts.Client,
		Role:        c.opts.Role,
		Scopes:      c.opts.Scopes,
		Caps:        []string{},
	}
	if c.opts.Token != "" {
		params.Auth = &ConnectAuth{Token: c.opts.Token}
	}

	payload, err := c.roundTrip(ctx, protocol.MethodConnect, params, c.opts.HandshakeTimeout)
	if err != nil {
		var cerr *CallError
		if errors.As(err, &cerr) {
			return nil, &HandshakeError{Code: cerr.Code, Message: cerr.Message}
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	var hello Hello
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hello); err != nil {
			return nil, &HandshakeError{Message: fmt.Sprintf("invalid connect payload: %v", err)}
		}
	}
	if hello.Type != protocol.HelloOK {
		return nil, &HandshakeError{Message: fmt.Sprintf("unexpected connect payload type %q", hello.Type)}
	}
	return &hello, nil
}
