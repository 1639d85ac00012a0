// Package client is the entry point for talking to one user's agent gateway.
//
// # Overview
//
// A Client holds the caller's gateway credentials and at most one live
// connection. Connect always dials and handshakes from scratch; a previous
// connection is closed first and its in-flight calls fail. There is no
// automatic reconnection: callers watch OnConnectionChange and call Connect
// again when they need the socket back.
//
// # Degradation
//
// A gateway may legitimately be asleep. The session helpers on Client turn
// gateway failures into an empty list or a no-op and report degraded=true
// instead of returning an error; only local rejections such as deleting the
// main session are errors. Send falls back to the gateway's HTTP endpoint
// when no socket is open, and LoadHistory does the same for transcripts.
//
// # Usage
//
//	c, err := client.New(client.Credentials{GatewayURL: url, Token: token}, client.Options{})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	if err := c.Connect(ctx); err != nil {
//		return err
//	}
//	list, degraded := c.ListSessions(ctx, sessions.ListOptions{Limit: 100})
package client
