// Package rpc manages one authenticated connection to an agent gateway.
//
// # Overview
//
// A Conn wraps a Transport (normally a WebSocket) and layers three things on
// top of the wire codec in package protocol:
//
//   - the connect handshake that upgrades a raw socket to an authorized session
//   - request/response correlation for Call
//   - an event Dispatcher for server-pushed events
//
// Typical use:
//
//	conn, err := rpc.Dial(ctx, "wss://host/ws?token=...&clientId=gateway-client", rpc.Options{
//	    Token:  token,
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	var out sessionsPayload
//	err = conn.Call(ctx, protocol.MethodSessionsList, map[string]any{"limit": 100}, &out)
//
// # Connection State
//
//	idle -> connecting -> awaiting-challenge -> handshaking -> ready -> closed
//
// The client never speaks first. After the socket opens it waits for a
// connect.challenge event, or for Options.ChallengeFallback (800ms by default)
// if the gateway never sends one, and then sends exactly one connect request.
// A hello-ok response moves the Conn to ready. Anything else, including the
// socket closing first, is fatal: the Conn is closed and the caller has to
// dial again.
//
// # Request/Response Correlation
//
// Call generates a fresh request id, records a pending entry, writes the
// request and waits for the response carrying the same id. Pending entries
// are removed on response, on timeout (Options.CallTimeout, 10s by default)
// and on close. A response that arrives after its call timed out is logged
// and ignored. Calls made before the handshake finishes wait for it.
//
// # Events
//
// Events are handed to the Dispatcher in arrival order and delivered on a
// single goroutine. Handlers registered with On may return errors or panic
// without affecting other handlers or the read loop.
//
// # Thread Safety
//
// Conn and Dispatcher are safe for concurrent use. There is no reconnection:
// once closed, every pending and future Call fails with ErrConnectionClosed.
package rpc
