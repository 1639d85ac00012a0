// Package api exposes a user's agent gateway over an authenticated HTTP API.
//
// # Overview
//
// Each request resolves the caller's gateway from the store, opens a fresh
// client for the duration of the request and closes it before returning.
// Session operations degrade instead of failing when the gateway is asleep.
//
// # Endpoints
//
//	GET    /api/sessions                  list sessions
//	PATCH  /api/sessions/{key}            rename a session
//	DELETE /api/sessions/{key}            delete a session (main is refused)
//	GET    /api/sessions/{key}/history    load the transcript
//	POST   /api/sessions/{key}/send       send a message, reply streamed as SSE
//	POST   /api/sessions/{key}/abort      abort a run
//	GET    /health                        liveness
//
// Every /api route requires a bearer JWT whose subject is the user id.
//
// # Streaming
//
// A send over an open socket answers with text/event-stream:
//
//	event: started
//	data: {"runId":"..."}
//
//	event: delta
//	data: {"kind":"delta","runId":"...","text":"Hello"}
//
//	event: final
//	data: {"runId":"...","message":{...}}
//
// The last event is one of final, error or aborted. When the socket cannot
// be opened the message goes through the gateway's HTTP send endpoint and
// the response is a plain JSON acknowledgement with via set to "http".
package api
