// Package protocol defines the wire envelopes spoken with an agent gateway.
//
// # Overview
//
// Every frame on the gateway socket is a single JSON object tagged by its
// "type" field:
//
//	Request:  {"type":"req","id":"...","method":"...","params":{...}}
//	Response: {"type":"res","id":"...","ok":true,"payload":{...},"error":{...}}
//	Event:    {"type":"event","event":"...","payload":{...}}
//
// Envelope is the in-memory form of all three. Encode and Decode convert
// between Envelope and bytes.
//
// # Forward Compatibility
//
// Decode ignores unknown fields and never interprets method or event names,
// so frames for methods this package has never heard of pass through
// untouched. Frames that do not conform to one of the three shapes are
// reported as *ParseError; callers log and drop them.
//
// # Errors
//
// The error member of a response is normally {"code":"...","message":"..."}.
// Older gateways send a bare string, which decodes into Error.Message.
package protocol
