// ABOUTME: Envelope type, method/event names and protocol constants for the gateway socket
// ABOUTME: Tagged union of request, response and event frames

package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind tags an Envelope as a request, response or event.
type Kind string

const (
	KindRequest  Kind = "req"
	KindResponse Kind = "res"
	KindEvent    Kind = "event"
)

// Methods consumed from the gateway.
const (
	MethodConnect        = "connect"
	MethodSessionsList   = "sessions.list"
	MethodSessionsPatch  = "sessions.patch"
	MethodSessionsDelete = "sessions.delete"
	MethodChatSend       = "chat.send"
	MethodChatHistory    = "chat.history"
	MethodChatAbort      = "chat.abort"
)

// Events consumed from the gateway.
const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
)

// HelloOK is the payload type of a successful connect response.
const HelloOK = "hello-ok"

// Version is the protocol version this client speaks.
const Version = 3

// Envelope is one discrete wire message.
type Envelope struct {
	Kind    Kind
	ID      string
	Method  string
	Params  json.RawMessage
	OK      bool
	Payload json.RawMessage
	Error   *Error
	Event   string
}

// Error is the error member of a failed response.
type Error struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// UnmarshalJSON accepts both the object form and a bare string.
func (e *Error) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain Error
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Error(p)
	return nil
}

// NewRequest builds a request envelope, marshaling params into a JSON object.
// A nil params value is sent as an empty object.
func NewRequest(id, method string, params any) (Envelope, error) {
	raw := json.RawMessage(`{}`)
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		raw = b
	}
	return Envelope{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response envelope.
func NewResponse(id string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewErrorResponse builds a failed response envelope.
func NewErrorResponse(id, code, message string) Envelope {
	return Envelope{Kind: KindResponse, ID: id, Error: &Error{Code: code, Message: message}}
}

// NewEvent builds an event envelope.
func NewEvent(name string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindEvent, Event: name, Payload: raw}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return b, nil
}
