// ABOUTME: JSON encoding and decoding of gateway envelopes
// ABOUTME: Rejects non-conforming frames with ParseError and ignores unknown fields

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every ParseError.
var ErrMalformed = errors.New("malformed frame")

// ParseError describes a frame that could not be decoded into an Envelope.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

// frame is the wire shape shared by all envelope kinds.
type frame struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// Encode serializes an envelope. Only the members that belong to its kind
// are written.
func Encode(env Envelope) ([]byte, error) {
	f := frame{Type: env.Kind}
	switch env.Kind {
	case KindRequest:
		if env.ID == "" || env.Method == "" {
			return nil, fmt.Errorf("encoding request: id and method required")
		}
		f.ID = env.ID
		f.Method = env.Method
		f.Params = env.Params
		if len(f.Params) == 0 {
			f.Params = json.RawMessage(`{}`)
		}
	case KindResponse:
		if env.ID == "" {
			return nil, fmt.Errorf("encoding response: id required")
		}
		ok := env.OK
		f.ID = env.ID
		f.OK = &ok
		f.Payload = env.Payload
		f.Error = env.Error
	case KindEvent:
		if env.Event == "" {
			return nil, fmt.Errorf("encoding event: name required")
		}
		f.Event = env.Event
		f.Payload = env.Payload
	default:
		return nil, fmt.Errorf("encoding envelope: unknown kind %q", env.Kind)
	}
	return json.Marshal(f)
}

// Decode parses one frame. Non-conforming input yields a *ParseError.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &ParseError{Reason: "not a JSON object"}
	}

	var f frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Envelope{}, &ParseError{Reason: "invalid JSON", Err: err}
	}

	env := Envelope{Kind: f.Type, ID: f.ID}
	switch f.Type {
	case KindRequest:
		if f.ID == "" || f.Method == "" {
			return Envelope{}, &ParseError{Reason: "request missing id or method"}
		}
		env.Method = f.Method
		env.Params = f.Params
	case KindResponse:
		if f.ID == "" {
			return Envelope{}, &ParseError{Reason: "response missing id"}
		}
		env.OK = f.OK != nil && *f.OK
		env.Payload = nullToNil(f.Payload)
		env.Error = f.Error
	case KindEvent:
		if f.Event == "" {
			return Envelope{}, &ParseError{Reason: "event missing name"}
		}
		env.Event = f.Event
		env.Payload = nullToNil(f.Payload)
	default:
		return Envelope{}, &ParseError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
	return env, nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
