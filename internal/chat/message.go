// ABOUTME: Thread message model and parsing of gateway message payloads
// ABOUTME: Content may be a plain string or typed parts; message_id annotations are hidden

package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartText is the only part type rendered.
const PartText = "text"

// Part is one typed content block.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one entry in a session thread.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   []Part    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`

	// Draft marks a local message the gateway has not yet confirmed.
	Draft bool `json:"draft,omitempty"`
}

// Text returns the displayable text of the message.
func (m Message) Text() string {
	var parts []string
	for _, p := range m.Content {
		if p.Type == PartText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return StripMessageIDs(strings.Join(parts, "\n"))
}

var messageIDAnnotation = regexp.MustCompile(`\n?\[message_id: [^\]]+\]`)

// StripMessageIDs removes [message_id: ...] annotations the gateway appends
// to transcript text.
func StripMessageIDs(s string) string {
	return messageIDAnnotation.ReplaceAllString(s, "")
}

func textContent(text string) []Part {
	return []Part{{Type: PartText, Text: text}}
}

// wireMessage is a message as the gateway sends it in history results and
// chat events.
type wireMessage struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content"`
	Text      string          `json:"text"`
	Timestamp json.RawMessage `json:"timestamp"`
	CreatedAt string          `json:"createdAt"`
}

// ParseMessage decodes one gateway message. A missing id is synthesized and
// a missing timestamp becomes the current time.
func ParseMessage(raw json.RawMessage) (Message, error) {
	msg, err := decodeMessage(raw)
	if err != nil {
		return Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return msg, nil
}

// decodeMessage decodes a message, leaving absent ids and timestamps zero.
func decodeMessage(raw json.RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}

	content, err := parseContent(w.Content)
	if err != nil {
		return Message{}, err
	}
	if len(content) == 0 && w.Text != "" {
		content = textContent(w.Text)
	}

	return Message{
		ID:        w.ID,
		Role:      w.Role,
		Content:   content,
		CreatedAt: parseTimestamp(w.Timestamp, w.CreatedAt),
	}, nil
}

// ParseMessages decodes a list of gateway messages, skipping entries that
// cannot be decoded and roles other than user and assistant.
func ParseMessages(raws []json.RawMessage) []Message {
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := ParseMessage(raw)
		if err != nil {
			continue
		}
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func parseContent(raw json.RawMessage) ([]Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decoding message content: %w", err)
		}
		return textContent(s), nil
	}
	var parts []Part
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("decoding message content: %w", err)
	}
	return parts, nil
}

func parseTimestamp(raw json.RawMessage, createdAt string) time.Time {
	var millis int64
	if len(raw) > 0 && json.Unmarshal(raw, &millis) == nil && millis > 0 {
		return time.UnixMilli(millis)
	}
	var s string
	if len(raw) > 0 && json.Unmarshal(raw, &s) == nil && s != "" {
		createdAt = s
	}
	if createdAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			return t
		}
	}
	return time.Time{}
}
