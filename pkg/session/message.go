package session

import (
	"encoding/json"
	"strings"
	"time"
)

// Message kinds emitted by payload scripts.
const (
	MessageSend  = "send"
	MessageLog   = "log"
	MessageError = "error"
)

// Message is one payload message as delivered by the runtime.
type Message struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Level       string          `json:"level,omitempty"`
	Description string          `json:"description,omitempty"`
	Stack       string          `json:"stack,omitempty"`
	FileName    string          `json:"fileName,omitempty"`
	LineNumber  int             `json:"lineNumber,omitempty"`

	Raw        string    `json:"-"`
	Data       []byte    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

// ParseMessage decodes raw; undecodable input becomes a send message whose
// payload is the raw text.
func ParseMessage(raw string, data []byte) Message {
	msg := Message{Raw: raw, Data: data, ReceivedAt: time.Now()}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.Type == "" {
		encoded, _ := json.Marshal(raw)
		msg.Type = MessageSend
		msg.Payload = encoded
	}
	return msg
}

// Text renders the message for a log line.
func (m Message) Text() string {
	switch m.Type {
	case MessageError:
		if m.Stack != "" {
			return m.Description + "\n" + m.Stack
		}
		return m.Description
	default:
		var s string
		if err := json.Unmarshal(m.Payload, &s); err == nil {
			return s
		}
		return strings.TrimSpace(string(m.Payload))
	}
}
