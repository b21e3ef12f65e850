// Copyright 2024-2026 Aiku AI

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// BatchType says why the network delivered a batch of messages.
type BatchType string

const (
	// BatchNotify is a batch of new messages received live.
	BatchNotify BatchType = "notify"
	// BatchAppend is history the network replays after connecting.
	BatchAppend BatchType = "append"
)

// MessageBatch is one upsert delivered by the network.
type MessageBatch struct {
	Type     BatchType
	Messages []*Message
}

// MessageKey identifies a message within a chat.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// ExtendedTextMessage is a text message carrying link previews, quotes or
// mentions.
type ExtendedTextMessage struct {
	Text string `json:"text"`
}

// MessageContent holds the message variants the bridge understands. Other
// variants survive only in Message.Raw.
type MessageContent struct {
	Conversation        string               `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`
}

// Message is an inbound message as delivered by the transport.
type Message struct {
	Key       MessageKey      `json:"key"`
	Message   *MessageContent `json:"message,omitempty"`
	PushName  string          `json:"pushName,omitempty"`
	Timestamp int64           `json:"messageTimestamp,omitempty"`

	// Raw is the undecoded payload, forwarded verbatim to the webhook.
	Raw json.RawMessage `json:"-"`
}

// ParseMessage decodes a message and keeps a copy of the raw payload.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return &msg, nil
}

// Text returns the plain text body, or "" when the message has none.
func (m *Message) Text() string {
	if m == nil || m.Message == nil {
		return ""
	}
	if m.Message.Conversation != "" {
		return m.Message.Conversation
	}
	if m.Message.ExtendedTextMessage != nil {
		return m.Message.ExtendedTextMessage.Text
	}
	return ""
}

// SentAt returns the network timestamp, or the zero time when absent.
func (m *Message) SentAt() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(m.Timestamp, 0)
}

// RawPayload returns Raw, marshaling the decoded form when the transport
// did not keep the original bytes.
func (m *Message) RawPayload() json.RawMessage {
	if len(m.Raw) > 0 {
		return m.Raw
	}
	data, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
