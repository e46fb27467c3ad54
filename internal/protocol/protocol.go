// Package protocol defines the chatwire wire format: the envelope exchanged
// over every transport, the closed set of event names and the payload shape
// carried by each event.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event identifies the kind of message on the wire.
type Event string

// Transport-level events raised locally by a connection.
const (
	EventConnect         Event = "connect"
	EventDisconnect      Event = "disconnect"
	EventConnectError    Event = "connect_error"
	EventReconnectFailed Event = "reconnect_failed"
)

// Application events exchanged with the backend.
const (
	EventEstablished    Event = "connection_established"
	EventUserOnline     Event = "user_online"
	EventUserOffline    Event = "user_offline"
	EventSendMessage    Event = "send_message"
	EventReceiveMessage Event = "receive_message"
	EventMessageSent    Event = "message_sent"
	EventMessageError   Event = "message_error"
	EventTyping         Event = "typing"
	EventMessageRead    Event = "message_read"
)

var known = map[Event]bool{
	EventConnect:         true,
	EventDisconnect:      true,
	EventConnectError:    true,
	EventReconnectFailed: true,
	EventEstablished:     true,
	EventUserOnline:      true,
	EventUserOffline:     true,
	EventSendMessage:     true,
	EventReceiveMessage:  true,
	EventMessageSent:     true,
	EventMessageError:    true,
	EventTyping:          true,
	EventMessageRead:     true,
}

// Known reports whether e is part of the event vocabulary.
func (e Event) Known() bool { return known[e] }

// Local reports whether e is raised by the connection itself rather than
// received from the backend.
func (e Event) Local() bool {
	switch e {
	case EventConnect, EventDisconnect, EventConnectError, EventReconnectFailed:
		return true
	}
	return false
}

func (e Event) String() string { return string(e) }

// Envelope is the wrapper for every message on the wire.
type Envelope struct {
	Type    Event           `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes v as the payload of an envelope of the given type.
func NewEnvelope(ev Event, v any) (Envelope, error) {
	if v == nil {
		return Envelope{Type: ev}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", ev, err)
	}
	return Envelope{Type: ev, Payload: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// --- payload types ---

// UserPresence announces a user becoming reachable or unreachable.
type UserPresence struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// ChatMessage is a single message transmission unit. MessageID is empty on
// send and assigned by the backend before delivery.
type ChatMessage struct {
	MessageID  string    `json:"message_id,omitempty"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Typing signals that a sender started or stopped typing to a receiver.
type Typing struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	IsTyping   bool   `json:"is_typing"`
}

// ReadReceipt acknowledges that a reader has read a message.
type ReadReceipt struct {
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
}

// MessageAck confirms that the backend accepted a sent message.
type MessageAck struct {
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Delivered  bool      `json:"delivered"`
}

// MessageError reports that the backend rejected a sent message.
type MessageError struct {
	Error      string    `json:"error"`
	SenderID   string    `json:"sender_id,omitempty"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Established is sent by the backend once a connection is attached.
type Established struct {
	SID       string `json:"sid"`
	Transport string `json:"transport"`
}

// ConnectError is the payload of a locally raised connect_error.
type ConnectError struct {
	Message string `json:"message"`
}
