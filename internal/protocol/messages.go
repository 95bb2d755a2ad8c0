// Package protocol defines the real-time event types exchanged between
// clients and the delivery router. All frames are JSON objects carrying a
// "type" discriminator next to the event fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate     = "authenticate"
	TypePrivateMessage   = "private_message"
	TypeTyping           = "typing"
	TypeStopTyping       = "stop_typing"
	TypePushNotification = "push_notification"
	TypePing             = "ping"
)

// Server -> Client event types. typing and stop_typing reuse the client names.
const (
	TypeAuthenticated       = "authenticated"
	TypeReceiveMessage      = "receive_message"
	TypeMessageSent         = "message_sent"
	TypeMessageStatusUpdate = "message_status_update"
	TypeUserOnline          = "user_online"
	TypeUserOffline         = "user_offline"
	TypeNotification        = "notification"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON for deferred decoding into
// the concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// AuthenticateMsg binds the connection to a user. The user must match the
// identity admitted at upgrade time.
type AuthenticateMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// PrivateMessageMsg creates a message for recipientId.
type PrivateMessageMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

// TypingMsg starts a typing indicator toward recipientId.
type TypingMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
}

// StopTypingMsg ends a typing indicator toward recipientId.
type StopTypingMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
}

// PushNotificationMsg relays an ad-hoc notification to recipientId.
type PushNotificationMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Link        string `json:"link,omitempty"`
}

// PingMsg is an application-level keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms admission. AccessToken is set only when the
// short-lived credential was rotated during admission.
type AuthenticatedMsg struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken,omitempty"`
}

// StatusUpdateMsg tells a sender that a message advanced its lifecycle.
type StatusUpdateMsg struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// PresenceMsg announces that a user came online or went offline.
type PresenceMsg struct {
	UserID string `json:"userId"`
}

// ServerTypingMsg relays a typing indicator from senderId.
type ServerTypingMsg struct {
	SenderID string `json:"senderId"`
}

// NotificationMsg is delivered for push_notification and admin broadcasts.
type NotificationMsg struct {
	SenderID string `json:"senderId,omitempty"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Link     string `json:"link,omitempty"`
}

// RateLimitedMsg is sent when the client exceeded a limit.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

// ErrorMsg reports a rejected event.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a raw frame into a typed client event. Unknown
// and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePrivateMessage:
		var m PrivateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePushNotification:
		var m PushNotificationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a JSON object and injects msgType
// under "type". payload must marshal to a JSON object (or null).
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]interface{}{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload for %q is not an object: %w", msgType, err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
