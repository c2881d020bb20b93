// Package protocol defines the real-time events exchanged between browser
// clients and the chat server. Every frame is a JSON object carrying a "type"
// discriminator next to the event payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tandem/chat-app/internal/store"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAnnounce      = "announce"
	TypeSendMessage   = "sendMessage"
	TypeTyping        = "typing"
	TypeStopTyping    = "stopTyping"
	TypeMarkRead      = "markRead"
	TypeDeleteMessage = "deleteMessage"
	TypePing          = "ping"
)

// Server -> Client event types. Typing and stopTyping reuse the client names.
const (
	TypeSessionCreated  = "sessionCreated"
	TypePresenceChanged = "presenceChanged"
	TypeMessageReceived = "messageReceived"
	TypeMessagesRead    = "messagesRead"
	TypeMessageDeleted  = "messageDeleted"
	TypeRateLimited     = "rateLimited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the whole frame and extracts only "type".
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

// AnnounceMsg binds the connection to a username.
type AnnounceMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// SendMessageMsg asks the server to persist and deliver a message. ClientID
// is an optional client-generated key echoed on the resulting
// messageReceived so the sender can reconcile its optimistic entry.
type SendMessageMsg struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
	ClientID string `json:"clientId,omitempty"`
}

// TypingMsg is used for both typing and stopTyping.
type TypingMsg struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

// MarkReadMsg acknowledges messages authored by Sender and read by Receiver.
// IsList is false when messageIds was present but not a JSON array of
// strings; such frames are dropped by the router.
type MarkReadMsg struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"messageIds"`
	Sender     string   `json:"sender"`
	Receiver   string   `json:"receiver"`
	IsList     bool     `json:"-"`
}

// UnmarshalJSON tolerates a malformed messageIds value instead of failing
// the whole frame.
func (m *MarkReadMsg) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       string          `json:"type"`
		MessageIDs json.RawMessage `json:"messageIds"`
		Sender     string          `json:"sender"`
		Receiver   string          `json:"receiver"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Type = raw.Type
	m.Sender = raw.Sender
	m.Receiver = raw.Receiver
	m.MessageIDs = nil
	m.IsList = false

	if len(raw.MessageIDs) == 0 || raw.MessageIDs[0] != '[' {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw.MessageIDs, &ids); err != nil {
		return nil
	}
	m.MessageIDs = ids
	m.IsList = true
	return nil
}

// DeleteMessageMsg asks the server to hard-delete a message.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// PingMsg is an application-level keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once after the WebSocket upgrade.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Username  string `json:"username,omitempty"`
}

// PresenceChangedMsg carries the full set of online usernames.
type PresenceChangedMsg struct {
	Type            string   `json:"type"`
	OnlineUsernames []string `json:"onlineUsernames"`
}

// MessageReceivedMsg delivers a persisted message to the receiver and echoes
// it to the sender.
type MessageReceivedMsg struct {
	Type     string        `json:"type"`
	Message  store.Message `json:"message"`
	ClientID string        `json:"clientId,omitempty"`
}

// ServerTypingMsg relays typing or stopTyping to the receiver.
type ServerTypingMsg struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
}

// MessagesReadMsg tells the author which of their messages were read.
type MessagesReadMsg struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"messageIds"`
}

// MessageDeletedMsg tells participants a message is gone.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// RateLimitedMsg is sent when an event was refused by the rate limiter.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg reports a failure local to the initiating connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses a raw frame into a typed client event. It
// returns the event type, the decoded struct and any parse error. Unknown
// and server-only types are errors.
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
	case TypeAnnounce:
		var m AnnounceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping, TypeStopTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
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

// NewServerMessage encodes payload as JSON with "type" set to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
