package models

import "strings"

// DeliveryState tracks whether the remote service has confirmed a message.
// It is local bookkeeping and never crosses the wire.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message represents a chat message between two handles
type Message struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver"`
	Body      string        `json:"message"`
	Timestamp int64         `json:"timestamp"` // epoch millis
	IsVoice   bool          `json:"isVoice"`
	Emoji     *string       `json:"emoji,omitempty"`
	IsRead    bool          `json:"isRead"`
	Delivery  DeliveryState `json:"-"`
}

// PairKey returns the order-independent key of the conversation between a and b.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Conversation returns the pair key of the conversation the message belongs to.
func (m Message) Conversation() string {
	return PairKey(m.Sender, m.Receiver)
}

// Involves reports whether the message was exchanged between a and b in either direction.
func (m Message) Involves(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// AddressedTo reports whether viewer received the message from someone else.
func (m Message) AddressedTo(viewer string) bool {
	return m.Receiver == viewer && m.Sender != viewer
}

// UnreadFor reports whether the message counts towards viewer's unread badge.
func (m Message) UnreadFor(viewer string) bool {
	return m.AddressedTo(viewer) && !m.IsRead
}

// EmojiValue returns the reaction or "" when there is none.
func (m Message) EmojiValue() string {
	if m.Emoji == nil {
		return ""
	}
	return *m.Emoji
}

// Emoji wraps a reaction for the optional Message.Emoji field.
func Emoji(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// ConversationSummary is a row of the conversation list
type ConversationSummary struct {
	Peer         string   `json:"peer"`
	UnreadCount  int      `json:"unread_count"`
	LastActivity int64    `json:"last_activity"`
	LastMessage  *Message `json:"last_message,omitempty"`
}

// SendResult is what the chat service answers to a send.
type SendResult struct {
	Status  string  `json:"status"` // "sent" or "request_pending"
	Message Message `json:"message"`
}

const (
	SendStatusSent           = "sent"
	SendStatusRequestPending = "request_pending"
)

// RequestPending reports whether the message opened a chat request instead of a conversation.
func (r SendResult) RequestPending() bool {
	return r.Status == SendStatusRequestPending
}
