package models

import "encoding/json"

// Frame types exchanged on the realtime side-channel.
const (
	FrameSubscribe         = "subscribe"
	FrameUnsubscribe       = "unsubscribe"
	FramePublish           = "publish"
	FrameMessage           = "message"
	FramePresence          = "presence"
	FrameObservePresence   = "observe_presence"
	FrameUnobservePresence = "unobserve_presence"
	FrameMarkRead          = "mark_read"
	FrameError             = "error"
)

// Frame is the envelope of every realtime message
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload names the conversation a subscription is for.
type SubscribePayload struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

// PresencePayload carries a typing flag for the ordered pair (User typing to Peer).
type PresencePayload struct {
	User   string `json:"user"`
	Peer   string `json:"peer"`
	Typing bool   `json:"typing"`
}

// PresenceKey is the key typing presence is stored under.
func PresenceKey(user, peer string) string {
	return user + ">" + peer
}

// MarkReadPayload asks the mirror to flag messages from Sender to Receiver as read.
type MarkReadPayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

// ErrorPayload reports a rejected frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType string, payload interface{}) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: raw}, nil
}
