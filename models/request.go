package models

// RequestStatus represents the status of a chat request
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusAccepted RequestStatus = "accepted"
)

// ChatRequest is an unsolicited first contact awaiting accept or ignore
type ChatRequest struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Timestamp int64  `json:"timestamp"`
}

// Relationship classifies a partner from the receiver's point of view.
type Relationship string

const (
	RelationshipNone     Relationship = "none"
	RelationshipPending  Relationship = "pending"
	RelationshipAccepted Relationship = "accepted"
)
