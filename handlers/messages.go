package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"buzzconnect/database"
	"buzzconnect/events"
	"buzzconnect/middleware"
	"buzzconnect/models"
)

// SendMessage stores a message from the current user. The response status is
// "request_pending" while the receiver has not let the sender in.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r)

	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg.Sender == "" {
		msg.Sender = user.Username
	}
	if msg.Sender != user.Username {
		writeError(w, http.StatusForbidden, "Cannot send as another user")
		return
	}
	if msg.Body == "" {
		writeError(w, http.StatusBadRequest, "Message content is required")
		return
	}
	if _, err := s.store.GetUserByUsername(r.Context(), msg.Receiver); err != nil {
		writeError(w, http.StatusNotFound, "Recipient not found")
		return
	}

	outcome, err := s.store.SendMessage(r.Context(), msg)
	if err != nil {
		s.log.Error().Err(err).Str("sender", msg.Sender).Str("receiver", msg.Receiver).Msg("send message")
		writeError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}

	if !outcome.Duplicate {
		stored := outcome.Message
		s.events.Publish(r.Context(), events.Event{
			Kind: events.MessageSent, Sender: stored.Sender, Receiver: stored.Receiver, Message: &stored,
		})
	}
	if outcome.RequestCreated {
		s.metrics.RequestsCreated.Inc()
		s.events.Publish(r.Context(), events.Event{
			Kind: events.RequestCreated, Sender: outcome.Message.Sender, Receiver: outcome.Message.Receiver,
		})
	}

	writeJSON(w, http.StatusOK, outcome.Result())
}

// GetConversation returns the messages between user1 and user2, oldest first.
func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r)
	q := r.URL.Query()
	user1, user2 := q.Get("user1"), q.Get("user2")
	if user1 == "" || user2 == "" {
		writeError(w, http.StatusBadRequest, "user1 and user2 are required")
		return
	}
	if user.Username != user1 && user.Username != user2 {
		writeError(w, http.StatusForbidden, "Not a participant")
		return
	}

	messages, err := s.store.GetConversation(r.Context(), user1, user2)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// GetConversations returns the handles the user has a conversation with.
func (s *Server) GetConversations(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if middleware.CurrentUser(r).Username != username {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	partners, err := s.store.GetConversationPartners(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get conversations")
		return
	}
	if partners == nil {
		partners = []string{}
	}
	writeJSON(w, http.StatusOK, partners)
}

// UnreadCount returns how many messages from sender the current user has not read.
func (s *Server) UnreadCount(w http.ResponseWriter, r *http.Request) {
	sender, receiver, ok := s.pairForReceiver(w, r)
	if !ok {
		return
	}
	n, err := s.store.UnreadCount(r.Context(), sender, receiver)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// MarkAsRead marks every message from sender to the current user as read.
func (s *Server) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	sender, receiver, ok := s.pairForReceiver(w, r)
	if !ok {
		return
	}

	n, err := s.store.MarkMessagesAsRead(r.Context(), sender, receiver)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to mark as read")
		return
	}
	if n > 0 {
		s.events.Publish(r.Context(), events.Event{
			Kind: events.MessageRead, Sender: sender, Receiver: receiver, Count: n,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "updated": n})
}

// React sets the emoji reaction of a message the current user takes part in.
func (s *Server) React(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r)
	id := r.URL.Query().Get("messageId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "messageId is required")
		return
	}

	msg, err := s.store.GetMessage(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get message")
		return
	}
	if msg.Sender != user.Username && msg.Receiver != user.Username {
		writeError(w, http.StatusForbidden, "Not a participant")
		return
	}

	msg, err = s.store.SetReaction(r.Context(), id, r.URL.Query().Get("emoji"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to react")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// pairForReceiver reads sender and receiver query parameters and requires the
// current user to be the receiver.
func (s *Server) pairForReceiver(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	sender, receiver := q.Get("sender"), q.Get("receiver")
	if sender == "" || receiver == "" {
		writeError(w, http.StatusBadRequest, "sender and receiver are required")
		return "", "", false
	}
	if middleware.CurrentUser(r).Username != receiver {
		writeError(w, http.StatusForbidden, "Only the receiver can do this")
		return "", "", false
	}
	return sender, receiver, true
}
