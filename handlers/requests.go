package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"buzzconnect/database"
	"buzzconnect/events"
	"buzzconnect/middleware"
	"buzzconnect/models"
)

// ListRequests returns the pending chat requests addressed to the user.
func (s *Server) ListRequests(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if middleware.CurrentUser(r).Username != username {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	requests, err := s.store.ListPendingRequests(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get requests")
		return
	}
	if requests == nil {
		requests = []models.ChatRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

// AcceptRequest lets the sender into the receiver's conversations.
func (s *Server) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	sender, receiver, ok := s.pairForReceiver(w, r)
	if !ok {
		return
	}

	err := s.store.AcceptRequest(r.Context(), sender, receiver)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to accept request")
		return
	}

	s.events.Publish(r.Context(), events.Event{Kind: events.RequestAccepted, Sender: sender, Receiver: receiver})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteRequest ignores a request. Messages already sent are kept.
func (s *Server) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	sender, receiver, ok := s.pairForReceiver(w, r)
	if !ok {
		return
	}

	err := s.store.DeleteRequest(r.Context(), sender, receiver)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete request")
		return
	}

	s.events.Publish(r.Context(), events.Event{Kind: events.RequestIgnored, Sender: sender, Receiver: receiver})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
