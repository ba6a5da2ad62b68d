package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"buzzconnect/database"
	"buzzconnect/middleware"
	"buzzconnect/models"
)

type followRequest struct {
	Followed string `json:"followed"`
}

// GetUser returns the public profile of a handle.
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUserByUsername(r.Context(), mux.Vars(r)["username"])
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, user.ToProfile())
}

// SearchUsers searches for users by username
func (s *Server) SearchUsers(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r)
	query := r.URL.Query().Get("query")
	if len(query) < 1 {
		writeJSON(w, http.StatusOK, []models.Profile{})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	users, err := s.store.SearchUsers(r.Context(), query, user.Username, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Search failed")
		return
	}

	profiles := make([]models.Profile, 0, len(users))
	for i := range users {
		profiles = append(profiles, users[i].ToProfile())
	}
	writeJSON(w, http.StatusOK, profiles)
}

// Follow makes the current user follow another handle.
func (s *Server) Follow(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r)

	var req followRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Followed == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Followed == user.Username {
		writeError(w, http.StatusBadRequest, "Cannot follow yourself")
		return
	}
	if _, err := s.store.GetUserByUsername(r.Context(), req.Followed); err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	if err := s.store.Follow(r.Context(), user.Username, req.Followed); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to follow")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Unfollow removes a follow edge of the current user.
func (s *Server) Unfollow(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r)
	followed := r.URL.Query().Get("followed")
	if followed == "" {
		writeError(w, http.StatusBadRequest, "followed is required")
		return
	}
	if err := s.store.Unfollow(r.Context(), user.Username, followed); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to unfollow")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetFollowing lists the handles a user follows.
func (s *Server) GetFollowing(w http.ResponseWriter, r *http.Request) {
	following, err := s.store.GetFollowing(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get following")
		return
	}
	if following == nil {
		following = []string{}
	}
	writeJSON(w, http.StatusOK, following)
}

func (s *Server) FollowerCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.FollowerCount(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count followers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) FollowingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.FollowingCount(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count following")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) IsFollowing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ok, err := s.store.IsFollowing(r.Context(), vars["follower"], vars["followed"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check follow")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"following": ok})
}
