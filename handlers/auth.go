package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"buzzconnect/database"
	"buzzconnect/middleware"
	"buzzconnect/models"
)

type signupRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	FullName        string `json:"fullName"`
	Bio             string `json:"bio"`
	DOB             string `json:"dob"`
	ProfileImageURI string `json:"profileImageUri"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is answered by signup and login.
type AuthResponse struct {
	Success bool           `json:"success"`
	Token   string         `json:"token"`
	User    models.Profile `json:"user"`
}

// Signup handles user registration
func (s *Server) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 20 {
		writeError(w, http.StatusBadRequest, "Username must be 3-20 characters")
		return
	}
	if strings.ContainsAny(req.Username, " |>") {
		writeError(w, http.StatusBadRequest, "Username contains invalid characters")
		return
	}
	if len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	user, err := s.store.CreateUser(r.Context(), models.User{
		Username:        req.Username,
		Password:        string(hashedPassword),
		FullName:        strings.TrimSpace(req.FullName),
		Bio:             req.Bio,
		DOB:             req.DOB,
		ProfileImageURI: req.ProfileImageURI,
	})
	if errors.Is(err, database.ErrConflict) {
		writeError(w, http.StatusConflict, "Username already taken")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("username", req.Username).Msg("create user")
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	s.startSession(w, r, user, http.StatusCreated)
}

// Login handles user authentication
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	if err := s.store.TouchLastActive(r.Context(), user.ID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("touch last active")
	}
	s.startSession(w, r, user, http.StatusOK)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user *models.User, status int) {
	sessionID := generateSessionID()
	expiresAt := time.Now().Add(s.sessionTTL)
	if err := s.store.CreateSession(r.Context(), sessionID, user.ID, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, status, AuthResponse{Success: true, Token: sessionID, User: user.ToProfile()})
}

// Logout handles user logout
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.SessionToken(r); token != "" {
		if err := s.store.DeleteSession(r.Context(), token); err != nil {
			s.log.Warn().Err(err).Msg("delete session")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
	})

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me returns the current authenticated user
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.CurrentUser(r).ToProfile())
}

func generateSessionID() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
