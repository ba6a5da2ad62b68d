package middleware

import (
	"context"
	"net/http"
	"strings"

	"buzzconnect/models"
)

type contextKey string

const UserContextKey contextKey = "user"

// SessionCookie is the name of the login cookie.
const SessionCookie = "session"

// SessionStore resolves session tokens to users.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// Auth checks for a valid session and adds the user to the request context.
// The token is read from the session cookie or an Authorization bearer header.
func Auth(store SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := SessionToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			session, err := store.GetSession(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid session")
				return
			}

			user, err := store.GetUserByID(r.Context(), session.UserID)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "User not found")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionToken extracts the session token from r, preferring the bearer header.
func SessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// CurrentUser retrieves the user from the request context
func CurrentUser(r *http.Request) *models.User {
	user, ok := r.Context().Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error": "` + msg + `"}`))
}
