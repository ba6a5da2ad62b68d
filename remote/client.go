package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"buzzconnect/models"
	"buzzconnect/telemetry"
)

var (
	ErrNotFound     = errors.New("remote: not found")
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// APIError is a non-2xx answer from the chat service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match ErrNotFound and ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// Client talks to the remote conversation service over REST.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     zerolog.Logger

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. It is copied, never modified.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithLogger(log zerolog.Logger) Option { return func(c *Client) { c.log = log } }

// New returns a client for the service at baseURL. Requests are traced and
// time out after ten seconds unless configured otherwise.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var hc http.Client
	if c.http != nil {
		hc = *c.http
	} else {
		hc = http.Client{Timeout: 10 * time.Second, Transport: telemetry.Transport(nil)}
	}
	if c.timeout > 0 {
		hc.Timeout = c.timeout
	}
	c.http = &hc
	return c
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); len(raw) > 0 {
			if json.Unmarshal(raw, &payload) == nil {
				apiErr.Message = payload.Error
			} else {
				apiErr.Message = strings.TrimSpace(string(raw))
			}
		}
		c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("remote call failed")
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// AuthResult is the answer to signup and login.
type AuthResult struct {
	Success bool           `json:"success"`
	Token   string         `json:"token"`
	User    models.Profile `json:"user"`
}

// SignupRequest carries a new account.
type SignupRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	FullName        string `json:"fullName,omitempty"`
	Bio             string `json:"bio,omitempty"`
	DOB             string `json:"dob,omitempty"`
	ProfileImageURI string `json:"profileImageUri,omitempty"`
}

// Login authenticates and keeps the session token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (AuthResult, error) {
	var out AuthResult
	err := c.do(ctx, http.MethodPost, "/users/login", nil,
		map[string]string{"username": username, "password": password}, &out)
	if err != nil {
		return AuthResult{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

// Signup creates an account and keeps its session token.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/users", nil, req, &out); err != nil {
		return AuthResult{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

// GetConversation returns the full history between a and b.
func (c *Client) GetConversation(ctx context.Context, a, b string) ([]models.Message, error) {
	var out []models.Message
	err := c.do(ctx, http.MethodGet, "/chat/conversation", url.Values{"user1": {a}, "user2": {b}}, nil, &out)
	return out, err
}

// GetConversations returns the handles username has a conversation with.
func (c *Client) GetConversations(ctx context.Context, username string) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/chat/conversations/"+url.PathEscape(username), nil, nil, &out)
	return out, err
}

// SendMessage stores msg in the service.
func (c *Client) SendMessage(ctx context.Context, msg models.Message) (models.SendResult, error) {
	var out models.SendResult
	err := c.do(ctx, http.MethodPost, "/chat/send", nil, msg, &out)
	return out, err
}

// MarkRead marks every message from sender to receiver read in one call.
func (c *Client) MarkRead(ctx context.Context, sender, receiver string) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/chat/mark-read", url.Values{"sender": {sender}, "receiver": {receiver}}, nil, &out)
	return out.Updated, err
}

// UnreadCount asks the service how many messages from sender receiver has not read.
func (c *Client) UnreadCount(ctx context.Context, sender, receiver string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/chat/unread", url.Values{"sender": {sender}, "receiver": {receiver}}, nil, &out)
	return out.Count, err
}

// React sets the emoji reaction on a message.
func (c *Client) React(ctx context.Context, messageID, emoji string) (models.Message, error) {
	var out models.Message
	err := c.do(ctx, http.MethodPost, "/chat/react", url.Values{"messageId": {messageID}, "emoji": {emoji}}, nil, &out)
	return out, err
}

// ListRequests returns the pending chat requests addressed to username.
func (c *Client) ListRequests(ctx context.Context, username string) ([]models.ChatRequest, error) {
	var out []models.ChatRequest
	err := c.do(ctx, http.MethodGet, "/chat/requests/"+url.PathEscape(username), nil, nil, &out)
	return out, err
}

func (c *Client) AcceptRequest(ctx context.Context, sender, receiver string) error {
	return c.do(ctx, http.MethodPost, "/chat/requests/accept", url.Values{"sender": {sender}, "receiver": {receiver}}, nil, nil)
}

func (c *Client) DeleteRequest(ctx context.Context, sender, receiver string) error {
	return c.do(ctx, http.MethodDelete, "/chat/requests", url.Values{"sender": {sender}, "receiver": {receiver}}, nil, nil)
}

// GetUser fetches a public profile.
func (c *Client) GetUser(ctx context.Context, username string) (models.Profile, error) {
	var out models.Profile
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(username), nil, nil, &out)
	return out, err
}

// GetFollowing lists the handles username follows.
func (c *Client) GetFollowing(ctx context.Context, username string) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/follows/following/"+url.PathEscape(username), nil, nil, &out)
	return out, err
}

// Follow makes the logged-in user follow followed.
func (c *Client) Follow(ctx context.Context, followed string) error {
	return c.do(ctx, http.MethodPost, "/follows", nil, map[string]string{"followed": followed}, nil)
}
