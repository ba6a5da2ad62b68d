package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buzzconnect/database"
	"buzzconnect/handlers"
	"buzzconnect/models"
)

func newBackend(t *testing.T) string {
	t.Helper()

	store, err := database.Open(filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	srv := httptest.NewServer(handlers.NewServer(store).Router())
	t.Cleanup(func() {
		srv.Close()
		_ = store.Close()
	})
	return srv.URL
}

func TestAPIErrorMapping(t *testing.T) {
	err := error(&APIError{StatusCode: http.StatusNotFound, Message: "User not found"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "User not found")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestClientAgainstBackend(t *testing.T) {
	base := newBackend(t)
	ctx := context.Background()

	ana := New(base)
	_, err := ana.Signup(ctx, SignupRequest{Username: "ana", Password: "secret123"})
	require.NoError(t, err)
	assert.NotEmpty(t, ana.Token())

	bob := New(base)
	_, err = bob.Signup(ctx, SignupRequest{Username: "bob", Password: "secret123"})
	require.NoError(t, err)

	res, err := ana.SendMessage(ctx, models.Message{ID: "m1", Sender: "ana", Receiver: "bob", Body: "hi", Timestamp: 1})
	require.NoError(t, err)
	assert.True(t, res.RequestPending())

	requests, err := bob.ListRequests(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, requests, 1)

	require.NoError(t, bob.AcceptRequest(ctx, "ana", "bob"))
	assert.ErrorIs(t, bob.AcceptRequest(ctx, "ana", "bob"), ErrNotFound)

	partners, err := bob.GetConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"ana"}, partners)

	history, err := bob.GetConversation(ctx, "bob", "ana")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Body)

	n, err := bob.UnreadCount(ctx, "ana", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := bob.MarkRead(ctx, "ana", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	msg, err := bob.React(ctx, "m1", "❤️")
	require.NoError(t, err)
	assert.Equal(t, "❤️", msg.EmojiValue())

	require.NoError(t, ana.Follow(ctx, "bob"))
	following, err := ana.GetFollowing(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, following)

	profile, err := ana.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", profile.Username)

	_, err = ana.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientUnauthorized(t *testing.T) {
	base := newBackend(t)
	_, err := New(base).GetConversations(context.Background(), "ana")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = New(base).Login(context.Background(), "ana", "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClientTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	_, err := New(slow.URL, WithTimeout(50*time.Millisecond)).GetConversation(context.Background(), "a", "b")
	assert.Error(t, err)
}

func TestTimeoutLeavesSharedHTTPClientAlone(t *testing.T) {
	shared := &http.Client{Timeout: time.Minute}
	c := New("http://example.invalid", WithHTTPClient(shared), WithTimeout(time.Second))
	assert.Equal(t, time.Minute, shared.Timeout)
	assert.Equal(t, time.Second, c.http.Timeout)

	c = New("http://example.invalid", WithHTTPClient(nil), WithTimeout(time.Second))
	assert.Equal(t, time.Second, c.http.Timeout)
}
