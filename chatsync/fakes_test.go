package chatsync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"buzzconnect/cache"
	"buzzconnect/models"
)

var errOffline = errors.New("offline")

type fakeRemote struct {
	mu         sync.Mutex
	messages   []models.Message
	requests   []models.ChatRequest
	partners   map[string][]string
	historyErr error
	sendErr    error
	readErr    error
	listErr    error
	acceptErr  error
	sendStatus string
	sent       []models.Message
	readCalls  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{partners: make(map[string][]string)}
}

func (f *fakeRemote) GetConversation(_ context.Context, a, b string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	var out []models.Message
	for _, m := range f.messages {
		if m.Involves(a, b) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRemote) GetConversations(_ context.Context, user string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.partners[user]...), nil
}

func (f *fakeRemote) SendMessage(_ context.Context, msg models.Message) (models.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return models.SendResult{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	f.messages = append(f.messages, msg)
	status := f.sendStatus
	if status == "" {
		status = models.SendStatusSent
	}
	return models.SendResult{Status: status, Message: msg}, nil
}

func (f *fakeRemote) MarkRead(_ context.Context, sender, receiver string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	if f.readErr != nil {
		return 0, f.readErr
	}
	var n int64
	for i := range f.messages {
		if f.messages[i].Sender == sender && f.messages[i].Receiver == receiver && !f.messages[i].IsRead {
			f.messages[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func (f *fakeRemote) ListRequests(_ context.Context, user string) ([]models.ChatRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.ChatRequest
	for _, r := range f.requests {
		if r.Receiver == user {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemote) removeRequest(sender, receiver string) bool {
	for i, r := range f.requests {
		if r.Sender == sender && r.Receiver == receiver {
			f.requests = append(f.requests[:i], f.requests[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeRemote) AcceptRequest(_ context.Context, sender, receiver string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	if !f.removeRequest(sender, receiver) {
		return errors.New("not found")
	}
	f.partners[receiver] = append(f.partners[receiver], sender)
	return nil
}

func (f *fakeRemote) DeleteRequest(_ context.Context, sender, receiver string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.removeRequest(sender, receiver) {
		return errors.New("not found")
	}
	return nil
}

type presenceCall struct {
	typist, peer string
	typing       bool
}

type fakeSub struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSide struct {
	mu         sync.Mutex
	published  []models.Message
	presence   []presenceCall
	readMirror int
	publishErr error
	observeErr error
	listeners  map[string]func(models.Message)
	subs       []*fakeSub
	observers  map[string]func(bool)
}

func newFakeSide() *fakeSide {
	return &fakeSide{
		listeners: make(map[string]func(models.Message)),
		observers: make(map[string]func(bool)),
	}
}

func (f *fakeSide) Publish(_ context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeSide) Subscribe(a, b string, fn func(models.Message)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[models.PairKey(a, b)] = fn
	sub := &fakeSub{}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSide) SetPresence(_ context.Context, typist, peer string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, presenceCall{typist, peer, typing})
	return nil
}

func (f *fakeSide) ObservePresence(typist, viewer string, fn func(bool)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.observeErr != nil {
		return nil, f.observeErr
	}
	f.observers[models.PresenceKey(typist, viewer)] = fn
	sub := &fakeSub{}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSide) MarkReadMirror(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readMirror++
	return nil
}

// push delivers msg to the conversation listener as the realtime feed would.
func (f *fakeSide) push(msg models.Message) {
	f.mu.Lock()
	fn := f.listeners[msg.Conversation()]
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (f *fakeSide) setPeerTyping(typist, viewer string, typing bool) {
	f.mu.Lock()
	fn := f.observers[models.PresenceKey(typist, viewer)]
	f.mu.Unlock()
	if fn != nil {
		fn(typing)
	}
}

func (f *fakeSide) presenceCalls() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.presence...)
}

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) after(_ time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// fire runs the i-th timer callback even if it was stopped, as a timer that
// already started firing would.
func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	t := ft.timers[i]
	ft.mu.Unlock()
	t.f()
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCache(t *testing.T) *cache.Store {
	t.Helper()

	store, _, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "local-" + strconv.Itoa(n)
	}
}

type fakeProfiles struct {
	missing map[string]bool
}

func (f fakeProfiles) GetUser(_ context.Context, handle string) (models.Profile, error) {
	if f.missing[handle] {
		return models.Profile{}, errors.New("not found")
	}
	return models.Profile{Username: handle}, nil
}

type fakeFollows struct {
	following map[string][]string
	err       error
}

func (f fakeFollows) GetFollowing(_ context.Context, handle string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.following[handle], nil
}
