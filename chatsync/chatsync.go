// Package chatsync merges the remote conversation service, the realtime
// side-channel and the on-device cache into one live view per conversation.
//
// Collaborator failures are absorbed here: reads fall back to the last known
// state and writes report which leg failed without undoing local state.
package chatsync

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"buzzconnect/metrics"
	"buzzconnect/models"
)

var (
	ErrClosed       = errors.New("chatsync: conversation closed")
	ErrEmptyMessage = errors.New("chatsync: empty message")
)

// Session carries the logged-in identity explicitly.
type Session struct {
	Handle string
}

// Subscription is a live listener that stops on Close.
type Subscription = io.Closer

// ConversationService is the authoritative remote chat API.
type ConversationService interface {
	GetConversation(ctx context.Context, a, b string) ([]models.Message, error)
	GetConversations(ctx context.Context, user string) ([]string, error)
	SendMessage(ctx context.Context, msg models.Message) (models.SendResult, error)
	MarkRead(ctx context.Context, sender, receiver string) (int64, error)
	ListRequests(ctx context.Context, user string) ([]models.ChatRequest, error)
	AcceptRequest(ctx context.Context, sender, receiver string) error
	DeleteRequest(ctx context.Context, sender, receiver string) error
}

// SideChannel is the realtime mirror used for low-latency delivery and presence.
type SideChannel interface {
	Publish(ctx context.Context, msg models.Message) error
	Subscribe(a, b string, fn func(models.Message)) (Subscription, error)
	SetPresence(ctx context.Context, typist, peer string, typing bool) error
	ObservePresence(typist, viewer string, fn func(bool)) (Subscription, error)
	MarkReadMirror(ctx context.Context, sender, receiver string) error
}

// MessageStore is the durable on-device copy of messages.
type MessageStore interface {
	Upsert(ctx context.Context, msgs ...models.Message) error
	Conversation(ctx context.Context, a, b string) ([]models.Message, error)
	MarkRead(ctx context.Context, sender, receiver string) (int64, error)
	SetDelivery(ctx context.Context, id string, state models.DeliveryState) error
	Summary(ctx context.Context, viewer, peer string) (models.ConversationSummary, error)
}

type ProfileLookup interface {
	GetUser(ctx context.Context, handle string) (models.Profile, error)
}

type FollowGraph interface {
	GetFollowing(ctx context.Context, handle string) ([]string, error)
}

// Timer is a pending delayed call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

const (
	DefaultTypingIdle        = 3 * time.Second
	DefaultProfileFetchLimit = 8
)

type options struct {
	log        zerolog.Logger
	metrics    *metrics.Sync
	now        func() time.Time
	newID      func() string
	afterFunc  AfterFunc
	typingIdle time.Duration
	window     time.Duration
	fetchLimit int
}

// Option configures a Reconciler, TypingTracker or RequestGate.
type Option func(*options)

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

// WithMetrics records sync activity on m.
func WithMetrics(m *metrics.Sync) Option { return func(o *options) { o.metrics = m } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithIDGenerator replaces the UUID message id generator.
func WithIDGenerator(fn func() string) Option { return func(o *options) { o.newID = fn } }

// WithAfterFunc replaces the timer used for the typing idle window.
func WithAfterFunc(fn AfterFunc) Option { return func(o *options) { o.afterFunc = fn } }

// WithTypingIdle sets how long typing stays on after the last keystroke.
func WithTypingIdle(d time.Duration) Option { return func(o *options) { o.typingIdle = d } }

// WithDuplicateWindow collapses messages with different ids but the same
// sender, receiver and body when their timestamps are at most d apart.
// Zero disables it.
func WithDuplicateWindow(d time.Duration) Option { return func(o *options) { o.window = d } }

// WithProfileFetchLimit bounds concurrent profile lookups.
func WithProfileFetchLimit(n int) Option { return func(o *options) { o.fetchLimit = n } }

func newOptions(opts []Option) options {
	o := options{
		log:        zerolog.Nop(),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		afterFunc:  realAfterFunc,
		typingIdle: DefaultTypingIdle,
		fetchLimit: DefaultProfileFetchLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewSync(nil)
	}
	if o.typingIdle <= 0 {
		o.typingIdle = DefaultTypingIdle
	}
	if o.fetchLimit <= 0 {
		o.fetchLimit = DefaultProfileFetchLimit
	}
	return o
}
