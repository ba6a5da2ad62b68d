package chatsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TypingTracker publishes the local user's typing flag towards one peer and
// follows the peer's flag towards the local user. Presence is keyed by the
// ordered pair, so typing to one peer never shows in another conversation.
type TypingTracker struct {
	side SideChannel
	me   string
	peer string
	opts options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	typing      bool
	lastPublish time.Time
	timer       Timer
	gen         uint64
	pubSeq      uint64
	peerTyping  bool
	observers   []func(bool)
	sub         Subscription
	closed      bool

	// sendMu orders writes to the side-channel, which happen outside mu.
	sendMu  sync.Mutex
	sentSeq uint64
}

// presenceUpdate is a typing flag staged under mu and written after it is released.
type presenceUpdate struct {
	seq    uint64
	typing bool
}

// NewTypingTracker binds a tracker to the conversation between sess and peer.
func NewTypingTracker(side SideChannel, sess Session, peer string, opts ...Option) *TypingTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &TypingTracker{
		side:   side,
		me:     sess.Handle,
		peer:   peer,
		opts:   newOptions(opts),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Keystroke reports the current input text. Non-blank text keeps typing on
// for the idle window; clearing the input stops it immediately.
func (t *TypingTracker) Keystroke(text string) {
	t.SetTyping(strings.TrimSpace(text) != "")
}

// SetTyping sets the local typing flag. true (re)arms the idle timer, so the
// flag drops back to false once no further call arrives within the window.
func (t *TypingTracker) SetTyping(typing bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++

	var u *presenceUpdate
	switch {
	case !typing:
		if t.typing {
			u = t.stageLocked(false)
		}
	default:
		// Republish while typing so the presence entry outlives its TTL.
		if !t.typing || t.opts.now().Sub(t.lastPublish) >= t.opts.typingIdle {
			u = t.stageLocked(true)
		}
		gen := t.gen
		t.timer = t.opts.afterFunc(t.opts.typingIdle, func() { t.expire(gen) })
	}
	t.mu.Unlock()

	t.send(u)
}

// Stop clears the local typing flag, e.g. after sending.
func (t *TypingTracker) Stop() { t.SetTyping(false) }

func (t *TypingTracker) expire(gen uint64) {
	t.mu.Lock()
	// A keystroke after this timer was armed owns the flag now.
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	var u *presenceUpdate
	if t.typing {
		u = t.stageLocked(false)
	}
	t.mu.Unlock()

	t.send(u)
}

func (t *TypingTracker) stageLocked(typing bool) *presenceUpdate {
	t.typing = typing
	t.lastPublish = t.opts.now()
	t.pubSeq++
	t.opts.metrics.TypingPublishes.WithLabelValues(strconv.FormatBool(typing)).Inc()
	return &presenceUpdate{seq: t.pubSeq, typing: typing}
}

// send writes u unless a newer update already went out.
func (t *TypingTracker) send(u *presenceUpdate) {
	if u == nil {
		return
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if u.seq <= t.sentSeq {
		return
	}
	t.sentSeq = u.seq
	if err := t.side.SetPresence(t.ctx, t.me, t.peer, u.typing); err != nil {
		t.opts.log.Warn().Err(err).Str("peer", t.peer).Bool("typing", u.typing).Msg("publish typing")
	}
}

// Local reports the local user's published typing flag.
func (t *TypingTracker) Local() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Observe registers fn for changes of the peer's typing flag. The first call
// starts watching the side-channel. fn runs with the current value right away.
func (t *TypingTracker) Observe(fn func(bool)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if fn != nil {
		t.observers = append(t.observers, fn)
	}
	current := t.peerTyping
	start := t.sub == nil
	t.mu.Unlock()

	if fn != nil {
		fn(current)
	}
	if !start {
		return nil
	}
	return t.watch()
}

func (t *TypingTracker) watch() error {
	sub, err := t.side.ObservePresence(t.peer, t.me, t.onPeer)
	if err != nil {
		return fmt.Errorf("observe typing of %s: %w", t.peer, err)
	}

	t.mu.Lock()
	if t.closed || t.sub != nil {
		t.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	t.sub = sub
	t.mu.Unlock()
	return nil
}

func (t *TypingTracker) onPeer(typing bool) {
	t.mu.Lock()
	if t.closed || t.peerTyping == typing {
		t.mu.Unlock()
		return
	}
	t.peerTyping = typing
	observers := append([]func(bool){}, t.observers...)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(typing)
	}
}

// Typing reports whether the peer is typing to the local user.
func (t *TypingTracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerTyping
}

// Close cancels the idle timer, clears a published typing flag and stops
// watching the peer.
func (t *TypingTracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	var u *presenceUpdate
	if t.typing {
		u = t.stageLocked(false)
	}
	t.closed = true
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	t.send(u)
	t.cancel()
	if sub != nil {
		return sub.Close()
	}
	return nil
}
