package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"buzzconnect/models"
)

// Reconciler opens live conversation views for a session.
type Reconciler struct {
	remote ConversationService
	side   SideChannel
	store  MessageStore
	opts   options
	raw    []Option
}

func NewReconciler(remote ConversationService, side SideChannel, store MessageStore, opts ...Option) *Reconciler {
	return &Reconciler{
		remote: remote,
		side:   side,
		store:  store,
		opts:   newOptions(opts),
		raw:    opts,
	}
}

// Draft is a message about to be sent.
type Draft struct {
	Body    string
	Emoji   string
	IsVoice bool
}

// SendReceipt reports a send. The message is in the local view whatever the
// outcome; Remote and Mirror carry the failure of each independent write.
type SendReceipt struct {
	Message        models.Message
	Remote         error
	Mirror         error
	RequestPending bool
}

// Delivered reports whether the authoritative write succeeded.
func (r SendReceipt) Delivered() bool { return r.Remote == nil }

// ReadReceipt reports a mark-read. Marked counts the messages flipped locally.
type ReadReceipt struct {
	Marked int
	Remote error
	Mirror error
}

// Conversation is the merged, live view of one conversation. It is safe for
// concurrent use and must be closed to release its subscriptions.
type Conversation struct {
	r      *Reconciler
	me     string
	peer   string
	typing *TypingTracker

	mu      sync.Mutex
	msgs    []models.Message
	sub     Subscription
	updates chan []models.Message
	closed  bool
}

// Open builds the view between sess and peer: the cached copy first, then
// remote history, then the realtime feed. Collaborator failures are logged and
// leave the view with whatever loaded.
func (r *Reconciler) Open(ctx context.Context, sess Session, peer string) (*Conversation, error) {
	if sess.Handle == "" || peer == "" {
		return nil, fmt.Errorf("open conversation: missing handle")
	}

	c := &Conversation{
		r:       r,
		me:      sess.Handle,
		peer:    peer,
		typing:  NewTypingTracker(r.side, sess, peer, r.raw...),
		updates: make(chan []models.Message, 1),
	}

	cached, err := r.store.Conversation(ctx, c.me, peer)
	if err != nil {
		r.opts.log.Warn().Err(err).Str("peer", peer).Msg("read cached conversation")
	} else {
		c.apply(cached)
	}

	c.LoadHistory(ctx)

	sub, err := r.side.Subscribe(c.me, peer, c.onRealtime)
	if err != nil {
		r.opts.log.Warn().Err(err).Str("peer", peer).Msg("subscribe to conversation")
	} else {
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
	if err := c.typing.Observe(nil); err != nil {
		r.opts.log.Warn().Err(err).Str("peer", peer).Msg("watch peer typing")
	}

	return c, nil
}

// Peer returns the other participant's handle.
func (c *Conversation) Peer() string { return c.peer }

// apply merges msgs into the view and publishes the result.
func (c *Conversation) apply(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	var collapsed int
	c.msgs, collapsed = merge(c.msgs, msgs, c.r.opts.window)
	if collapsed > 0 {
		c.r.opts.metrics.DuplicatesDropped.Add(float64(collapsed))
	}
	c.notifyLocked()
}

func (c *Conversation) message(id string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

// notifyLocked offers the current list on Updates, replacing a snapshot the
// reader has not taken yet.
func (c *Conversation) notifyLocked() {
	snapshot := make([]models.Message, len(c.msgs))
	copy(snapshot, c.msgs)
	select {
	case c.updates <- snapshot:
		return
	default:
	}
	select {
	case <-c.updates:
	default:
	}
	c.updates <- snapshot
}

func (c *Conversation) persist(ctx context.Context, msgs ...models.Message) {
	if err := c.r.store.Upsert(ctx, msgs...); err != nil {
		c.r.opts.log.Warn().Err(err).Str("peer", c.peer).Int("count", len(msgs)).Msg("cache messages")
		c.r.opts.metrics.SendFailures.WithLabelValues("cache").Inc()
	}
}

// LoadHistory merges the remote history into the view and returns it. On
// failure the last known list is returned unchanged.
func (c *Conversation) LoadHistory(ctx context.Context) []models.Message {
	history, err := c.r.remote.GetConversation(ctx, c.me, c.peer)
	if err != nil {
		c.r.opts.log.Warn().Err(err).Str("peer", c.peer).Msg("load history")
		c.r.opts.metrics.HistoryFetches.WithLabelValues("error").Inc()
		return c.Messages()
	}
	c.r.opts.metrics.HistoryFetches.WithLabelValues("ok").Inc()

	confirmed := make([]models.Message, 0, len(history))
	for _, m := range history {
		if !m.Involves(c.me, c.peer) {
			continue
		}
		m.Delivery = models.DeliverySent
		confirmed = append(confirmed, m)
	}
	if len(confirmed) > 0 {
		c.persist(ctx, confirmed...)
		c.apply(confirmed)
	}
	return c.Messages()
}

func (c *Conversation) onRealtime(msg models.Message) {
	if !msg.Involves(c.me, c.peer) {
		return
	}
	c.r.opts.metrics.RealtimeEvents.Inc()
	msg.Delivery = models.DeliverySent
	c.persist(context.Background(), msg)
	c.apply([]models.Message{msg})
}

// Send writes a new message to the remote service and to the side-channel.
// The two writes are independent and best effort: the message shows up
// locally as pending before either runs and failures are reported in the
// receipt, never rolled back.
func (c *Conversation) Send(ctx context.Context, d Draft) (SendReceipt, error) {
	if strings.TrimSpace(d.Body) == "" && !d.IsVoice {
		return SendReceipt{}, ErrEmptyMessage
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return SendReceipt{}, ErrClosed
	}

	msg := models.Message{
		ID:        c.r.opts.newID(),
		Sender:    c.me,
		Receiver:  c.peer,
		Body:      d.Body,
		Timestamp: c.r.opts.now().UnixMilli(),
		IsVoice:   d.IsVoice,
		Emoji:     models.Emoji(d.Emoji),
		Delivery:  models.DeliveryPending,
	}
	c.persist(ctx, msg)
	c.apply([]models.Message{msg})
	c.typing.Stop()

	receipt := SendReceipt{Message: msg}
	log := c.r.opts.log.With().Str("id", msg.ID).Str("peer", c.peer).Logger()

	res, err := c.r.remote.SendMessage(ctx, msg)
	if err != nil {
		receipt.Remote = err
		log.Warn().Err(err).Msg("send to remote")
		c.r.opts.metrics.SendFailures.WithLabelValues("remote").Inc()
	} else {
		receipt.RequestPending = res.RequestPending()
	}

	if err := c.r.side.Publish(ctx, msg); err != nil {
		receipt.Mirror = err
		log.Warn().Err(err).Msg("publish to side-channel")
		c.r.opts.metrics.SendFailures.WithLabelValues("mirror").Inc()
	}

	state := models.DeliverySent
	if receipt.Remote != nil {
		state = models.DeliveryFailed
	}
	if err := c.r.store.SetDelivery(ctx, msg.ID, state); err != nil {
		log.Warn().Err(err).Msg("cache delivery state")
	}
	update := msg
	update.Delivery = state
	c.apply([]models.Message{update})
	if m, ok := c.message(msg.ID); ok {
		receipt.Message = m
	} else {
		receipt.Message = update
	}
	return receipt, nil
}

// MarkRead marks every unread message from the peer as read locally, in the
// cache, in the remote service and in the side-channel mirror. The remote and
// mirror calls are made even when the view has nothing unread, so a read the
// service never confirmed is sent again. Calling it on a read conversation
// changes nothing.
func (c *Conversation) MarkRead(ctx context.Context) (ReadReceipt, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ReadReceipt{}, ErrClosed
	}
	marked := 0
	for i := range c.msgs {
		if c.msgs[i].UnreadFor(c.me) {
			c.msgs[i].IsRead = true
			marked++
		}
	}
	if marked > 0 {
		c.notifyLocked()
	}
	c.mu.Unlock()

	receipt := ReadReceipt{Marked: marked}
	if _, err := c.r.store.MarkRead(ctx, c.peer, c.me); err != nil {
		c.r.opts.log.Warn().Err(err).Str("peer", c.peer).Msg("cache read flags")
	}
	confirmed, err := c.r.remote.MarkRead(ctx, c.peer, c.me)
	if err != nil {
		receipt.Remote = err
		c.r.opts.log.Warn().Err(err).Str("peer", c.peer).Msg("mark read remotely")
	}
	if err := c.r.side.MarkReadMirror(ctx, c.peer, c.me); err != nil {
		receipt.Mirror = err
		c.r.opts.log.Warn().Err(err).Str("peer", c.peer).Msg("mark read in side-channel")
	}

	outcome := "ok"
	switch {
	case receipt.Remote != nil || receipt.Mirror != nil:
		outcome = "error"
	case marked == 0 && confirmed == 0:
		outcome = "noop"
	}
	c.r.opts.metrics.MarkReads.WithLabelValues(outcome).Inc()
	return receipt, nil
}

// Messages returns a copy of the current ordered list.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// UnreadCount counts the peer's messages the local user has not read.
func (c *Conversation) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.UnreadFor(c.me) {
			n++
		}
	}
	return n
}

// Updates delivers the list after every change. Only the newest snapshot is
// kept for a slow reader. The channel is closed by Close.
func (c *Conversation) Updates() <-chan []models.Message { return c.updates }

// Typing returns the tracker bound to this conversation.
func (c *Conversation) Typing() *TypingTracker { return c.typing }

// Close releases the realtime subscription and the typing tracker.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	close(c.updates)
	c.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	if terr := c.typing.Close(); err == nil {
		err = terr
	}
	return err
}

// Inbox returns a summary per peer from the cache, most recent activity first.
// Peers whose summary cannot be read are left out.
func (r *Reconciler) Inbox(ctx context.Context, sess Session, peers []string) []models.ConversationSummary {
	out := make([]models.ConversationSummary, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		if peer == sess.Handle {
			continue
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}

		summary, err := r.store.Summary(ctx, sess.Handle, peer)
		if err != nil {
			r.opts.log.Warn().Err(err).Str("peer", peer).Msg("read conversation summary")
			continue
		}
		out = append(out, summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity > out[j].LastActivity
	})
	return out
}
