package chatsync

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buzzconnect/cache"
	"buzzconnect/metrics"
	"buzzconnect/models"
)

type harness struct {
	remote  *fakeRemote
	side    *fakeSide
	store   *cache.Store
	clock   *fakeClock
	timers  *fakeTimers
	metrics *metrics.Sync
	rec     *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		remote:  newFakeRemote(),
		side:    newFakeSide(),
		store:   newCache(t),
		clock:   newFakeClock(),
		timers:  &fakeTimers{},
		metrics: metrics.NewSync(nil),
	}
	h.rec = NewReconciler(h.remote, h.side, h.store,
		WithClock(h.clock.Now),
		WithIDGenerator(sequentialIDs()),
		WithAfterFunc(h.timers.after),
		WithMetrics(h.metrics),
	)
	return h
}

func (h *harness) open(t *testing.T, me, peer string) *Conversation {
	t.Helper()

	conv, err := h.rec.Open(context.Background(), Session{Handle: me}, peer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conv.Close() })
	return conv
}

func TestOpenMergesCacheHistoryAndRealtime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Upsert(ctx, models.Message{ID: "m1", Sender: "bob", Receiver: "ana", Body: "cached", Timestamp: 100}))
	h.remote.messages = []models.Message{
		{ID: "m1", Sender: "bob", Receiver: "ana", Body: "cached", Timestamp: 100, IsRead: true},
		{ID: "m2", Sender: "ana", Receiver: "bob", Body: "reply", Timestamp: 200},
		{ID: "x", Sender: "bob", Receiver: "caio", Body: "elsewhere", Timestamp: 150},
	}

	conv := h.open(t, "ana", "bob")
	assert.Equal(t, []string{"m1", "m2"}, ids(conv.Messages()))
	assert.True(t, conv.Messages()[0].IsRead)

	h.side.push(models.Message{ID: "m3", Sender: "bob", Receiver: "ana", Body: "pushed", Timestamp: 150})
	h.side.push(models.Message{ID: "m2", Sender: "ana", Receiver: "bob", Body: "reply", Timestamp: 200})
	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(conv.Messages()))
	assert.Equal(t, 1, conv.UnreadCount())

	cached, err := h.store.Conversation(ctx, "ana", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(cached))

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.RealtimeEvents))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.DuplicatesDropped))
}

func TestLoadHistoryFailureKeepsLastState(t *testing.T) {
	h := newHarness(t)
	h.remote.messages = []models.Message{{ID: "m1", Sender: "bob", Receiver: "ana", Body: "hi", Timestamp: 1}}
	conv := h.open(t, "ana", "bob")

	h.remote.historyErr = errOffline
	got := conv.LoadHistory(context.Background())
	assert.Equal(t, []string{"m1"}, ids(got))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.HistoryFetches.WithLabelValues("error")))
}

func TestOpenWorksOffline(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Upsert(context.Background(), models.Message{ID: "m1", Sender: "bob", Receiver: "ana", Body: "hi", Timestamp: 1}))
	h.remote.historyErr = errOffline

	conv := h.open(t, "ana", "bob")
	assert.Equal(t, []string{"m1"}, ids(conv.Messages()))
}

func TestSendWritesBothLegs(t *testing.T) {
	h := newHarness(t)
	conv := h.open(t, "ana", "bob")

	receipt, err := conv.Send(context.Background(), Draft{Body: "hello", Emoji: "👋"})
	require.NoError(t, err)
	assert.True(t, receipt.Delivered())
	assert.NoError(t, receipt.Mirror)
	assert.False(t, receipt.RequestPending)

	assert.Equal(t, "local-1", receipt.Message.ID)
	assert.Equal(t, int64(1000), receipt.Message.Timestamp)
	assert.Equal(t, models.DeliverySent, receipt.Message.Delivery)
	assert.Equal(t, "👋", receipt.Message.EmojiValue())

	require.Len(t, h.remote.sent, 1)
	require.Len(t, h.side.published, 1)
	assert.Equal(t, h.remote.sent[0].ID, h.side.published[0].ID, "one id on both legs")

	// The realtime echo of our own send merges into the same entry.
	h.side.push(h.side.published[0])
	require.Len(t, conv.Messages(), 1)
	assert.Zero(t, conv.UnreadCount(), "own messages never count")
}

func TestSendRemoteFailureIsReported(t *testing.T) {
	h := newHarness(t)
	conv := h.open(t, "ana", "bob")
	h.remote.sendErr = errOffline

	receipt, err := conv.Send(context.Background(), Draft{Body: "hello"})
	require.NoError(t, err)
	assert.ErrorIs(t, receipt.Remote, errOffline)
	assert.False(t, receipt.Delivered())
	assert.Equal(t, models.DeliveryFailed, receipt.Message.Delivery)
	assert.Len(t, h.side.published, 1, "mirror write is independent")

	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DeliveryFailed, msgs[0].Delivery)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SendFailures.WithLabelValues("remote")))
}

func TestSendMirrorFailureIsReported(t *testing.T) {
	h := newHarness(t)
	conv := h.open(t, "ana", "bob")
	h.side.publishErr = errOffline

	receipt, err := conv.Send(context.Background(), Draft{Body: "hello"})
	require.NoError(t, err)
	assert.True(t, receipt.Delivered())
	assert.ErrorIs(t, receipt.Mirror, errOffline)
}

func TestSendReportsPendingRequest(t *testing.T) {
	h := newHarness(t)
	h.remote.sendStatus = models.SendStatusRequestPending
	conv := h.open(t, "ana", "caio")

	receipt, err := conv.Send(context.Background(), Draft{Body: "hi there"})
	require.NoError(t, err)
	assert.True(t, receipt.RequestPending)
}

func TestSendRejectsEmptyAndClosed(t *testing.T) {
	h := newHarness(t)
	conv := h.open(t, "ana", "bob")

	_, err := conv.Send(context.Background(), Draft{Body: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = conv.Send(context.Background(), Draft{IsVoice: true})
	assert.NoError(t, err, "voice notes carry no text")

	require.NoError(t, conv.Close())
	_, err = conv.Send(context.Background(), Draft{Body: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendStopsTyping(t *testing.T) {
	h := newHarness(t)
	conv := h.open(t, "ana", "bob")

	conv.Typing().Keystroke("hel")
	_, err := conv.Send(context.Background(), Draft{Body: "hello"})
	require.NoError(t, err)

	calls := h.side.presenceCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, presenceCall{"ana", "bob", false}, calls[1])
}

func TestMarkReadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.remote.messages = []models.Message{
		{ID: "m1", Sender: "bob", Receiver: "ana", Body: "one", Timestamp: 1},
		{ID: "m2", Sender: "bob", Receiver: "ana", Body: "two", Timestamp: 2},
		{ID: "m3", Sender: "ana", Receiver: "bob", Body: "mine", Timestamp: 3},
	}
	conv := h.open(t, "ana", "bob")
	require.Equal(t, 2, conv.UnreadCount())

	receipt, err := conv.MarkRead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Marked)
	assert.NoError(t, receipt.Remote)
	assert.Zero(t, conv.UnreadCount())

	receipt, err = conv.MarkRead(context.Background())
	require.NoError(t, err)
	assert.Zero(t, receipt.Marked)
	assert.Zero(t, conv.UnreadCount())

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MarkReads.WithLabelValues("noop")))
	for _, m := range h.remote.messages {
		assert.True(t, m.IsRead || m.Sender == "ana", "remote message %s", m.ID)
	}

	n, err := h.store.UnreadCount(context.Background(), "ana", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkReadRemoteFailureKeepsLocalState(t *testing.T) {
	h := newHarness(t)
	h.remote.messages = []models.Message{{ID: "m1", Sender: "bob", Receiver: "ana", Body: "one", Timestamp: 1}}
	conv := h.open(t, "ana", "bob")
	h.remote.readErr = errOffline

	receipt, err := conv.MarkRead(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, receipt.Remote, errOffline)
	assert.Zero(t, conv.UnreadCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MarkReads.WithLabelValues("error")))
}

func TestMarkReadRetriesRemoteAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.remote.messages = []models.Message{{ID: "m1", Sender: "bob", Receiver: "ana", Body: "one", Timestamp: 1}}
	conv := h.open(t, "ana", "bob")

	h.remote.readErr = errOffline
	receipt, err := conv.MarkRead(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, receipt.Remote, errOffline)
	assert.False(t, h.remote.messages[0].IsRead)

	h.remote.readErr = nil
	receipt, err = conv.MarkRead(context.Background())
	require.NoError(t, err)
	assert.NoError(t, receipt.Remote)
	assert.Zero(t, receipt.Marked)
	assert.True(t, h.remote.messages[0].IsRead)
	assert.Equal(t, 2, h.remote.readCalls)
}

func TestMarkReadAfterReopenReachesRemote(t *testing.T) {
	h := newHarness(t)
	h.remote.messages = []models.Message{{ID: "m1", Sender: "bob", Receiver: "ana", Body: "one", Timestamp: 1}}
	conv := h.open(t, "ana", "bob")

	h.remote.readErr = errOffline
	_, err := conv.MarkRead(context.Background())
	require.NoError(t, err)
	require.NoError(t, conv.Close())
	h.remote.readErr = nil

	reopened := h.open(t, "ana", "bob")
	require.Zero(t, reopened.UnreadCount(), "the cache remembers the local read")
	_, err = reopened.MarkRead(context.Background())
	require.NoError(t, err)
	assert.True(t, h.remote.messages[0].IsRead)
}

func TestMarkReadReachesRemoteWhenHistoryFailed(t *testing.T) {
	h := newHarness(t)
	h.remote.messages = []models.Message{{ID: "m1", Sender: "bob", Receiver: "ana", Body: "one", Timestamp: 1}}
	h.remote.historyErr = errOffline
	conv := h.open(t, "ana", "bob")
	require.Empty(t, conv.Messages())

	receipt, err := conv.MarkRead(context.Background())
	require.NoError(t, err)
	assert.Zero(t, receipt.Marked)
	assert.Equal(t, 1, h.remote.readCalls)
	assert.True(t, h.remote.messages[0].IsRead)
	assert.Equal(t, 1, h.side.readMirror)
}

func TestReadFlagNeverRevertsFromStalePush(t *testing.T) {
	h := newHarness(t)
	h.remote.messages = []models.Message{{ID: "m1", Sender: "bob", Receiver: "ana", Body: "one", Timestamp: 1}}
	conv := h.open(t, "ana", "bob")
	_, err := conv.MarkRead(context.Background())
	require.NoError(t, err)

	h.side.push(models.Message{ID: "m1", Sender: "bob", Receiver: "ana", Body: "one", Timestamp: 1})
	assert.Zero(t, conv.UnreadCount())
}

func TestUpdatesKeepsLatestSnapshot(t *testing.T) {
	h := newHarness(t)
	conv := h.open(t, "ana", "bob")

	h.side.push(models.Message{ID: "a", Sender: "bob", Receiver: "ana", Body: "a", Timestamp: 1})
	h.side.push(models.Message{ID: "b", Sender: "bob", Receiver: "ana", Body: "b", Timestamp: 2})

	select {
	case snapshot := <-conv.Updates():
		assert.Equal(t, []string{"a", "b"}, ids(snapshot))
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	select {
	case <-conv.Updates():
		t.Fatal("stale snapshot left behind")
	default:
	}
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	h := newHarness(t)
	conv := h.open(t, "ana", "bob")
	require.Len(t, h.side.subs, 2)

	require.NoError(t, conv.Close())
	for _, sub := range h.side.subs {
		assert.True(t, sub.isClosed())
	}

	h.side.push(models.Message{ID: "late", Sender: "bob", Receiver: "ana", Body: "late", Timestamp: 5})
	assert.Empty(t, conv.Messages())

	_, ok := <-conv.Updates()
	assert.False(t, ok)
	assert.NoError(t, conv.Close())
}

func TestInboxOrdersByActivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx,
		models.Message{ID: "b1", Sender: "bob", Receiver: "ana", Body: "x", Timestamp: 10},
		models.Message{ID: "c1", Sender: "caio", Receiver: "ana", Body: "y", Timestamp: 50},
		models.Message{ID: "c2", Sender: "caio", Receiver: "ana", Body: "z", Timestamp: 60},
	))

	inbox := h.rec.Inbox(ctx, Session{Handle: "ana"}, []string{"bob", "caio", "ana", "bob"})
	require.Len(t, inbox, 2)
	assert.Equal(t, "caio", inbox[0].Peer)
	assert.Equal(t, 2, inbox[0].UnreadCount)
	assert.Equal(t, "bob", inbox[1].Peer)
}

func TestOpenRequiresHandles(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.Open(context.Background(), Session{}, "bob")
	assert.Error(t, err)
}

func TestOpenLogsTypingWatchFailure(t *testing.T) {
	h := newHarness(t)
	h.side.observeErr = errOffline
	var logs bytes.Buffer
	rec := NewReconciler(h.remote, h.side, h.store, WithLogger(zerolog.New(&logs)), WithAfterFunc(h.timers.after))

	conv, err := rec.Open(context.Background(), Session{Handle: "ana"}, "bob")
	require.NoError(t, err)
	defer conv.Close()

	assert.Contains(t, logs.String(), "watch peer typing")
	assert.Contains(t, logs.String(), "offline")
	assert.ErrorIs(t, conv.Typing().Observe(nil), errOffline)
}
