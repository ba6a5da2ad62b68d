package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buzzconnect/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func msg(id, sender, receiver string, ts int64) models.Message {
	return models.Message{ID: id, Sender: sender, Receiver: receiver, Body: id, Timestamp: ts}
}

func TestUpsertMergesByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := msg("m1", "ana", "bob", 10)
	pending.Delivery = models.DeliveryPending
	require.NoError(t, store.Upsert(ctx, pending))

	read := msg("m1", "ana", "bob", 10)
	read.IsRead = true
	read.Emoji = models.Emoji("👍")
	require.NoError(t, store.Upsert(ctx, read))

	stale := msg("m1", "ana", "bob", 10)
	stale.Delivery = models.DeliveryPending
	require.NoError(t, store.Upsert(ctx, stale))

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.IsRead, "read never reverts")
	assert.Equal(t, "👍", got.EmojiValue(), "missing emoji keeps the cached one")
	assert.Equal(t, models.DeliverySent, got.Delivery)

	msgs, err := store.Conversation(ctx, "bob", "ana")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConversationOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx,
		msg("c", "ana", "bob", 30),
		msg("a2", "bob", "ana", 10),
		msg("a1", "ana", "bob", 10),
		msg("other", "ana", "caio", 5),
	))

	msgs, err := store.Conversation(ctx, "ana", "bob")
	require.NoError(t, err)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a2", "a1", "c"}, ids)
}

func TestUnreadAndMarkRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx,
		msg("in1", "bob", "ana", 1),
		msg("in2", "bob", "ana", 2),
		msg("out", "ana", "bob", 3),
		msg("self", "ana", "ana", 4),
	))

	n, err := store.UnreadCount(ctx, "ana", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	changed, err := store.MarkRead(ctx, "bob", "ana")
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	changed, err = store.MarkRead(ctx, "bob", "ana")
	require.NoError(t, err)
	assert.Zero(t, changed)

	n, err = store.UnreadCount(ctx, "ana", "ana")
	require.NoError(t, err)
	assert.Zero(t, n, "own messages never count")
}

func TestSetDelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pending := msg("m1", "ana", "bob", 1)
	pending.Delivery = models.DeliveryPending
	require.NoError(t, store.Upsert(ctx, pending))

	require.NoError(t, store.SetDelivery(ctx, "m1", models.DeliveryFailed))
	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, got.Delivery)

	assert.ErrorIs(t, store.SetDelivery(ctx, "nope", models.DeliverySent), ErrNotFound)
	assert.Error(t, store.SetDelivery(ctx, "m1", "lost"))
}

func TestSummaryAndPartners(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx,
		msg("b1", "bob", "ana", 1),
		msg("c1", "caio", "ana", 5),
		msg("b2", "ana", "bob", 9),
	))

	partners, err := store.Partners(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "caio"}, partners)

	summary, err := store.Summary(ctx, "ana", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnreadCount)
	assert.Equal(t, int64(9), summary.LastActivity)
	require.NotNil(t, summary.LastMessage)
	assert.Equal(t, "b2", summary.LastMessage.ID)

	empty, err := store.Summary(ctx, "ana", "dani")
	require.NoError(t, err)
	assert.Nil(t, empty.LastMessage)
}

func TestPruneBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, msg("old", "ana", "bob", 1), msg("new", "ana", "bob", 100)))

	n, err := store.PruneBefore(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.PruneBefore(ctx, 0)
	assert.Error(t, err)
}

func TestReopenKeepsMessages(t *testing.T) {
	dir := t.TempDir()
	store, _, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), msg("m1", "ana", "bob", 1)))
	require.NoError(t, store.Close())

	store, _, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "ana", got.Sender)
}
