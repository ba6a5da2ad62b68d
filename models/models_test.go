package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, PairKey("ana", "bob"), PairKey("bob", "ana"))
	assert.NotEqual(t, PairKey("ana", "bob"), PairKey("ana", "caio"))
}

func TestUnreadForNeverCountsOwnMessages(t *testing.T) {
	in := Message{Sender: "bob", Receiver: "ana"}
	out := Message{Sender: "ana", Receiver: "bob"}
	self := Message{Sender: "ana", Receiver: "ana"}

	assert.True(t, in.UnreadFor("ana"))
	assert.False(t, out.UnreadFor("ana"))
	assert.False(t, self.UnreadFor("ana"))

	in.IsRead = true
	assert.False(t, in.UnreadFor("ana"))
}

func TestMessageWireNames(t *testing.T) {
	msg := Message{
		ID:        "m1",
		Sender:    "ana",
		Receiver:  "bob",
		Body:      "hello",
		Timestamp: 1000,
		Emoji:     Emoji("👍"),
		Delivery:  DeliveryPending,
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "hello", fields["message"])
	assert.Equal(t, "👍", fields["emoji"])
	assert.Equal(t, false, fields["isRead"])
	assert.NotContains(t, fields, "Delivery")
}

func TestEmojiTrimsBlank(t *testing.T) {
	assert.Nil(t, Emoji("  "))
	assert.Equal(t, "", Message{}.EmojiValue())
}
