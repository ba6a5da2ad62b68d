package chatsync

import (
	"sort"
	"time"

	"buzzconnect/models"
)

// Merge unions incoming into existing and returns a new list ordered by
// timestamp. Messages with the same id become one entry; ties keep arrival
// order. Neither input is modified.
func Merge(existing, incoming []models.Message) []models.Message {
	merged, _ := merge(existing, incoming, 0)
	return merged
}

// MergeWithin is Merge that also collapses fingerprint duplicates within window.
func MergeWithin(existing, incoming []models.Message, window time.Duration) []models.Message {
	merged, _ := merge(existing, incoming, window)
	return merged
}

// merge returns the merged list and how many incoming messages were folded
// into an entry that was already present.
func merge(existing, incoming []models.Message, window time.Duration) ([]models.Message, int) {
	out := make([]models.Message, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(out)+len(incoming))
	for i, m := range out {
		index[m.ID] = i
	}

	collapsed := 0
	for _, in := range incoming {
		if i, ok := index[in.ID]; ok {
			out[i] = combine(out[i], in)
			collapsed++
			continue
		}
		if i := fingerprintMatch(out, in, window); i >= 0 {
			out[i] = combine(out[i], in)
			index[in.ID] = i
			collapsed++
			continue
		}
		index[in.ID] = len(out)
		out = append(out, in)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, collapsed
}

func fingerprintMatch(list []models.Message, in models.Message, window time.Duration) int {
	if window <= 0 {
		return -1
	}
	limit := window.Milliseconds()
	for i, m := range list {
		if m.ID == in.ID || m.Sender != in.Sender || m.Receiver != in.Receiver || m.Body != in.Body {
			continue
		}
		d := m.Timestamp - in.Timestamp
		if d < 0 {
			d = -d
		}
		if d <= limit {
			return i
		}
	}
	return -1
}

// combine folds a later copy of a message into the one already held. Identity,
// body and timestamp stay as first seen.
func combine(held, in models.Message) models.Message {
	held.IsRead = held.IsRead || in.IsRead
	if in.Emoji != nil {
		held.Emoji = in.Emoji
	}
	held.IsVoice = held.IsVoice || in.IsVoice
	held.Delivery = advance(held.Delivery, in.Delivery)
	return held
}

// advance moves delivery forward only: sent is final and failed only replaces pending.
func advance(held, in models.DeliveryState) models.DeliveryState {
	switch {
	case held == models.DeliverySent || in == "":
		return held
	case in == models.DeliverySent:
		return in
	case in == models.DeliveryFailed && (held == models.DeliveryPending || held == ""):
		return in
	case held == "":
		return in
	}
	return held
}
