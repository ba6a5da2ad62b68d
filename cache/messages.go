package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"buzzconnect/models"
)

const messageColumns = "id, sender, receiver, body, timestamp, is_voice, emoji, is_read, delivery"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		msg      models.Message
		isVoice  int
		isRead   int
		emoji    sql.NullString
		delivery string
	)
	if err := row.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &msg.Timestamp, &isVoice, &emoji, &isRead, &delivery); err != nil {
		return models.Message{}, err
	}
	msg.IsVoice = isVoice == 1
	msg.IsRead = isRead == 1
	if emoji.Valid {
		msg.Emoji = models.Emoji(emoji.String)
	}
	msg.Delivery = models.DeliveryState(delivery)
	return msg, nil
}

func validateDelivery(state models.DeliveryState) error {
	switch state {
	case models.DeliveryPending, models.DeliverySent, models.DeliveryFailed:
		return nil
	default:
		return fmt.Errorf("invalid delivery state %q", state)
	}
}

// Upsert inserts messages or merges them into cached rows with the same id.
// A read flag never goes back to unread, an emoji is only replaced by a
// non-empty one and delivery only moves forward.
func (s *Store) Upsert(ctx context.Context, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, sender, receiver, body, timestamp, is_voice, emoji, is_read, delivery)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_read  = MAX(messages.is_read, excluded.is_read),
			emoji    = COALESCE(excluded.emoji, messages.emoji),
			delivery = CASE
				WHEN messages.delivery = 'sent' OR excluded.delivery = 'sent' THEN 'sent'
				WHEN excluded.delivery = 'failed' THEN 'failed'
				ELSE messages.delivery
			END`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		if msg.ID == "" {
			return errors.New("message id is required")
		}
		if msg.Delivery == "" {
			msg.Delivery = models.DeliverySent
		}
		if err := validateDelivery(msg.Delivery); err != nil {
			return err
		}
		var emoji sql.NullString
		if msg.Emoji != nil {
			emoji = sql.NullString{String: *msg.Emoji, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.Timestamp,
			boolToInt(msg.IsVoice), emoji, boolToInt(msg.IsRead), string(msg.Delivery),
		); err != nil {
			return fmt.Errorf("upsert message %q: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Get returns one cached message.
func (s *Store) Get(ctx context.Context, id string) (models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("get message %q: %w", id, err)
	}
	return msg, nil
}

// Conversation returns the cached messages between a and b, oldest first.
// Equal timestamps keep the order the messages were first cached in.
func (s *Store) Conversation(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY timestamp ASC, seq ASC`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// UnreadCount counts messages from peer to viewer that viewer has not read.
func (s *Store) UnreadCount(ctx context.Context, viewer, peer string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE sender = ? AND receiver = ? AND sender != receiver AND is_read = 0",
		peer, viewer,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkRead flags unread messages from sender to receiver as read.
func (s *Store) MarkRead(ctx context.Context, sender, receiver string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET is_read = 1 WHERE sender = ? AND receiver = ? AND is_read = 0",
		sender, receiver,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// SetDelivery records the outcome of sending a message.
func (s *Store) SetDelivery(ctx context.Context, id string, state models.DeliveryState) error {
	if err := validateDelivery(state); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET delivery = ? WHERE id = ?", string(state), id)
	if err != nil {
		return fmt.Errorf("set delivery %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Summary returns the inbox row for the conversation between viewer and peer.
func (s *Store) Summary(ctx context.Context, viewer, peer string) (models.ConversationSummary, error) {
	summary := models.ConversationSummary{Peer: peer}

	unread, err := s.UnreadCount(ctx, viewer, peer)
	if err != nil {
		return summary, err
	}
	summary.UnreadCount = unread

	last, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY timestamp DESC, seq DESC LIMIT 1`,
		viewer, peer, peer, viewer,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return summary, fmt.Errorf("last message: %w", err)
	default:
		summary.LastMessage = &last
		summary.LastActivity = last.Timestamp
	}
	return summary, nil
}

// Partners lists everyone viewer has cached messages with, most recent first.
func (s *Store) Partners(ctx context.Context, viewer string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN sender = ?1 THEN receiver ELSE sender END AS partner
		FROM messages
		WHERE (sender = ?1 OR receiver = ?1) AND sender != receiver
		GROUP BY partner
		ORDER BY MAX(timestamp) DESC, partner`,
		viewer,
	)
	if err != nil {
		return nil, fmt.Errorf("query partners: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneBefore deletes messages older than cutoff (epoch millis).
func (s *Store) PruneBefore(ctx context.Context, cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
