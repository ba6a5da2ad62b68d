package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"buzzconnect/models"
)

const messageColumns = "id, sender, receiver, body, timestamp, is_voice, emoji, is_read"

func scanMessage(row scanner) (models.Message, error) {
	var (
		msg     models.Message
		isVoice int
		isRead  int
		emoji   sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &msg.Timestamp, &isVoice, &emoji, &isRead); err != nil {
		return models.Message{}, err
	}
	msg.IsVoice = isVoice == 1
	msg.IsRead = isRead == 1
	if emoji.Valid {
		msg.Emoji = models.Emoji(emoji.String)
	}
	msg.Delivery = models.DeliverySent
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SendOutcome reports what the store did with a sent message.
type SendOutcome struct {
	Message        models.Message
	RequestPending bool // the receiver has an outstanding request from the sender
	RequestCreated bool // this send opened that request
	Duplicate      bool // a message with the same id was already stored
}

// Result converts the outcome to the wire shape answered to the sender.
func (o SendOutcome) Result() models.SendResult {
	status := models.SendStatusSent
	if o.RequestPending {
		status = models.SendStatusRequestPending
	}
	return models.SendResult{Status: status, Message: o.Message}
}

// SendMessage stores a message and applies the first-contact gate.
//
// A message is unsolicited when the receiver does not follow the sender, has
// never written to the sender and has not accepted a request from them. The
// message is stored either way; an unsolicited one opens a pending request
// unless one already exists. Re-sending an id returns the stored row.
func (s *Store) SendMessage(ctx context.Context, msg models.Message) (SendOutcome, error) {
	msg.Sender = strings.TrimSpace(msg.Sender)
	msg.Receiver = strings.TrimSpace(msg.Receiver)
	if msg.Sender == "" || msg.Receiver == "" {
		return SendOutcome{}, errors.New("sender and receiver are required")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return SendOutcome{}, errors.New("message body is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.nowMillis()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SendOutcome{}, fmt.Errorf("begin send transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var outcome SendOutcome
	existing, err := scanMessage(tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", msg.ID))
	switch {
	case err == nil:
		outcome.Message = existing
		outcome.Duplicate = true
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, sender, receiver, body, timestamp, is_voice, emoji, is_read)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.Timestamp, boolToInt(msg.IsVoice), nullString(msg.Emoji),
		)
		if err != nil {
			return SendOutcome{}, fmt.Errorf("insert message %q: %w", msg.ID, err)
		}
		msg.IsRead = false
		msg.Delivery = models.DeliverySent
		outcome.Message = msg
	default:
		return SendOutcome{}, fmt.Errorf("lookup message %q: %w", msg.ID, err)
	}

	sender, receiver := outcome.Message.Sender, outcome.Message.Receiver
	if sender != receiver && !outcome.Duplicate {
		open, err := conversationOpen(ctx, tx, sender, receiver)
		if err != nil {
			return SendOutcome{}, err
		}
		if !open {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO chat_requests (sender, receiver, status, timestamp) VALUES (?, ?, 'pending', ?)
				ON CONFLICT(sender, receiver) DO NOTHING`,
				sender, receiver, outcome.Message.Timestamp,
			)
			if err != nil {
				return SendOutcome{}, fmt.Errorf("create chat request: %w", err)
			}
			n, _ := res.RowsAffected()
			outcome.RequestCreated = n == 1
		}
	}

	if sender != receiver {
		var pending int
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM chat_requests WHERE sender = ? AND receiver = ? AND status = 'pending')",
			sender, receiver,
		).Scan(&pending); err != nil {
			return SendOutcome{}, fmt.Errorf("check chat request: %w", err)
		}
		outcome.RequestPending = pending == 1
	}

	if err := tx.Commit(); err != nil {
		return SendOutcome{}, fmt.Errorf("commit send: %w", err)
	}
	if outcome.RequestCreated {
		s.log.Debug().Str("sender", sender).Str("receiver", receiver).Msg("chat request opened")
	}
	return outcome, nil
}

// conversationOpen reports whether receiver has already let sender in.
func conversationOpen(ctx context.Context, tx *sql.Tx, sender, receiver string) (bool, error) {
	var open int
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM follows WHERE follower = ?1 AND followed = ?2)
		    OR EXISTS(SELECT 1 FROM messages WHERE sender = ?1 AND receiver = ?2)
		    OR EXISTS(SELECT 1 FROM chat_requests WHERE sender = ?2 AND receiver = ?1 AND status = 'accepted')`,
		receiver, sender,
	).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("check conversation gate: %w", err)
	}
	return open == 1, nil
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	return msg, err
}

// GetConversation returns every message between a and b, oldest first.
func (s *Store) GetConversation(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY timestamp ASC, seq ASC`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return collectMessages(rows)
}

// GetConversationPartners returns the handles user has a conversation with,
// most recent activity first. A sender whose messages user never let in
// (pending or ignored request) is not a partner.
func (s *Store) GetConversationPartners(ctx context.Context, user string) ([]string, error) {
	return s.handles(ctx, `
		SELECT p.partner FROM (
			SELECT CASE WHEN sender = ?1 THEN receiver ELSE sender END AS partner, MAX(timestamp) AS last
			FROM messages
			WHERE (sender = ?1 OR receiver = ?1) AND sender != receiver
			GROUP BY partner
		) p
		WHERE EXISTS(SELECT 1 FROM messages WHERE sender = ?1 AND receiver = p.partner)
		   OR EXISTS(SELECT 1 FROM follows WHERE follower = ?1 AND followed = p.partner)
		   OR EXISTS(SELECT 1 FROM chat_requests WHERE sender = p.partner AND receiver = ?1 AND status = 'accepted')
		ORDER BY p.last DESC, p.partner`,
		user,
	)
}

// UnreadCount counts unread messages from sender to receiver.
func (s *Store) UnreadCount(ctx context.Context, sender, receiver string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE sender = ? AND receiver = ? AND is_read = 0",
		sender, receiver,
	).Scan(&n)
	return n, err
}

// MarkMessagesAsRead marks all messages from sender to receiver as read and
// returns how many changed.
func (s *Store) MarkMessagesAsRead(ctx context.Context, sender, receiver string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET is_read = 1 WHERE sender = ? AND receiver = ? AND is_read = 0",
		sender, receiver,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// SetReaction sets or clears the emoji reaction of a message.
func (s *Store) SetReaction(ctx context.Context, id, emoji string) (models.Message, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET emoji = ? WHERE id = ?", nullString(models.Emoji(emoji)), id)
	if err != nil {
		return models.Message{}, fmt.Errorf("set reaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Message{}, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// Chat request queries

// ListPendingRequests returns the pending requests addressed to receiver in arrival order.
func (s *Store) ListPendingRequests(ctx context.Context, receiver string) ([]models.ChatRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, sender, receiver, timestamp FROM chat_requests WHERE receiver = ? AND status = 'pending' ORDER BY id",
		receiver,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat requests: %w", err)
	}
	defer rows.Close()

	var out []models.ChatRequest
	for rows.Next() {
		var req models.ChatRequest
		if err := rows.Scan(&req.ID, &req.Sender, &req.Receiver, &req.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// AcceptRequest accepts the pending request from sender to receiver.
func (s *Store) AcceptRequest(ctx context.Context, sender, receiver string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chat_requests SET status = 'accepted' WHERE sender = ? AND receiver = ? AND status = 'pending'",
		sender, receiver,
	)
	if err != nil {
		return fmt.Errorf("accept chat request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRequest removes the pending request from sender to receiver. Messages are kept.
func (s *Store) DeleteRequest(ctx context.Context, sender, receiver string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM chat_requests WHERE sender = ? AND receiver = ? AND status = 'pending'",
		sender, receiver,
	)
	if err != nil {
		return fmt.Errorf("delete chat request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
