package database

import (
	"context"
	"errors"
	"fmt"

	"buzzconnect/models"
)

// Mirror documents back the realtime side-channel. They are written by
// clients through the hub and are independent of the messages table.

// PutMirror stores a mirror document. New documents always start unread: the
// read flag only moves through MarkMirrorRead. An existing document keeps its
// read flag and only takes a non-empty emoji. An id already used by another
// pair returns ErrConflict and leaves that document untouched.
func (s *Store) PutMirror(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" || msg.Sender == "" || msg.Receiver == "" {
		return models.Message{}, errors.New("mirror document requires id, sender and receiver")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mirror (id, sender, receiver, body, timestamp, is_voice, emoji, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			emoji = COALESCE(excluded.emoji, mirror.emoji)
		WHERE mirror.sender = excluded.sender AND mirror.receiver = excluded.receiver`,
		msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.Timestamp,
		boolToInt(msg.IsVoice), nullString(msg.Emoji),
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("put mirror %q: %w", msg.ID, err)
	}
	doc, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM mirror WHERE id = ?", msg.ID))
	if err != nil {
		return models.Message{}, err
	}
	if doc.Sender != msg.Sender || doc.Receiver != msg.Receiver {
		return models.Message{}, fmt.Errorf("put mirror %q: %w", msg.ID, ErrConflict)
	}
	return doc, nil
}

// MirrorBetween returns the mirror documents between a and b, oldest first.
func (s *Store) MirrorBetween(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM mirror
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY timestamp ASC, seq ASC`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	return collectMessages(rows)
}

// MarkMirrorRead flags unread documents from sender to receiver as read and
// returns the documents that changed.
func (s *Store) MarkMirrorRead(ctx context.Context, sender, receiver string) ([]models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM mirror
		WHERE sender = ? AND receiver = ? AND is_read = 0
		ORDER BY timestamp ASC, seq ASC`,
		sender, receiver,
	)
	if err != nil {
		return nil, fmt.Errorf("read unread mirror: %w", err)
	}
	changed, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE mirror SET is_read = 1 WHERE sender = ? AND receiver = ? AND is_read = 0",
		sender, receiver,
	); err != nil {
		return nil, fmt.Errorf("mark mirror read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range changed {
		changed[i].IsRead = true
	}
	return changed, nil
}
