package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultPageLimit is used when a MessageQuery has no limit.
	DefaultPageLimit = 50
	// MaxPageLimit caps a single page.
	MaxPageLimit = 200
)

const messageColumns = `m.conversation_id,
	m.id,
	m.sender_id,
	COALESCE(u.display_name, ''),
	COALESCE(u.avatar_url, ''),
	m.content,
	m.content_format,
	m.created_at,
	m.edited_at,
	m.is_deleted`

// AppendMessage allocates the next message id of the conversation and writes the
// message, the conversation snapshot and the unread counters of the other
// participants in one transaction.
//
// When ClientKey was already used by the same sender in the conversation the
// original message is returned with duplicate set and nothing is written.
func (s *Store) AppendMessage(ctx context.Context, in NewMessage) (msg *Message, duplicate bool, err error) {
	if in.ConversationID <= 0 {
		return nil, false, errors.New("conversation id must be > 0")
	}
	if err := normalizeNewMessage(&in); err != nil {
		return nil, false, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireParticipant(ctx, tx, in.ConversationID, in.SenderID); err != nil {
			return err
		}
		msg, duplicate, err = appendMessageTx(ctx, tx, in, s.nowMilli())
		return err
	})
	if err != nil {
		return nil, false, err
	}

	return msg, duplicate, nil
}

// normalizeNewMessage validates everything but the conversation id, which a
// conversation create only learns inside its transaction.
func normalizeNewMessage(in *NewMessage) error {
	if in.SenderID <= 0 {
		return errors.New("sender id must be > 0")
	}
	if in.Content == "" {
		return errors.New("content is required")
	}
	if in.ContentFormat == "" {
		in.ContentFormat = ContentFormatPlain
	}
	if err := validateContentFormat(in.ContentFormat); err != nil {
		return err
	}
	in.ClientKey = strings.TrimSpace(in.ClientKey)
	return nil
}

// appendMessageTx writes a message the caller already knows the sender may post.
func appendMessageTx(ctx context.Context, tx *sql.Tx, in NewMessage, now int64) (msg *Message, duplicate bool, err error) {
	if in.ClientKey != "" {
		existingID, found, err := lookupMessageKey(ctx, tx, in.ConversationID, in.SenderID, in.ClientKey)
		if err != nil {
			return nil, false, err
		}
		if found {
			msg, err = getMessage(ctx, tx, in.ConversationID, existingID)
			if err != nil {
				return nil, false, err
			}
			return msg, true, nil
		}
	}

	var id, createdAt int64
	if err := tx.QueryRowContext(
		ctx,
		`UPDATE conversations
		SET last_message_id = last_message_id + 1,
			last_message_sender_id = ?,
			last_message_sender_name = COALESCE((SELECT display_name FROM users WHERE id = ?), ''),
			last_message_preview = ?,
			last_message_created_at = MAX(?, COALESCE(last_message_created_at, 0)),
			last_message_deleted = 0,
			updated_at = MAX(updated_at, ?)
		WHERE id = ?
		RETURNING last_message_id, last_message_created_at`,
		in.SenderID,
		in.SenderID,
		in.Preview,
		now,
		now,
		in.ConversationID,
	).Scan(&id, &createdAt); err != nil {
		return nil, false, fmt.Errorf("allocate message id in conversation %d: %w", in.ConversationID, err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO messages (conversation_id, id, sender_id, content, content_format, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.ConversationID,
		id,
		in.SenderID,
		in.Content,
		in.ContentFormat,
		createdAt,
	); err != nil {
		return nil, false, fmt.Errorf("insert message %d into conversation %d: %w", id, in.ConversationID, err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE participants
		SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id != ?`,
		in.ConversationID,
		in.SenderID,
	); err != nil {
		return nil, false, fmt.Errorf("increment unread counters in conversation %d: %w", in.ConversationID, err)
	}

	if in.ClientKey != "" {
		if err := insertMessageKey(ctx, tx, in.ConversationID, in.SenderID, in.ClientKey, id, now); err != nil {
			return nil, false, err
		}
	}

	msg, err = getMessage(ctx, tx, in.ConversationID, id)
	if err != nil {
		return nil, false, err
	}
	return msg, false, nil
}

// GetMessages returns one page of a conversation ordered oldest first.
//
// Before pages walk backwards and HasMore reports older messages; After pages
// walk forwards and HasMore reports newer ones. Without a cursor the newest page
// is returned. The cursor id itself is never included.
func (s *Store) GetMessages(ctx context.Context, conversationID int64, q MessageQuery) (*MessagePage, error) {
	if conversationID <= 0 {
		return nil, errors.New("conversation id must be > 0")
	}
	if q.Before != nil && q.After != nil {
		return nil, errors.New("before and after are mutually exclusive")
	}
	if (q.Before != nil && *q.Before < 0) || (q.After != nil && *q.After < 0) {
		return nil, errors.New("cursor must be >= 0")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	query := strings.Builder{}
	query.WriteString(`SELECT ` + messageColumns + `
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?`)
	args := []any{conversationID}

	ascending := false
	switch {
	case q.Before != nil:
		query.WriteString(" AND m.id < ?")
		args = append(args, *q.Before)
	case q.After != nil:
		query.WriteString(" AND m.id > ?")
		args = append(args, *q.After)
		ascending = true
	}
	if ascending {
		query.WriteString(" ORDER BY m.id ASC")
	} else {
		query.WriteString(" ORDER BY m.id DESC")
	}
	query.WriteString(" LIMIT ?")
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %d: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	page := &MessagePage{}
	if len(messages) > limit {
		page.HasMore = true
		messages = messages[:limit]
	}
	if !ascending {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	page.Messages = messages

	return page, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID int64) (*Message, error) {
	return getMessage(ctx, s.db, conversationID, messageID)
}

// EditMessage replaces the content of a message. Only its sender may edit it and
// deleted messages stay deleted. The conversation snapshot follows when the
// edited message is the newest one.
func (s *Store) EditMessage(ctx context.Context, conversationID, messageID, editorID int64, content, preview string) (*Message, error) {
	if content == "" {
		return nil, errors.New("content is required")
	}

	var msg *Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireSender(ctx, tx, conversationID, messageID, editorID); err != nil {
			return err
		}

		now := s.nowMilli()
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE messages SET content = ?, edited_at = ? WHERE conversation_id = ? AND id = ?`,
			content,
			now,
			conversationID,
			messageID,
		); err != nil {
			return fmt.Errorf("edit message %d in conversation %d: %w", messageID, conversationID, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE conversations SET last_message_preview = ? WHERE id = ? AND last_message_id = ?`,
			preview,
			conversationID,
			messageID,
		); err != nil {
			return fmt.Errorf("refresh snapshot of conversation %d: %w", conversationID, err)
		}

		var err error
		msg, err = getMessage(ctx, tx, conversationID, messageID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// DeleteMessage soft-deletes a message. The row and its id are kept; deleting
// twice is not an error.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID, requesterID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := requireSender(ctx, tx, conversationID, messageID, requesterID)
		if errors.Is(err, ErrMessageDeleted) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE messages SET is_deleted = 1 WHERE conversation_id = ? AND id = ?`,
			conversationID,
			messageID,
		); err != nil {
			return fmt.Errorf("delete message %d in conversation %d: %w", messageID, conversationID, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE conversations
			SET last_message_deleted = 1, last_message_preview = ''
			WHERE id = ? AND last_message_id = ?`,
			conversationID,
			messageID,
		); err != nil {
			return fmt.Errorf("refresh snapshot of conversation %d: %w", conversationID, err)
		}
		return nil
	})
}

func requireSender(ctx context.Context, tx *sql.Tx, conversationID, messageID, userID int64) error {
	if err := requireParticipant(ctx, tx, conversationID, userID); err != nil {
		return err
	}

	var senderID int64
	var deleted int
	err := tx.QueryRowContext(
		ctx,
		`SELECT sender_id, is_deleted FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID,
		messageID,
	).Scan(&senderID, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get message %d in conversation %d: %w", messageID, conversationID, err)
	}
	if senderID != userID {
		return ErrNotSender
	}
	if deleted == 1 {
		return ErrMessageDeleted
	}
	return nil
}

func getMessage(ctx context.Context, q querier, conversationID, messageID int64) (*Message, error) {
	row := q.QueryRowContext(
		ctx,
		`SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ? AND m.id = ?`,
		conversationID,
		messageID,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %d in conversation %d: %w", messageID, conversationID, err)
	}

	return msg, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message  Message
		editedAt sql.NullInt64
		deleted  int
	)
	if err := row.Scan(
		&message.ConversationID,
		&message.ID,
		&message.SenderID,
		&message.SenderName,
		&message.SenderAvatarURL,
		&message.Content,
		&message.ContentFormat,
		&message.CreatedAt,
		&editedAt,
		&deleted,
	); err != nil {
		return nil, err
	}

	message.EditedAt = int64Ptr(editedAt)
	message.IsDeleted = deleted == 1
	return &message, nil
}
