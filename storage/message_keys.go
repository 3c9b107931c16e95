package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultMessageKeyRetention bounds how long a send can be retried with the same key.
const DefaultMessageKeyRetention = 48 * time.Hour

func lookupMessageKey(ctx context.Context, q querier, conversationID, senderID int64, clientKey string) (int64, bool, error) {
	var messageID int64
	err := q.QueryRowContext(
		ctx,
		`SELECT message_id
		FROM message_keys
		WHERE conversation_id = ? AND sender_id = ? AND client_key = ?`,
		conversationID,
		senderID,
		clientKey,
	).Scan(&messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("lookup client key %q: %w", clientKey, err)
	}
	return messageID, true, nil
}

func insertMessageKey(ctx context.Context, q querier, conversationID, senderID int64, clientKey string, messageID, createdAt int64) error {
	_, err := q.ExecContext(
		ctx,
		`INSERT INTO message_keys (conversation_id, sender_id, client_key, message_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID,
		senderID,
		clientKey,
		messageID,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert client key %q: %w", clientKey, err)
	}
	return nil
}

// HasMessageKey reports whether a sender already used clientKey in a conversation.
func (s *Store) HasMessageKey(ctx context.Context, conversationID, senderID int64, clientKey string) (bool, error) {
	if clientKey == "" {
		return false, errors.New("client_key is required")
	}

	var exists int
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT EXISTS(
			SELECT 1 FROM message_keys
			WHERE conversation_id = ? AND sender_id = ? AND client_key = ?
		)`,
		conversationID,
		senderID,
		clientKey,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check client key %q: %w", clientKey, err)
	}

	return exists == 1, nil
}

// PruneMessageKeys removes client keys recorded before cutoffTimestamp.
func (s *Store) PruneMessageKeys(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM message_keys WHERE created_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune message keys: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message key prune: %w", err)
	}

	return rowsAffected, nil
}
