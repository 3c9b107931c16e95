package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const conversationColumns = `c.id,
	c.is_group,
	c.title,
	c.direct_key,
	c.created_by,
	c.last_message_id,
	c.last_message_sender_id,
	c.last_message_sender_name,
	c.last_message_preview,
	c.last_message_created_at,
	c.last_message_deleted,
	c.created_at,
	c.updated_at`

const participantColumns = `p.conversation_id,
	p.user_id,
	p.joined_at,
	p.unread_count,
	p.last_read_message_id,
	COALESCE(u.display_name, ''),
	COALESCE(u.avatar_url, '')`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateConversation inserts a conversation with its participants, or returns the
// existing 1:1 conversation for the same pair. created reports whether rows were written.
//
// A request that is not a group but names more than two users is stored as a group.
// When in.InitialMessage is set it is appended in the same transaction, so a
// failed append leaves neither the conversation nor the message behind. first is
// nil without an initial message.
func (s *Store) CreateConversation(ctx context.Context, in NewConversation) (conv *Conversation, first *Message, created bool, err error) {
	if in.CreatorID <= 0 {
		return nil, nil, false, errors.New("creator id must be > 0")
	}
	ids := make([]int64, 0, len(in.ParticipantIDs)+1)
	seen := make(map[int64]struct{}, len(in.ParticipantIDs)+1)
	for _, id := range append([]int64{in.CreatorID}, in.ParticipantIDs...) {
		if id <= 0 {
			return nil, nil, false, fmt.Errorf("participant id %d must be > 0", id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, nil, false, errors.New("conversation needs at least one other participant")
	}

	var initial *NewMessage
	if in.InitialMessage != nil {
		m := *in.InitialMessage
		if m.SenderID == 0 {
			m.SenderID = in.CreatorID
		}
		if err := normalizeNewMessage(&m); err != nil {
			return nil, nil, false, err
		}
		if _, ok := seen[m.SenderID]; !ok {
			return nil, nil, false, ErrNotParticipant
		}
		initial = &m
	}

	isGroup := in.IsGroup || len(ids) > 2
	var directKey *string
	if !isGroup {
		key := DirectKey(ids[0], ids[1])
		directKey = &key
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMilli()

		convID, err := lookupDirectConversation(ctx, tx, directKey)
		if err != nil {
			return err
		}
		if convID == 0 {
			convID, err = insertConversation(ctx, tx, in, ids, isGroup, directKey, now)
			if err != nil {
				return err
			}
			created = true
		}

		if initial != nil {
			initial.ConversationID = convID
			first, _, err = appendMessageTx(ctx, tx, *initial, now)
			if err != nil {
				return err
			}
		}

		conv, err = getConversation(ctx, tx, convID)
		return err
	})
	if err != nil {
		return nil, nil, false, err
	}

	return conv, first, created, nil
}

// lookupDirectConversation returns 0 when directKey is nil or unused.
func lookupDirectConversation(ctx context.Context, tx *sql.Tx, directKey *string) (int64, error) {
	if directKey == nil {
		return 0, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = ?`, *directKey).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	default:
		return 0, fmt.Errorf("lookup direct conversation %q: %w", *directKey, err)
	}
}

func insertConversation(ctx context.Context, tx *sql.Tx, in NewConversation, ids []int64, isGroup bool, directKey *string, now int64) (int64, error) {
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO conversations (is_group, title, direct_key, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		boolToInt(isGroup),
		nullString(in.Title),
		nullString(directKey),
		in.CreatorID,
		now,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	convID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read conversation id: %w", err)
	}

	for _, userID := range ids {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)`,
			convID,
			userID,
			now,
		); err != nil {
			return 0, fmt.Errorf("insert participant %d into conversation %d: %w", userID, convID, err)
		}
	}
	return convID, nil
}

// GetConversation fetches a conversation row without membership checks.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

// GetConversationForUser returns the conversation as seen by userID, with participants.
func (s *Store) GetConversationForUser(ctx context.Context, conversationID, userID int64) (*ConversationSummary, error) {
	if err := requireParticipant(ctx, s.db, conversationID, userID); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+conversationColumns+`,
			p.unread_count,
			p.last_read_message_id
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE c.id = ? AND p.user_id = ?`,
		conversationID,
		userID,
	)
	summary, err := scanConversationSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %d for user %d: %w", conversationID, userID, err)
	}

	participants, err := s.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	summary.Participants = participants

	return summary, nil
}

// ListConversationsForUser returns every conversation of userID, most recently
// updated first, each with the user's unread count and all participants.
func (s *Store) ListConversationsForUser(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if userID <= 0 {
		return nil, errors.New("user id must be > 0")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+conversationColumns+`,
			p.unread_count,
			p.last_read_message_id
		FROM participants p
		JOIN conversations c ON c.id = p.conversation_id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations for user %d: %w", userID, err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	index := make(map[int64]int)
	for rows.Next() {
		summary, err := scanConversationSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		index[summary.ID] = len(summaries)
		summaries = append(summaries, *summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	if len(summaries) == 0 {
		return summaries, nil
	}

	prow, err := s.db.QueryContext(
		ctx,
		`SELECT `+participantColumns+`
		FROM participants p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id IN (SELECT conversation_id FROM participants WHERE user_id = ?)
		ORDER BY p.conversation_id, p.joined_at, p.user_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants for user %d: %w", userID, err)
	}
	defer prow.Close()

	for prow.Next() {
		participant, err := scanParticipant(prow)
		if err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		i, ok := index[participant.ConversationID]
		if !ok {
			continue
		}
		summaries[i].Participants = append(summaries[i].Participants, *participant)
	}
	if err := prow.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}

	return summaries, nil
}

// ListParticipants returns the members of a conversation in join order.
func (s *Store) ListParticipants(ctx context.Context, conversationID int64) ([]Participant, error) {
	return listParticipants(ctx, s.db, conversationID)
}

// GetParticipant returns one member's read state.
func (s *Store) GetParticipant(ctx context.Context, conversationID, userID int64) (*Participant, error) {
	return getParticipant(ctx, s.db, conversationID, userID)
}

// CheckParticipant returns ErrNotFound for an unknown conversation and
// ErrNotParticipant when userID is not a member.
func (s *Store) CheckParticipant(ctx context.Context, conversationID, userID int64) error {
	return requireParticipant(ctx, s.db, conversationID, userID)
}

// AddParticipants adds userIDs to a conversation on behalf of requesterID and
// returns the ids that were not members yet. New members start fully read.
// More than two members turns the conversation into a group.
func (s *Store) AddParticipants(ctx context.Context, conversationID, requesterID int64, userIDs []int64) ([]int64, error) {
	for _, id := range userIDs {
		if id <= 0 {
			return nil, fmt.Errorf("participant id %d must be > 0", id)
		}
	}

	added := make([]int64, 0, len(userIDs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireParticipant(ctx, tx, conversationID, requesterID); err != nil {
			return err
		}

		var lastMessageID int64
		if err := tx.QueryRowContext(
			ctx,
			`SELECT last_message_id FROM conversations WHERE id = ?`,
			conversationID,
		).Scan(&lastMessageID); err != nil {
			return fmt.Errorf("read last message id of conversation %d: %w", conversationID, err)
		}

		now := s.nowMilli()
		for _, userID := range userIDs {
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO participants (conversation_id, user_id, joined_at, unread_count, last_read_message_id)
				VALUES (?, ?, ?, 0, ?)
				ON CONFLICT(conversation_id, user_id) DO NOTHING`,
				conversationID,
				userID,
				now,
				lastMessageID,
			)
			if err != nil {
				return fmt.Errorf("add participant %d to conversation %d: %w", userID, conversationID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("read rows affected for participant %d: %w", userID, err)
			}
			if n > 0 {
				added = append(added, userID)
			}
		}
		if len(added) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE conversations
			SET is_group = CASE
					WHEN (SELECT COUNT(*) FROM participants WHERE conversation_id = ?) > 2 THEN 1
					ELSE is_group
				END,
				direct_key = CASE
					WHEN (SELECT COUNT(*) FROM participants WHERE conversation_id = ?) > 2 THEN NULL
					ELSE direct_key
				END,
				updated_at = MAX(updated_at, ?)
			WHERE id = ?`,
			conversationID,
			conversationID,
			now,
			conversationID,
		); err != nil {
			return fmt.Errorf("update conversation %d after adding participants: %w", conversationID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return added, nil
}

// MarkRead moves userID's cursor to the newest message id at the moment of the
// call and clears the unread counter. The cursor never moves backwards.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID int64) (*Participant, error) {
	var participant *Participant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireParticipant(ctx, tx, conversationID, userID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE participants
			SET last_read_message_id = MAX(
					last_read_message_id,
					(SELECT last_message_id FROM conversations WHERE id = ?)
				),
				unread_count = 0
			WHERE conversation_id = ? AND user_id = ?`,
			conversationID,
			conversationID,
			userID,
		); err != nil {
			return fmt.Errorf("mark conversation %d read for user %d: %w", conversationID, userID, err)
		}

		var err error
		participant, err = getParticipant(ctx, tx, conversationID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return participant, nil
}

// RecountUnread recomputes unread counters from read cursors and returns how many
// participant rows were out of step. conversationID 0 covers every conversation.
func (s *Store) RecountUnread(ctx context.Context, conversationID int64) (int64, error) {
	const recount = `(SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = participants.conversation_id
		  AND m.id > participants.last_read_message_id
		  AND m.sender_id != participants.user_id)`

	query := `UPDATE participants SET unread_count = ` + recount + ` WHERE unread_count != ` + recount
	args := []any{}
	if conversationID > 0 {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("recount unread for conversation %d: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for unread recount: %w", err)
	}

	return n, nil
}

func requireParticipant(ctx context.Context, q querier, conversationID, userID int64) error {
	var exists, member int
	if err := q.QueryRowContext(
		ctx,
		`SELECT
			EXISTS(SELECT 1 FROM conversations WHERE id = ?),
			EXISTS(SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?)`,
		conversationID,
		conversationID,
		userID,
	).Scan(&exists, &member); err != nil {
		return fmt.Errorf("check participant %d of conversation %d: %w", userID, conversationID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if member == 0 {
		return ErrNotParticipant
	}
	return nil
}

func getConversation(ctx context.Context, q querier, id int64) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}

	return conv, nil
}

func listParticipants(ctx context.Context, q querier, conversationID int64) ([]Participant, error) {
	rows, err := q.QueryContext(
		ctx,
		`SELECT `+participantColumns+`
		FROM participants p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ?
		ORDER BY p.joined_at, p.user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants of conversation %d: %w", conversationID, err)
	}
	defer rows.Close()

	participants := make([]Participant, 0)
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, *participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}

	return participants, nil
}

func getParticipant(ctx context.Context, q querier, conversationID, userID int64) (*Participant, error) {
	row := q.QueryRowContext(
		ctx,
		`SELECT `+participantColumns+`
		FROM participants p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ? AND p.user_id = ?`,
		conversationID,
		userID,
	)

	participant, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get participant %d of conversation %d: %w", userID, conversationID, err)
	}

	return participant, nil
}

func scanConversation(row scanner) (*Conversation, error) {
	conv, _, _, err := scanConversationRow(row, false)
	return conv, err
}

func scanConversationSummary(row scanner) (*ConversationSummary, error) {
	conv, unread, lastRead, err := scanConversationRow(row, true)
	if err != nil {
		return nil, err
	}
	return &ConversationSummary{
		Conversation:      *conv,
		UnreadCount:       unread,
		LastReadMessageID: lastRead,
	}, nil
}

func scanConversationRow(row scanner, withReadState bool) (*Conversation, int64, int64, error) {
	var (
		conv           Conversation
		isGroup        int
		title          sql.NullString
		directKey      sql.NullString
		lastSenderID   sql.NullInt64
		lastSenderName sql.NullString
		lastPreview    sql.NullString
		lastCreatedAt  sql.NullInt64
		lastDeleted    int
		unread         int64
		lastRead       int64
	)
	dest := []any{
		&conv.ID,
		&isGroup,
		&title,
		&directKey,
		&conv.CreatedBy,
		&conv.LastMessageID,
		&lastSenderID,
		&lastSenderName,
		&lastPreview,
		&lastCreatedAt,
		&lastDeleted,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	}
	if withReadState {
		dest = append(dest, &unread, &lastRead)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, 0, 0, err
	}

	conv.IsGroup = isGroup == 1
	conv.Title = stringPtr(title)
	conv.DirectKey = stringPtr(directKey)
	if conv.LastMessageID > 0 && lastSenderID.Valid {
		conv.LastMessage = &LastMessage{
			MessageID:  conv.LastMessageID,
			SenderID:   lastSenderID.Int64,
			SenderName: lastSenderName.String,
			Preview:    lastPreview.String,
			CreatedAt:  lastCreatedAt.Int64,
			IsDeleted:  lastDeleted == 1,
		}
	}

	return &conv, unread, lastRead, nil
}

func scanParticipant(row scanner) (*Participant, error) {
	var participant Participant
	if err := row.Scan(
		&participant.ConversationID,
		&participant.UserID,
		&participant.JoinedAt,
		&participant.UnreadCount,
		&participant.LastReadMessageID,
		&participant.DisplayName,
		&participant.AvatarURL,
	); err != nil {
		return nil, err
	}
	return &participant, nil
}
