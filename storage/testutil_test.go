package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	store.SetClock(tickingClock(time.UnixMilli(1_700_000_000_000)))

	return store
}

// tickingClock advances one millisecond per reading so row timestamps are distinct.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

func mustUpsertUser(t *testing.T, store *Store, id int64, name string) {
	t.Helper()

	if err := store.UpsertUser(context.Background(), User{ID: id, DisplayName: name}); err != nil {
		t.Fatalf("upsert user %d: %v", id, err)
	}
}

func mustCreateConversation(t *testing.T, store *Store, creator int64, others ...int64) *Conversation {
	t.Helper()

	conv, _, _, err := store.CreateConversation(context.Background(), NewConversation{
		CreatorID:      creator,
		ParticipantIDs: others,
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func mustAppend(t *testing.T, store *Store, conversationID, senderID int64, content string) *Message {
	t.Helper()

	msg, _, err := store.AppendMessage(context.Background(), NewMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Preview:        content,
	})
	if err != nil {
		t.Fatalf("append message %q: %v", content, err)
	}
	return msg
}

func mustParticipant(t *testing.T, store *Store, conversationID, userID int64) *Participant {
	t.Helper()

	p, err := store.GetParticipant(context.Background(), conversationID, userID)
	if err != nil {
		t.Fatalf("get participant %d: %v", userID, err)
	}
	return p
}

// checkUnreadInvariant recomputes every unread counter from the message table.
func checkUnreadInvariant(t *testing.T, store *Store, conversationID int64) {
	t.Helper()

	participants, err := store.ListParticipants(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	for _, p := range participants {
		var want int64
		if err := store.db.QueryRow(
			`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND id > ? AND sender_id != ?`,
			conversationID,
			p.LastReadMessageID,
			p.UserID,
		).Scan(&want); err != nil {
			t.Fatalf("count unread: %v", err)
		}
		if p.UnreadCount != want {
			t.Fatalf("user %d unread = %d, want %d", p.UserID, p.UnreadCount, want)
		}
	}
}

func int64p(v int64) *int64 {
	return &v
}
