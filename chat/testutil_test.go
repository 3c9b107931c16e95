package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"convsync/storage"
)

type testEnv struct {
	store         *storage.Store
	dbPath        string
	messages      *MessageService
	conversations *ConversationService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, dbPath, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	var mu sync.Mutex
	current := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
	store.SetClock(clock)

	opts := Options{Now: clock}
	messages := NewMessageService(store, opts)
	return &testEnv{
		store:         store,
		dbPath:        dbPath,
		messages:      messages,
		conversations: NewConversationService(store, messages, opts),
	}
}

func (e *testEnv) mustUser(t *testing.T, id int64, name string) {
	t.Helper()

	if err := e.store.UpsertUser(context.Background(), storage.User{ID: id, DisplayName: name}); err != nil {
		t.Fatalf("upsert user %d: %v", id, err)
	}
}

func (e *testEnv) mustConversation(t *testing.T, initiator int64, others ...int64) int64 {
	t.Helper()

	res, err := e.conversations.CreateOrGetConversation(context.Background(), initiator, others, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateOrGetConversation failed: %v", err)
	}
	return res.Conversation.ID
}

func (e *testEnv) mustSend(t *testing.T, conversationID, senderID int64, content string) int64 {
	t.Helper()

	msg, err := e.messages.AppendMessage(context.Background(), AppendInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("AppendMessage %q failed: %v", content, err)
	}
	return msg.ID
}

func (e *testEnv) unread(t *testing.T, conversationID, userID int64) int64 {
	t.Helper()

	conv, err := e.conversations.GetConversation(context.Background(), conversationID, userID)
	if err != nil {
		t.Fatalf("GetConversation for user %d failed: %v", userID, err)
	}
	return conv.UnreadCount
}

func int64p(v int64) *int64 {
	return &v
}
