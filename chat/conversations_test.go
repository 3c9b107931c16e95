package chat

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"convsync/models"
	"convsync/storage"
)

func TestCreateConversationScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustUser(t, 1, "Ada")
	env.mustUser(t, 2, "Grace")

	res, err := env.conversations.CreateOrGetConversation(ctx, 1, []int64{2}, CreateOptions{
		InitialMessage: &MessageInput{Content: "hi"},
	})
	if err != nil {
		t.Fatalf("CreateOrGetConversation failed: %v", err)
	}
	if res.Existing {
		t.Fatalf("first create must not report an existing conversation")
	}
	if res.InitialMessage == nil || res.InitialMessage.ID != 1 || res.InitialMessage.Content != "hi" {
		t.Fatalf("unexpected initial message: %+v", res.InitialMessage)
	}
	convID := res.Conversation.ID
	if got := env.unread(t, convID, 2); got != 1 {
		t.Fatalf("expected unread 1 for user 2, got %d", got)
	}

	state, err := env.messages.MarkConversationAsRead(ctx, convID, 2)
	if err != nil {
		t.Fatalf("MarkConversationAsRead failed: %v", err)
	}
	if state.UnreadCount != 0 || state.LastReadMessageID != 1 {
		t.Fatalf("unexpected read state: %+v", state)
	}

	reply, err := env.messages.AppendMessage(ctx, AppendInput{ConversationID: convID, SenderID: 2, Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if reply.ID != 2 || reply.SenderName != "Grace" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if got := env.unread(t, convID, 1); got != 1 {
		t.Fatalf("expected unread 1 for user 1, got %d", got)
	}

	conv, err := env.conversations.GetConversation(ctx, convID, 1)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.LastMessage == nil || conv.LastMessage.Preview != "hello" || conv.LastMessage.ID != 2 {
		t.Fatalf("unexpected last message: %+v", conv.LastMessage)
	}
}

func TestCreateOrGetConversationReusesDirect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.conversations.CreateOrGetConversation(ctx, 1, []int64{2}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateOrGetConversation failed: %v", err)
	}
	second, err := env.conversations.CreateOrGetConversation(ctx, 2, []int64{1, 1}, CreateOptions{
		InitialMessage: &MessageInput{Content: "back again"},
	})
	if err != nil {
		t.Fatalf("CreateOrGetConversation (reverse) failed: %v", err)
	}
	if !second.Existing || second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("expected existing conversation %d, got %+v", first.Conversation.ID, second)
	}
	if second.Conversation.LastMessage == nil || second.Conversation.LastMessage.Preview != "back again" {
		t.Fatalf("initial message should land on the existing conversation: %+v", second.Conversation.LastMessage)
	}

	list, err := env.conversations.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(list))
	}
}

func TestCreateOrGetConversationValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		initiator int64
		others    []int64
		opts      CreateOptions
	}{
		{name: "self only", initiator: 1, others: []int64{1}},
		{name: "nobody", initiator: 1},
		{name: "bad id", initiator: 1, others: []int64{0}},
		{name: "bad initiator", initiator: -1, others: []int64{2}},
		{name: "empty initial message", initiator: 1, others: []int64{2}, opts: CreateOptions{InitialMessage: &MessageInput{Content: "   "}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.conversations.CreateOrGetConversation(ctx, tc.initiator, tc.others, tc.opts)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	list, err := env.conversations.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected requests must not create conversations, got %d", len(list))
	}
}

func TestCreateWithFailingInitialMessageLeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	db, err := sql.Open("sqlite3", env.dbPath)
	if err != nil {
		t.Fatalf("open second connection: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TRIGGER reject_messages BEFORE INSERT ON messages
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	opts := CreateOptions{IsGroup: true, InitialMessage: &MessageInput{Content: "hi"}}
	for i := 0; i < 2; i++ {
		_, err := env.conversations.CreateOrGetConversation(ctx, 1, []int64{2, 3}, opts)
		if !errors.Is(err, ErrTransientIO) {
			t.Fatalf("expected ErrTransientIO when the message cannot be stored, got %v", err)
		}
	}

	list, err := env.conversations.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("failed creates must not leave conversations behind, got %d", len(list))
	}

	if _, err := db.Exec(`DROP TRIGGER reject_messages`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	res, err := env.conversations.CreateOrGetConversation(ctx, 1, []int64{2, 3}, opts)
	if err != nil {
		t.Fatalf("CreateOrGetConversation failed: %v", err)
	}
	if res.InitialMessage == nil || res.InitialMessage.ID != 1 || res.Conversation.LastMessage == nil {
		t.Fatalf("unexpected create result: %+v", res)
	}
	if got := env.unread(t, res.Conversation.ID, 3); got != 1 {
		t.Fatalf("expected unread 1 for user 3, got %d", got)
	}
}

func TestListConversationsOrderAndUnread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.mustConversation(t, 1, 2)
	b := env.mustConversation(t, 1, 3)
	env.mustSend(t, b, 3, "from three")
	env.mustSend(t, a, 2, "from two")
	env.mustSend(t, a, 2, "again")

	list, err := env.conversations.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != a || list[1].ID != b {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[0].UnreadCount != 2 || list[1].UnreadCount != 1 {
		t.Fatalf("unexpected unread counts %d/%d", list[0].UnreadCount, list[1].UnreadCount)
	}

	if _, err := env.conversations.ListConversations(ctx, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAddParticipantsScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	convID := env.mustConversation(t, 1, 2)
	env.mustSend(t, convID, 1, "before")

	res, err := env.conversations.AddParticipants(ctx, convID, 1, []int64{3})
	if err != nil {
		t.Fatalf("AddParticipants failed: %v", err)
	}
	if !res.Conversation.IsGroup {
		t.Fatalf("conversation should become a group")
	}
	if len(res.Added) != 1 || res.Added[0] != 3 {
		t.Fatalf("unexpected added ids: %v", res.Added)
	}
	if len(res.Conversation.Participants) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(res.Conversation.Participants))
	}
	if got := env.unread(t, convID, 3); got != 0 {
		t.Fatalf("new participant should start with nothing unread, got %d", got)
	}

	again, err := env.conversations.AddParticipants(ctx, convID, 2, []int64{3, 1})
	if err != nil {
		t.Fatalf("AddParticipants (repeat) failed: %v", err)
	}
	if len(again.Added) != 0 {
		t.Fatalf("expected idempotent add, got %v", again.Added)
	}
}

func TestNonParticipantsAreRefusedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.mustConversation(t, 1, 2)

	_, err := env.conversations.AddParticipants(ctx, convID, 9, []int64{9})
	if !errors.Is(err, ErrNotAuthorized) || !IsNotAvailable(err) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	_, err = env.messages.AppendMessage(ctx, AppendInput{ConversationID: convID, SenderID: 9, Content: "let me in"})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	_, err = env.conversations.GetConversation(ctx, convID+40, 1)
	if !errors.Is(err, ErrNotFound) || !IsNotAvailable(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	events, err := env.store.GetAuditEvents(ctx, storage.AuditEventFilter{UserID: 9})
	if err != nil {
		t.Fatalf("GetAuditEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events for user 9, got %d", len(events))
	}
	if events[0].EventType != storage.AuditEventAccessDenied || events[0].Details != `{"operation":"append_message"}` {
		t.Fatalf("unexpected audit event: %+v", events[0])
	}
}

func TestConversationDisplayName(t *testing.T) {
	title := "Bathroom quote"
	blank := "  "
	people := func(ids ...int64) []models.Participant {
		names := map[int64]string{1: "Ada", 2: "Grace", 3: "Linus", 4: "Ken", 5: "Rob"}
		out := make([]models.Participant, 0, len(ids))
		for _, id := range ids {
			out = append(out, models.Participant{UserID: id, DisplayName: names[id]})
		}
		return out
	}

	tests := []struct {
		name string
		conv models.Conversation
		want string
	}{
		{name: "direct", conv: models.Conversation{Participants: people(1, 2)}, want: "Grace"},
		{name: "titled group", conv: models.Conversation{IsGroup: true, Title: &title, Participants: people(1, 2, 3)}, want: title},
		{name: "blank title", conv: models.Conversation{IsGroup: true, Title: &blank, Participants: people(1, 2, 3)}, want: "Grace, Linus"},
		{name: "large group", conv: models.Conversation{IsGroup: true, Participants: people(1, 2, 3, 4, 5, 6)}, want: "Grace, Linus, Ken +2"},
		{name: "title ignored for direct", conv: models.Conversation{Title: &title, Participants: people(2, 1)}, want: "Grace"},
		{name: "alone", conv: models.Conversation{Participants: people(1)}, want: "Ada"},
		{name: "unknown viewer", conv: models.Conversation{}, want: "User 1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ConversationDisplayName(tc.conv, 1); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
