package thread

import (
	"sync"

	"convsync/models"
	"convsync/poller"
)

// Inbox is the viewer's conversation list kept in display order as poller
// updates arrive. It is safe for concurrent use.
type Inbox struct {
	viewerID int64

	mu            sync.Mutex
	conversations []models.Conversation
}

// NewInbox seeds the list, typically from ListConversations.
func NewInbox(viewerID int64, initial []models.Conversation) *Inbox {
	b := &Inbox{viewerID: viewerID}
	b.Reset(initial)
	return b
}

// Reset replaces the whole list.
func (b *Inbox) Reset(conversations []models.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conversations = append([]models.Conversation(nil), conversations...)
	models.SortConversations(b.conversations)
}

// Apply folds one poller update into the list. Updates carrying a full
// conversation replace the entry; deltas bump the unread count by the incoming
// messages past the viewer's cursor. Deleted messages still count, as they do
// on the server.
func (b *Inbox) Apply(u poller.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexLocked(u.ConversationID)
	if u.Conversation != nil {
		if i < 0 {
			b.conversations = append(b.conversations, *u.Conversation)
		} else {
			b.conversations[i] = *u.Conversation
		}
		models.SortConversations(b.conversations)
		return
	}
	if i < 0 {
		return
	}

	c := &b.conversations[i]
	for _, m := range u.Messages {
		if m.SenderID != b.viewerID && m.ID > c.LastReadMessageID {
			c.UnreadCount++
		}
	}
	if u.LastMessage != nil && (c.LastMessage == nil || u.LastMessage.ID >= c.LastMessage.ID) {
		last := *u.LastMessage
		c.LastMessage = &last
		if last.CreatedAt > c.UpdatedAt {
			c.UpdatedAt = last.CreatedAt
		}
	}
	models.SortConversations(b.conversations)
}

// MarkRead applies a read-cursor result to the matching entry.
func (b *Inbox) MarkRead(state *models.ReadState) {
	if state == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexLocked(state.ConversationID); i >= 0 {
		c := &b.conversations[i]
		if state.LastReadMessageID >= c.LastReadMessageID {
			c.LastReadMessageID = state.LastReadMessageID
			c.UnreadCount = state.UnreadCount
		}
	}
}

// Conversations returns a copy of the list, most recently updated first.
func (b *Inbox) Conversations() []models.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Conversation(nil), b.conversations...)
}

// UnreadTotal sums unread counts across conversations.
func (b *Inbox) UnreadTotal() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	for _, c := range b.conversations {
		total += c.UnreadCount
	}
	return total
}

func (b *Inbox) indexLocked(conversationID int64) int {
	for i := range b.conversations {
		if b.conversations[i].ID == conversationID {
			return i
		}
	}
	return -1
}
