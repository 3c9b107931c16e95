// Package thread holds the client-side state of one open conversation: the
// loaded messages, backward pagination and the read-cursor side effect of
// viewing.
package thread

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"convsync/logging"
	"convsync/models"
	"convsync/poller"
)

// DefaultPageLimit is the number of messages loaded per page.
const DefaultPageLimit = 50

// ErrClosed is returned for requests that completed after Close.
var ErrClosed = errors.New("thread: closed")

// Service is the chat API as seen by the viewing user.
type Service interface {
	FetchMessages(ctx context.Context, conversationID int64, q models.PageQuery) (*models.MessagePage, error)
	MarkConversationAsRead(ctx context.Context, conversationID int64) (*models.ReadState, error)
	AppendMessage(ctx context.Context, conversationID int64, content string, format models.ContentFormat) (*models.Message, error)
}

// Config controls a Thread.
type Config struct {
	PageLimit int
	// ViewerID marks outgoing messages; the viewer's own messages never
	// trigger a read mark.
	ViewerID int64
	Location *time.Location
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.PageLimit <= 0 {
		out.PageLimit = DefaultPageLimit
	}
	if out.Location == nil {
		out.Location = time.Local
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Thread is safe for concurrent use. Messages are kept sorted by id with no
// duplicates.
type Thread struct {
	svc            Service
	conversationID int64
	cfg            Config
	log            zerolog.Logger

	mu       sync.Mutex
	messages []models.Message
	byID     map[int64]int
	hasOlder bool
	visible  bool
	closed   bool
	readUpTo int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a thread for conversationID. Nothing is loaded until Open.
func New(svc Service, conversationID int64, config Config) *Thread {
	cfg := config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Thread{
		svc:            svc,
		conversationID: conversationID,
		cfg:            cfg,
		log:            logging.Component(cfg.Logger, "thread").With().Int64("conversation_id", conversationID).Logger(),
		byID:           make(map[int64]int),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ConversationID returns the conversation this thread shows.
func (t *Thread) ConversationID() int64 {
	return t.conversationID
}

// bind ties ctx to the thread lifetime so Close aborts the request.
func (t *Thread) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Open loads the newest page, makes the thread visible and marks the
// conversation read.
func (t *Thread) Open(ctx context.Context) error {
	ctx, done := t.bind(ctx)
	defer done()

	page, err := t.svc.FetchMessages(ctx, t.conversationID, models.PageQuery{Limit: t.cfg.PageLimit})
	if err != nil {
		return t.closedOr(err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mergeLocked(page.Messages)
	t.hasOlder = page.HasMore
	t.visible = true
	t.mu.Unlock()

	return t.markRead(ctx)
}

// LoadOlder prepends the page before the oldest loaded message and returns how
// many messages were added. It is a no-op once the start of history is loaded.
func (t *Thread) LoadOlder(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if !t.hasOlder || len(t.messages) == 0 {
		t.mu.Unlock()
		return 0, nil
	}
	oldest := t.messages[0].ID
	t.mu.Unlock()

	ctx, done := t.bind(ctx)
	defer done()

	page, err := t.svc.FetchMessages(ctx, t.conversationID, models.BeforeID(oldest, t.cfg.PageLimit))
	if err != nil {
		return 0, t.closedOr(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	added := t.mergeLocked(page.Messages)
	t.hasOlder = page.HasMore
	return added, nil
}

// ApplyUpdate merges a poller update for this conversation. Updates for other
// conversations are ignored. The conversation is marked read only when new
// messages from other users arrived while the thread is visible.
func (t *Thread) ApplyUpdate(ctx context.Context, u poller.Update) (int, error) {
	if u.ConversationID != t.conversationID {
		return 0, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	before := t.newestIncomingLocked()
	added := t.mergeLocked(u.Messages)
	shouldMark := t.visible && added > 0 && t.newestIncomingLocked() > before
	t.mu.Unlock()

	if !shouldMark {
		return added, nil
	}

	ctx, done := t.bind(ctx)
	defer done()
	return added, t.markRead(ctx)
}

// Send appends a message and merges the acknowledged copy. Nothing is shown
// before the server confirms it.
func (t *Thread) Send(ctx context.Context, content string, format models.ContentFormat) (*models.Message, error) {
	ctx, done := t.bind(ctx)
	defer done()

	msg, err := t.svc.AppendMessage(ctx, t.conversationID, content, format)
	if err != nil {
		return nil, t.closedOr(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.mergeLocked([]models.Message{*msg})
	return msg, nil
}

// Merge adds messages, replacing any already loaded copy with the same id.
// It returns the number of ids that were not loaded before.
func (t *Thread) Merge(messages []models.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	return t.mergeLocked(messages)
}

func (t *Thread) mergeLocked(incoming []models.Message) int {
	added := 0
	appendOnly := true
	for _, m := range incoming {
		if m.ConversationID != 0 && m.ConversationID != t.conversationID {
			continue
		}
		if i, ok := t.byID[m.ID]; ok {
			t.messages[i] = m
			continue
		}
		if n := len(t.messages); n > 0 && m.ID < t.messages[n-1].ID {
			appendOnly = false
		}
		t.byID[m.ID] = len(t.messages)
		t.messages = append(t.messages, m)
		added++
	}

	if !appendOnly {
		sort.Slice(t.messages, func(i, j int) bool { return t.messages[i].ID < t.messages[j].ID })
		for i, m := range t.messages {
			t.byID[m.ID] = i
		}
	}
	return added
}

func (t *Thread) newestIncomingLocked() int64 {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.cfg.ViewerID == 0 || t.messages[i].SenderID != t.cfg.ViewerID {
			return t.messages[i].ID
		}
	}
	return 0
}

func (t *Thread) markRead(ctx context.Context) error {
	state, err := t.svc.MarkConversationAsRead(ctx, t.conversationID)
	if err != nil {
		t.log.Warn().Err(err).Msg("mark read failed")
		return t.closedOr(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if state.LastReadMessageID > t.readUpTo {
		t.readUpTo = state.LastReadMessageID
	}
	return nil
}

func (t *Thread) closedOr(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return err
}

// SetVisible records whether the thread is on screen. Becoming visible with
// unread incoming messages marks the conversation read.
func (t *Thread) SetVisible(ctx context.Context, visible bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	wasVisible := t.visible
	t.visible = visible
	pending := t.newestIncomingLocked() > t.readUpTo
	t.mu.Unlock()

	if !visible || wasVisible || !pending {
		return nil
	}

	ctx, done := t.bind(ctx)
	defer done()
	return t.markRead(ctx)
}

// Close discards the thread. Requests still in flight are cancelled and their
// results dropped.
func (t *Thread) Close() {
	t.mu.Lock()
	t.closed = true
	t.visible = false
	t.mu.Unlock()
	t.cancel()
}

// Messages returns a copy of the loaded messages, oldest first.
func (t *Thread) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// HasOlder reports whether LoadOlder can return more history.
func (t *Thread) HasOlder() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasOlder
}

// ReadUpTo returns the last read cursor confirmed by the server.
func (t *Thread) ReadUpTo() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readUpTo
}
