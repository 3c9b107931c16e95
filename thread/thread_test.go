package thread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"convsync/models"
	"convsync/poller"
)

type fakeService struct {
	mu        sync.Mutex
	history   []models.Message
	marks     int
	nextID    int64
	block     chan struct{}
	started   chan struct{}
	appendErr error
}

func newFakeService(n int) *fakeService {
	s := &fakeService{}
	for i := 1; i <= n; i++ {
		s.history = append(s.history, msg(int64(i), 2, time.UnixMilli(1_700_000_000_000).Add(time.Duration(i)*time.Minute)))
	}
	s.nextID = int64(n)
	return s
}

func msg(id, sender int64, at time.Time) models.Message {
	return models.Message{ID: id, ConversationID: 1, SenderID: sender, Content: "m", CreatedAt: at.UnixMilli()}
}

func (s *fakeService) FetchMessages(ctx context.Context, _ int64, q models.PageQuery) (*models.MessagePage, error) {
	s.mu.Lock()
	block, started := s.block, s.started
	all := append([]models.Message(nil), s.history...)
	s.mu.Unlock()

	if block != nil {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var eligible []models.Message
	for _, m := range all {
		if q.Before == nil || m.ID < *q.Before {
			eligible = append(eligible, m)
		}
	}
	page := &models.MessagePage{}
	if len(eligible) > q.Limit {
		page.HasMore = true
		eligible = eligible[len(eligible)-q.Limit:]
	}
	page.Messages = eligible
	return page, nil
}

func (s *fakeService) MarkConversationAsRead(context.Context, int64) (*models.ReadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks++
	var last int64
	if n := len(s.history); n > 0 {
		last = s.history[n-1].ID
	}
	return &models.ReadState{ConversationID: 1, LastReadMessageID: last}, nil
}

func (s *fakeService) AppendMessage(_ context.Context, conversationID int64, content string, format models.ContentFormat) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	s.nextID++
	m := models.Message{ID: s.nextID, ConversationID: conversationID, SenderID: 1, Content: content, ContentFormat: format}
	s.history = append(s.history, m)
	return &m, nil
}

func (s *fakeService) markCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks
}

func ids(messages []models.Message) []int64 {
	out := make([]int64, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func TestOpenAndLoadOlder(t *testing.T) {
	svc := newFakeService(5)
	th := New(svc, 1, Config{PageLimit: 2, ViewerID: 1})
	ctx := context.Background()

	if err := th.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := ids(th.Messages()); len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected latest page [4 5], got %v", got)
	}
	if svc.markCount() != 1 || th.ReadUpTo() != 5 {
		t.Fatalf("Open should mark read once, marks=%d readUpTo=%d", svc.markCount(), th.ReadUpTo())
	}

	for th.HasOlder() {
		if _, err := th.LoadOlder(ctx); err != nil {
			t.Fatalf("LoadOlder failed: %v", err)
		}
	}
	got := ids(th.Messages())
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("expected full contiguous history, got %v", got)
		}
	}
	if n, err := th.LoadOlder(ctx); err != nil || n != 0 {
		t.Fatalf("LoadOlder at start of history should be a no-op, got %d, %v", n, err)
	}
}

func TestApplyUpdateMergesWithoutDuplicates(t *testing.T) {
	svc := newFakeService(3)
	th := New(svc, 1, Config{ViewerID: 1})
	ctx := context.Background()
	if err := th.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	at := time.UnixMilli(1_700_000_000_000).Add(time.Hour)
	update := poller.Update{ConversationID: 1, Messages: []models.Message{msg(3, 2, at), msg(4, 2, at)}}
	added, err := th.ApplyUpdate(ctx, update)
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 new message, got %d", added)
	}
	if svc.markCount() != 2 {
		t.Fatalf("visible thread should mark read on new messages, marks=%d", svc.markCount())
	}

	added, err = th.ApplyUpdate(ctx, update)
	if err != nil {
		t.Fatalf("ApplyUpdate (replay) failed: %v", err)
	}
	if added != 0 || svc.markCount() != 2 {
		t.Fatalf("replayed update must be a no-op, added=%d marks=%d", added, svc.markCount())
	}

	if added, _ := th.ApplyUpdate(ctx, poller.Update{ConversationID: 9, Messages: []models.Message{msg(50, 2, at)}}); added != 0 {
		t.Fatalf("updates for other conversations must be ignored")
	}
	if got := ids(th.Messages()); len(got) != 4 || got[3] != 4 {
		t.Fatalf("unexpected messages %v", got)
	}
}

func TestApplyUpdateMarksReadOnlyWhenVisible(t *testing.T) {
	svc := newFakeService(1)
	th := New(svc, 1, Config{ViewerID: 1})
	ctx := context.Background()
	if err := th.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := th.SetVisible(ctx, false); err != nil {
		t.Fatalf("SetVisible failed: %v", err)
	}

	at := time.UnixMilli(1_700_000_000_000)
	if _, err := th.ApplyUpdate(ctx, poller.Update{ConversationID: 1, Messages: []models.Message{msg(2, 2, at)}}); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if svc.markCount() != 1 {
		t.Fatalf("hidden thread must not mark read, marks=%d", svc.markCount())
	}

	own := poller.Update{ConversationID: 1, Messages: []models.Message{msg(3, 1, at)}}
	if err := th.SetVisible(ctx, true); err != nil {
		t.Fatalf("SetVisible failed: %v", err)
	}
	if svc.markCount() != 2 {
		t.Fatalf("becoming visible with unread messages should mark read, marks=%d", svc.markCount())
	}
	if _, err := th.ApplyUpdate(ctx, own); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if svc.markCount() != 2 {
		t.Fatalf("own messages must not trigger a read mark, marks=%d", svc.markCount())
	}
}

func TestSendMergesAcknowledgedMessage(t *testing.T) {
	svc := newFakeService(1)
	th := New(svc, 1, Config{ViewerID: 1})
	ctx := context.Background()
	if err := th.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sent, err := th.Send(ctx, "on my way", models.FormatPlain)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := ids(th.Messages()); len(got) != 2 || got[1] != sent.ID {
		t.Fatalf("sent message should be merged, got %v", got)
	}

	// the poller later delivers the same message
	if added, _ := th.ApplyUpdate(ctx, poller.Update{ConversationID: 1, Messages: []models.Message{*sent}}); added != 0 {
		t.Fatalf("echo of a sent message must not duplicate it")
	}

	svc.appendErr = errors.New("unavailable")
	if _, err := th.Send(ctx, "again", models.FormatPlain); err == nil {
		t.Fatalf("expected Send to fail")
	}
	if len(th.Messages()) != 2 {
		t.Fatalf("failed sends must not show up")
	}
}

func TestCloseDiscardsInFlightResults(t *testing.T) {
	svc := newFakeService(3)
	svc.block = make(chan struct{})
	svc.started = make(chan struct{})
	th := New(svc, 1, Config{})

	done := make(chan error, 1)
	go func() { done <- th.Open(context.Background()) }()

	<-svc.started
	th.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Open did not return after Close")
	}
	if len(th.Messages()) != 0 || svc.markCount() != 0 {
		t.Fatalf("closed thread must not keep results")
	}
}

func TestGroupByDay(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, loc)
	deleted := msg(4, 2, time.Date(2024, 3, 10, 9, 0, 0, 0, loc))
	deleted.IsDeleted = true
	deleted.Content = ""

	messages := []models.Message{
		msg(1, 2, time.Date(2023, 12, 31, 23, 30, 0, 0, loc)),
		msg(2, 1, time.Date(2024, 3, 9, 23, 59, 0, 0, loc)),
		// 22:30 UTC on the 9th is already the 10th in UTC+2
		msg(3, 2, time.Date(2024, 3, 9, 22, 30, 0, 0, time.UTC)),
		deleted,
	}

	groups := GroupByDay(messages, 1, loc, now)
	if len(groups) != 3 {
		t.Fatalf("expected 3 day groups, got %d", len(groups))
	}
	wantLabels := []string{"Dec 31, 2023", "Yesterday", "Today"}
	wantSizes := []int{1, 1, 2}
	for i, g := range groups {
		if g.Label != wantLabels[i] || len(g.Rows) != wantSizes[i] {
			t.Fatalf("group %d: got label %q with %d rows", i, g.Label, len(g.Rows))
		}
	}
	if !groups[1].Rows[0].Outgoing || groups[2].Rows[0].Outgoing {
		t.Fatalf("outgoing flag mismatch")
	}
	if groups[2].Rows[0].Time != "12:30 AM" {
		t.Fatalf("expected local time 12:30 AM, got %q", groups[2].Rows[0].Time)
	}
	if groups[2].Rows[1].Body != DeletedPlaceholder {
		t.Fatalf("deleted message body should be replaced, got %q", groups[2].Rows[1].Body)
	}
}
