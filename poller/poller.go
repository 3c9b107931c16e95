// Package poller keeps a client's view of its conversations current by asking
// the server what changed since the last tick.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"convsync/logging"
	"convsync/metrics"
	"convsync/models"
)

const (
	// DefaultInterval is the poll cadence.
	DefaultInterval = 3 * time.Second
	// DefaultListEvery is how many ticks pass between conversation discovery calls.
	DefaultListEvery = 10
	// DefaultPageLimit is the page size requested per fetch.
	DefaultPageLimit = 50
	// DefaultMaxPagesPerTick bounds how far one tick follows HasMore.
	DefaultMaxPagesPerTick = 5
	// DefaultConcurrency bounds parallel fetches within a tick.
	DefaultConcurrency = 4
	// DefaultMaxBackoff caps the delay after repeated failures.
	DefaultMaxBackoff = time.Minute
)

var (
	// ErrTickInFlight is returned when a tick is requested while one is running.
	ErrTickInFlight = errors.New("poller: tick already in flight")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("poller: stopped")
)

// State is the poller lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateBackoff State = "backoff"
	StateStopped State = "stopped"
)

// Source is the read side of the chat API as seen by one user.
type Source interface {
	FetchMessages(ctx context.Context, conversationID int64, q models.PageQuery) (*models.MessagePage, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// Update describes what changed in one conversation during a tick.
type Update struct {
	ConversationID  int64
	NewMessageCount int
	LastMessage     *models.LastMessage
	Messages        []models.Message

	// Discovered is set the first time a conversation shows up in a listing;
	// Conversation then carries its full summary.
	Discovered   bool
	Conversation *models.Conversation
}

// Handler receives updates in tick order. It must not call Stop.
type Handler func(Update)

// Config controls a Poller.
type Config struct {
	Interval        time.Duration
	ListEvery       int
	PageLimit       int
	MaxPagesPerTick int
	Concurrency     int
	MaxBackoff      time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.ListEvery <= 0 {
		out.ListEvery = DefaultListEvery
	}
	if out.PageLimit <= 0 {
		out.PageLimit = DefaultPageLimit
	}
	if out.MaxPagesPerTick <= 0 {
		out.MaxPagesPerTick = DefaultMaxPagesPerTick
	}
	if out.Concurrency <= 0 {
		out.Concurrency = DefaultConcurrency
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Poller runs the sync loop. One ticker goroutine starts at most one tick at a
// time; ticks that fire while another is running are skipped.
type Poller struct {
	source  Source
	handler Handler
	cfg     Config
	log     zerolog.Logger

	mu          sync.Mutex
	cursors     map[int64]int64
	state       State
	ticks       int
	backoff     *backoff.ExponentialBackOff
	nextAllowed time.Time

	inFlight atomic.Bool

	emitMu  sync.Mutex
	stopped bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a poller. handler may be nil.
func New(source Source, handler Handler, config Config) *Poller {
	cfg := config.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Interval
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	if handler == nil {
		handler = func(Update) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		source:  source,
		handler: handler,
		cfg:     cfg,
		log:     logging.Component(cfg.Logger, "poller"),
		cursors: make(map[int64]int64),
		state:   StateIdle,
		backoff: b,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Track starts following a conversation from cursor, the newest message id the
// caller already has. Tracking an already tracked conversation only moves its
// cursor forward.
func (p *Poller) Track(conversationID, cursor int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.cursors[conversationID]; !ok || cursor > current {
		p.cursors[conversationID] = cursor
	}
}

// Untrack stops following a conversation.
func (p *Poller) Untrack(conversationID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cursors, conversationID)
}

// Cursor returns the newest message id seen for a conversation.
func (p *Poller) Cursor(conversationID int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cursor, ok := p.cursors[conversationID]
	return cursor, ok
}

// Tracked lists tracked conversation ids in ascending order.
func (p *Poller) Tracked() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int64, 0, len(p.cursors))
	for id := range p.cursors {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start launches the background loop. The first tick runs immediately.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.loop()
	})
}

// Stop cancels in-flight requests and waits for the loop. No update is
// delivered after Stop returns.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.emitMu.Lock()
		p.stopped = true
		p.emitMu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
	})
}

func (p *Poller) loop() {
	defer p.wg.Done()

	p.launch()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.inBackoff() {
				p.cfg.Metrics.RecordPollTick("backoff")
				continue
			}
			p.launch()
		case <-p.ctx.Done():
			return
		}
	}
}

// launch runs one tick on its own goroutine so a slow tick never blocks the
// ticker; overlapping ticks are dropped inside Tick.
func (p *Poller) launch() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.Tick(p.ctx)
	}()
}

func (p *Poller) inBackoff() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateBackoff && p.cfg.Now().Before(p.nextAllowed)
}

// Tick performs one poll synchronously. It returns ErrTickInFlight when another
// tick is running, ErrStopped after Stop, or the first fetch error.
func (p *Poller) Tick(ctx context.Context) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.cfg.Metrics.RecordPollTick("skipped")
		return ErrTickInFlight
	}
	defer p.inFlight.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(p.ctx, cancel)
	defer stopWatch()

	p.mu.Lock()
	p.state = StatePolling
	discover := p.ticks%p.cfg.ListEvery == 0
	p.ticks++
	p.mu.Unlock()

	err := p.tick(ctx, discover)
	if err != nil && discover {
		// retry discovery on the next tick
		p.mu.Lock()
		p.ticks = 0
		p.mu.Unlock()
	}
	p.finish(err)
	return err
}

func (p *Poller) tick(ctx context.Context, discover bool) error {
	if discover {
		if err := p.discover(ctx); err != nil {
			return err
		}
	}

	results, err := p.fetchAll(ctx)
	for _, res := range results {
		if u, ok := p.commit(res); ok {
			p.emit(u)
		}
	}
	return err
}

func (p *Poller) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.ctx.Err() != nil:
		p.state = StateStopped
	case err == nil:
		p.state = StateIdle
		p.backoff.Reset()
		p.cfg.Metrics.RecordPollTick("ok")
	default:
		delay := p.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = p.cfg.MaxBackoff
		}
		p.state = StateBackoff
		p.nextAllowed = p.cfg.Now().Add(delay)
		p.cfg.Metrics.RecordPollTick("error")
		p.log.Warn().Err(err).Dur("retry_in", delay).Msg("poll tick failed")
	}
}

func (p *Poller) discover(ctx context.Context) error {
	conversations, err := p.source.ListConversations(ctx)
	if err != nil {
		return err
	}

	for i := range conversations {
		conv := conversations[i]
		cursor := int64(0)
		if conv.LastMessage != nil {
			cursor = conv.LastMessage.ID
		}

		p.mu.Lock()
		_, known := p.cursors[conv.ID]
		if !known {
			p.cursors[conv.ID] = cursor
		}
		p.mu.Unlock()
		if known {
			continue
		}

		p.emit(Update{
			ConversationID: conv.ID,
			LastMessage:    conv.LastMessage,
			Discovered:     true,
			Conversation:   &conv,
		})
	}
	return nil
}

type fetchResult struct {
	conversationID int64
	from           int64
	messages       []models.Message
}

func (p *Poller) fetchAll(ctx context.Context) ([]fetchResult, error) {
	p.mu.Lock()
	snapshot := make(map[int64]int64, len(p.cursors))
	for id, cursor := range p.cursors {
		snapshot[id] = cursor
	}
	p.mu.Unlock()

	ids := make([]int64, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]fetchResult, len(ids))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			messages, err := p.fetchConversation(ctx, id, snapshot[id])
			if err != nil {
				if models.IsNotAvailable(err) {
					p.log.Info().Int64("conversation_id", id).Msg("conversation no longer available, untracking")
					p.Untrack(id)
					return nil
				}
				return err
			}
			results[i] = fetchResult{conversationID: id, from: snapshot[id], messages: messages}
			return nil
		})
	}
	err := g.Wait()

	out := results[:0]
	for _, res := range results {
		if len(res.messages) > 0 {
			out = append(out, res)
		}
	}
	return out, err
}

// fetchConversation follows After pages from cursor until the server reports
// no more or the per-tick page budget is spent.
func (p *Poller) fetchConversation(ctx context.Context, conversationID, cursor int64) ([]models.Message, error) {
	var collected []models.Message
	for page := 0; page < p.cfg.MaxPagesPerTick; page++ {
		res, err := p.source.FetchMessages(ctx, conversationID, models.AfterID(cursor, p.cfg.PageLimit))
		if err != nil {
			if len(collected) > 0 && !models.IsNotAvailable(err) {
				p.log.Debug().Err(err).Int64("conversation_id", conversationID).Msg("partial page fetch")
				return collected, nil
			}
			return nil, err
		}
		for _, m := range res.Messages {
			if m.ID > cursor {
				collected = append(collected, m)
				cursor = m.ID
			}
		}
		if !res.HasMore || len(res.Messages) == 0 {
			break
		}
	}
	return collected, nil
}

// commit advances the stored cursor and drops anything the cursor already
// covers, so a message id is delivered at most once.
func (p *Poller) commit(res fetchResult) (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cursor, tracked := p.cursors[res.conversationID]
	if !tracked {
		return Update{}, false
	}

	fresh := make([]models.Message, 0, len(res.messages))
	for _, m := range res.messages {
		if m.ID > cursor {
			fresh = append(fresh, m)
			cursor = m.ID
		}
	}
	if len(fresh) == 0 {
		return Update{}, false
	}
	p.cursors[res.conversationID] = cursor

	last := fresh[len(fresh)-1]
	return Update{
		ConversationID:  res.conversationID,
		NewMessageCount: len(fresh),
		LastMessage:     lastMessageOf(last),
		Messages:        fresh,
	}, true
}

func (p *Poller) emit(u Update) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	if p.stopped {
		return
	}
	p.handler(u)
}

func lastMessageOf(m models.Message) *models.LastMessage {
	return &models.LastMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Preview:    m.Content,
		CreatedAt:  m.CreatedAt,
		IsDeleted:  m.IsDeleted,
	}
}
