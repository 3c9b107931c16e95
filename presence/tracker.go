// Package presence tracks which users were recently active.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"convsync/logging"
	"convsync/metrics"
	"convsync/models"
)

const (
	// DefaultTTL is how long a user stays online after the last touch.
	DefaultTTL = 30 * time.Second
	// MaxBatchSize caps the ids accepted by one GetPresenceBatch call.
	MaxBatchSize = 500
)

// ErrBatchTooLarge is returned when a lookup asks for more than MaxBatchSize ids.
var ErrBatchTooLarge = errors.New("presence: batch too large")

// Backend persists last-activity timestamps. LastSeen must answer the whole
// batch with one round trip and omit users it has never seen.
type Backend interface {
	Touch(ctx context.Context, userID int64, at time.Time) error
	LastSeen(ctx context.Context, userIDs []int64) (map[int64]time.Time, error)
}

// Config controls a Tracker.
type Config struct {
	TTL     time.Duration
	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	out := c
	if out.TTL <= 0 {
		out.TTL = DefaultTTL
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Tracker answers "who is online" on top of a Backend. Touches are throttled
// locally to one backend write per user per TTL/3.
type Tracker struct {
	backend Backend
	cfg     Config
	log     zerolog.Logger

	mu        sync.Mutex
	lastWrite map[int64]time.Time
}

// NewTracker creates a tracker over backend.
func NewTracker(backend Backend, config Config) *Tracker {
	cfg := config.withDefaults()
	return &Tracker{
		backend:   backend,
		cfg:       cfg,
		log:       logging.Component(cfg.Logger, "presence"),
		lastWrite: make(map[int64]time.Time),
	}
}

// TTL returns the online window.
func (t *Tracker) TTL() time.Duration {
	return t.cfg.TTL
}

// Touch records activity for userID.
func (t *Tracker) Touch(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return errors.New("presence: user id must be > 0")
	}

	now := t.cfg.Now()
	if !t.claimWrite(userID, now) {
		return nil
	}

	if err := t.backend.Touch(ctx, userID, now); err != nil {
		t.releaseWrite(userID, now)
		return err
	}
	return nil
}

func (t *Tracker) claimWrite(userID int64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastWrite[userID]; ok && now.Sub(last) < t.cfg.TTL/3 {
		return false
	}
	t.lastWrite[userID] = now
	if len(t.lastWrite) > 4*MaxBatchSize {
		t.evictLocked(now)
	}
	return true
}

func (t *Tracker) releaseWrite(userID int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastWrite[userID].Equal(at) {
		delete(t.lastWrite, userID)
	}
}

// evictLocked drops throttle entries that can no longer suppress a write.
func (t *Tracker) evictLocked(now time.Time) {
	for id, last := range t.lastWrite {
		if now.Sub(last) >= t.cfg.TTL/3 {
			delete(t.lastWrite, id)
		}
	}
}

// GetPresenceBatch returns the presence of every requested user with one
// backend lookup. Unknown users are reported offline without a last-seen time.
// Backend failures wrap models.ErrTransientIO.
func (t *Tracker) GetPresenceBatch(ctx context.Context, userIDs []int64) (map[int64]models.Presence, error) {
	ids := make([]int64, 0, len(userIDs))
	seen := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	out := make(map[int64]models.Presence, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	started := time.Now()
	lastSeen, err := t.backend.LastSeen(ctx, ids)
	logging.LogStoreOperation(t.log, "presence_batch", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("presence batch: %w: %w", models.ErrTransientIO, err)
	}
	t.cfg.Metrics.RecordPresenceBatch(len(ids))

	now := t.cfg.Now()
	for _, id := range ids {
		p := models.Presence{UserID: id}
		if at, ok := lastSeen[id]; ok {
			ms := at.UnixMilli()
			p.LastSeenAt = &ms
			p.IsOnline = now.Sub(at) < t.cfg.TTL
		}
		out[id] = p
	}
	return out, nil
}
