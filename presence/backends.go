package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps timestamps in process memory. Useful for single-node
// deployments and tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	seen map[int64]time.Time
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{seen: make(map[int64]time.Time)}
}

// Touch stores at unless a later timestamp is already recorded.
func (b *MemoryBackend) Touch(_ context.Context, userID int64, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.seen[userID]; ok && prev.After(at) {
		return nil
	}
	b.seen[userID] = at
	return nil
}

// LastSeen returns the recorded timestamps for userIDs.
func (b *MemoryBackend) LastSeen(_ context.Context, userIDs []int64) (map[int64]time.Time, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[int64]time.Time, len(userIDs))
	for _, id := range userIDs {
		if at, ok := b.seen[id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

// LastSeenStore is the part of storage.Store used by StoreBackend.
type LastSeenStore interface {
	TouchUserLastSeen(ctx context.Context, id int64, lastSeen int64) error
	GetUsersLastSeen(ctx context.Context, ids []int64) (map[int64]int64, error)
}

// StoreBackend keeps timestamps in the users table so they survive restarts.
type StoreBackend struct {
	store LastSeenStore
}

// NewStoreBackend wraps store.
func NewStoreBackend(store LastSeenStore) *StoreBackend {
	return &StoreBackend{store: store}
}

// Touch writes the user's last_seen_at.
func (b *StoreBackend) Touch(ctx context.Context, userID int64, at time.Time) error {
	return b.store.TouchUserLastSeen(ctx, userID, at.UnixMilli())
}

// LastSeen reads last_seen_at for userIDs with one query.
func (b *StoreBackend) LastSeen(ctx context.Context, userIDs []int64) (map[int64]time.Time, error) {
	raw, err := b.store.GetUsersLastSeen(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]time.Time, len(raw))
	for id, ms := range raw {
		out[id] = time.UnixMilli(ms)
	}
	return out, nil
}
