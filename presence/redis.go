package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKeyPrefix namespaces presence keys.
	DefaultRedisKeyPrefix = "convsync:presence:"
	// DefaultRedisRetention is how long a last-seen key outlives the last touch.
	DefaultRedisRetention = 7 * 24 * time.Hour
)

// DialRedis connects to the server at url and verifies it answers.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// RedisBackend shares presence across API nodes. Each user is one string key
// holding unix millis.
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// RedisOption customizes a RedisBackend.
type RedisOption func(*RedisBackend)

// WithKeyPrefix overrides DefaultRedisKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithRetention overrides DefaultRedisRetention.
func WithRetention(d time.Duration) RedisOption {
	return func(b *RedisBackend) {
		if d > 0 {
			b.retention = d
		}
	}
}

// NewRedisBackend wraps client.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		client:    client,
		prefix:    DefaultRedisKeyPrefix,
		retention: DefaultRedisRetention,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) key(userID int64) string {
	return b.prefix + strconv.FormatInt(userID, 10)
}

// Touch sets the user's key and refreshes its expiry.
func (b *RedisBackend) Touch(ctx context.Context, userID int64, at time.Time) error {
	if err := b.client.Set(ctx, b.key(userID), at.UnixMilli(), b.retention).Err(); err != nil {
		return fmt.Errorf("redis: touch user %d: %w", userID, err)
	}
	return nil
}

// LastSeen reads every key with a single MGET.
func (b *RedisBackend) LastSeen(ctx context.Context, userIDs []int64) (map[int64]time.Time, error) {
	out := make(map[int64]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = b.key(id)
	}

	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget presence: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[userIDs[i]] = time.UnixMilli(ms)
	}
	return out, nil
}

// Close releases the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
