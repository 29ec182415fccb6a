package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps the redis client used by the api.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// FixedWindowLimiter counts hits per key in fixed windows.
type FixedWindowLimiter struct {
	store  *Store
	prefix string
	limit  int
	window time.Duration
}

func (s *Store) NewLimiter(prefix string, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{store: s, prefix: prefix, limit: limit, window: window}
}

// Allow records one hit for key and reports whether it is within the limit,
// along with the time left in the current window.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := l.prefix + ":" + key

	count, err := l.store.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", k, err)
	}

	ttl, err := l.store.rdb.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", k, err)
	}
	// first hit of a window, or a key left without expiry by an interrupted caller
	if count == 1 || ttl < 0 {
		if err := l.store.rdb.PExpire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit %s: %w", k, err)
		}
		ttl = l.window
	}

	return count <= int64(l.limit), ttl, nil
}
