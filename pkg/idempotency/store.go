package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store sheds duplicate payment-return callbacks before they reach the
// coordinator. The conditional transition in the order store stays
// authoritative; this only avoids redundant gateway captures on browser
// refresh or duplicate webhook delivery.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) CaptureKey(externalOrderID string) string {
	return "capture:" + externalOrderID
}

// Seen marks key and reports whether it was already marked.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget clears key so a failed capture can be retried by the caller.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
