package cache

import (
	"context"
	"time"
)

// Provider defines the sorted-set operations behind the shared activity
// mirror: time-scored writes, range reads, and TTL refresh.
type Provider interface {
	ZAdd(ctx context.Context, key string, score float64, member []byte) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([][]byte, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// ZAdd discards the member and returns nil.
func (NoopProvider) ZAdd(context.Context, string, float64, []byte) error { return nil }

// ZRangeByScore always returns an empty range.
func (NoopProvider) ZRangeByScore(context.Context, string, float64, float64) ([][]byte, error) {
	return nil, nil
}

// Expire is a no-op for the noop cache.
func (NoopProvider) Expire(context.Context, string, time.Duration) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
