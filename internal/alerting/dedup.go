package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reliableagents/controlplane/internal/clock"
)

// DedupStore tracks recently-seen dedup keys so Manager can suppress
// repeat alerts within a window. Implementations must be safe for
// concurrent use.
type DedupStore interface {
	SeenRecently(ctx context.Context, key string, window time.Duration) (bool, error)
	Mark(ctx context.Context, key string, window time.Duration) error
}

// MemoryDedupStore is an in-process DedupStore backed by a map with
// lazily-swept expirations, suitable for single-instance deployments
// and tests.
type MemoryDedupStore struct {
	clk clock.Clock
	mu  sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDedupStore constructs an in-memory dedup store.
func NewMemoryDedupStore(clk clock.Clock) *MemoryDedupStore {
	return &MemoryDedupStore{clk: clk, seen: make(map[string]time.Time)}
}

func (s *MemoryDedupStore) SeenRecently(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markedAt, ok := s.seen[key]
	if !ok {
		return false, nil
	}
	if s.clk.Now().Sub(markedAt) > window {
		delete(s.seen, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryDedupStore) Mark(_ context.Context, key string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = s.clk.Now()
	return nil
}

// RedisDedupStore is a DedupStore backed by Redis, suitable for
// fleets of control-plane replicas sharing one dedup table. SeenRecently
// checks whether the key exists, so a key is "seen" while a Mark by any
// replica is still within its TTL; Mark sets the key with the window as
// TTL. The check and the set are separate calls, not one atomic step.
type RedisDedupStore struct {
	client *redis.Client
	prefix string
}

// NewRedisDedupStore constructs a Redis-backed dedup store. keyPrefix
// namespaces keys within a shared Redis instance.
func NewRedisDedupStore(client *redis.Client, keyPrefix string) *RedisDedupStore {
	return &RedisDedupStore{client: client, prefix: keyPrefix}
}

func (s *RedisDedupStore) redisKey(key string) string {
	return s.prefix + key
}

func (s *RedisDedupStore) SeenRecently(ctx context.Context, key string, window time.Duration) (bool, error) {
	n, err := s.client.Exists(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisDedupStore) Mark(ctx context.Context, key string, window time.Duration) error {
	return s.client.Set(ctx, s.redisKey(key), "1", window).Err()
}
