package guest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/peerflow/model"
)

// IdempotencyStore caches the outcome of guest submissions so a replayed
// request is answered without opening a transaction. The key format is
// "idem:guest:{token}:{state}".
type IdempotencyStore interface {
	// Check looks up a previous outcome. It reports a hit only when the key
	// exists and was stored with the same input hash; a different hash is a
	// miss so the coordinator can judge the new content.
	Check(ctx context.Context, key, inputHash string) (outcome *model.TransitionOutcome, hit bool, err error)

	// Store saves an outcome keyed by key with a TTL.
	Store(ctx context.Context, key, inputHash string, outcome model.TransitionOutcome, ttl time.Duration) error

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	InputHash string                  `json:"input_hash"`
	Outcome   model.TransitionOutcome `json:"outcome"`
}

// FormatIdempotencyKey builds the cache key of a guest submission.
func FormatIdempotencyKey(token string, state model.State) string {
	return fmt.Sprintf("idem:guest:%s:%s", token, state)
}

// InputHash fingerprints the parts of a submission that decide its effect.
func InputHash(state model.State, contentHash string) string {
	sum := sha256.Sum256([]byte(string(state) + "\x00" + contentHash))
	return hex.EncodeToString(sum[:])
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached outcome.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*model.TransitionOutcome, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, false, nil
	}

	outcome := entry.data.Outcome
	return &outcome, true, nil
}

// Store saves an outcome with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, outcome model.TransitionOutcome, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Outcome: outcome},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached outcome in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*model.TransitionOutcome, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, false, nil
	}
	return &entry.Outcome, true, nil
}

// Store saves an outcome in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, outcome model.TransitionOutcome, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
