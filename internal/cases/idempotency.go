package cases

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

	"github.com/pitabwire/closing/model"
)

// IdempotencyStore deduplicates case mutations. Keys have the form
// "idem:{scope}:{key}" where scope is "{tenant}/{case ID}", or
// "create/{tenant}" for case creation.
type IdempotencyStore interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached view. If the key exists but
	// the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (view *model.CaseView, found bool, err error)

	// Store saves a mutation result keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key, inputHash string, view model.CaseView, ttl time.Duration) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	InputHash string         `json:"input_hash"`
	View      model.CaseView `json:"view"`
}

func keyConflict(key string) *model.ErrorEnvelope {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
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

// Check looks up a cached view. Returns CONFLICT if the input hash differs.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*model.CaseView, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		// A concurrent Store may have replaced the entry since the read.
		if cur, ok := s.entries[key]; ok && s.now().After(cur.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.InputHash != inputHash {
		return nil, true, keyConflict(key)
	}

	view := entry.data.View
	return &view, true, nil
}

// Store saves a view with TTL. Expired entries are swept on the way.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, view model.CaseView, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, View: view},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error {
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
	client redis.UniversalClient
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached view in Redis. Returns CONFLICT if the input hash
// differs.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*model.CaseView, bool, error) {
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
		return nil, true, keyConflict(key)
	}
	return &entry.View, true, nil
}

// Store saves a view in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, view model.CaseView, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, View: view})
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
	return s.client.Ping(ctx).Err()
}

// FormatIdempotencyKey builds the standard idempotency key.
func FormatIdempotencyKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// hashInput produces a deterministic hash of a mutation for idempotency
// comparison. encoding/json sorts map keys, so equal payloads hash equally.
func hashInput(action, stepCode string, payload any) string {
	data, _ := json.Marshal(struct {
		Action   string `json:"action"`
		StepCode string `json:"step_code"`
		Payload  any    `json:"payload"`
	}{action, stepCode, payload})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
