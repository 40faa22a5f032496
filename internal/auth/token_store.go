package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTokenKeyPrefix = "earning:token"

type memoryEntry struct {
	record    TokenRecord
	expiresAt time.Time
}

// MemoryTokenStore is a process-local TokenStore. Outstanding tokens are lost on restart.
type MemoryTokenStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemoryTokenStore constructs an empty in-process store.
func NewMemoryTokenStore(clock func() time.Time) *MemoryTokenStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryTokenStore{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

func (s *MemoryTokenStore) Put(_ context.Context, userID string, record TokenRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = memoryEntry{record: record, expiresAt: s.clock().Add(ttl)}
	return nil
}

// Take removes and returns the record. Expired records are still returned so the
// verifier can report expiry; Sweep is what reclaims abandoned ones.
func (s *MemoryTokenStore) Take(_ context.Context, userID string) (TokenRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	if !ok {
		return TokenRecord{}, false, nil
	}
	delete(s.entries, userID)
	return entry.record, true, nil
}

// Sweep drops records whose expiry is before now and reports how many were removed.
func (s *MemoryTokenStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for userID, entry := range s.entries {
		if entry.expiresAt.Before(now) {
			delete(s.entries, userID)
			removed++
		}
	}
	return removed
}

// Len reports the number of outstanding tokens.
func (s *MemoryTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisTokenStore shares outstanding tokens between API instances.
type RedisTokenStore struct {
	client *redis.Client
	grace  time.Duration
}

// NewRedisTokenStore wraps a redis client. Keys outlive the token TTL by grace so that
// late redemptions are reported as expired rather than unknown.
func NewRedisTokenStore(client *redis.Client, grace time.Duration) (*RedisTokenStore, error) {
	if client == nil {
		return nil, errors.New("redis token store: client required")
	}
	if grace < 0 {
		grace = 0
	}
	return &RedisTokenStore{client: client, grace: grace}, nil
}

func (s *RedisTokenStore) Put(ctx context.Context, userID string, record TokenRecord, ttl time.Duration) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis token store: encode: %w", err)
	}
	return s.client.Set(ctx, redisTokenKey(userID), encoded, ttl+s.grace).Err()
}

func (s *RedisTokenStore) Take(ctx context.Context, userID string) (TokenRecord, bool, error) {
	raw, err := s.client.GetDel(ctx, redisTokenKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TokenRecord{}, false, nil
	}
	if err != nil {
		return TokenRecord{}, false, err
	}
	var record TokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return TokenRecord{}, false, fmt.Errorf("redis token store: decode: %w", err)
	}
	return record, true, nil
}

func redisTokenKey(userID string) string {
	return fmt.Sprintf("%s:%s", redisTokenKeyPrefix, userID)
}
