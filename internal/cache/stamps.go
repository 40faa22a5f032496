package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisStampPrefix = "stamp"

// Stamps records when a cached view was last invalidated. Readers compare the stamp
// with the age of their cached copy.
type Stamps interface {
	Touch(ctx context.Context, keys ...string) error
	LastUpdated(ctx context.Context, key string) (time.Time, bool, error)
}

// MemoryStamps keeps stamps in process memory.
type MemoryStamps struct {
	mu     sync.RWMutex
	stamps map[string]time.Time
	clock  func() time.Time
}

// NewMemoryStamps constructs an empty stamp table.
func NewMemoryStamps(clock func() time.Time) *MemoryStamps {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStamps{stamps: make(map[string]time.Time), clock: clock}
}

func (s *MemoryStamps) Touch(_ context.Context, keys ...string) error {
	now := s.clock().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.stamps[key] = now
	}
	return nil
}

func (s *MemoryStamps) LastUpdated(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stamp, ok := s.stamps[key]
	return stamp, ok, nil
}

// RedisStamps shares stamps between instances.
type RedisStamps struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisStamps wraps a redis client.
func NewRedisStamps(client *redis.Client, clock func() time.Time) (*RedisStamps, error) {
	if client == nil {
		return nil, errors.New("redis stamps: client required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisStamps{client: client, clock: clock}, nil
}

func (s *RedisStamps) Touch(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	now := strconv.FormatInt(s.clock().UnixMilli(), 10)
	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, redisStampKey(key), now, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStamps) LastUpdated(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, redisStampKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(raw).UTC(), true, nil
}

func redisStampKey(key string) string {
	return fmt.Sprintf("%s:%s", redisStampPrefix, key)
}

// RedisOptions configures the shared redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedis connects and pings the server once.
func OpenRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis: address required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

// Discard is a Stamps that remembers nothing.
type Discard struct{}

func (Discard) Touch(context.Context, ...string) error { return nil }

func (Discard) LastUpdated(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
