package fairness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSeedTTL = 30 * 24 * time.Hour

// RedisSeedStore keeps commitments in Redis; SETNX guarantees a seed is written once.
type RedisSeedStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ SeedStore = (*RedisSeedStore)(nil)

func NewRedisSeedStore(client *redis.Client, ttl time.Duration) *RedisSeedStore {
	if ttl <= 0 {
		ttl = defaultSeedTTL
	}
	return &RedisSeedStore{client: client, ttl: ttl}
}

func (s *RedisSeedStore) seedKey(key RoundKey) string {
	return fmt.Sprintf("fair:seed:%s", key.String())
}

func (s *RedisSeedStore) revealKey(key RoundKey) string {
	return fmt.Sprintf("fair:reveal:%s", key.String())
}

func (s *RedisSeedStore) PutIfAbsent(ctx context.Context, key RoundKey, seed string) (string, error) {
	return s.setOnce(ctx, s.seedKey(key), seed)
}

func (s *RedisSeedStore) Get(ctx context.Context, key RoundKey) (string, error) {
	seed, err := s.client.Get(ctx, s.seedKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get seed: %w", err)
	}
	return seed, nil
}

func (s *RedisSeedStore) RecordReveal(ctx context.Context, key RoundKey, seed string) (string, error) {
	return s.setOnce(ctx, s.revealKey(key), seed)
}

func (s *RedisSeedStore) setOnce(ctx context.Context, redisKey, value string) (string, error) {
	ok, err := s.client.SetNX(ctx, redisKey, value, s.ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return value, nil
	}
	existing, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		return "", err
	}
	return existing, nil
}

// MemorySeedStore is a process-local SeedStore for single-node runs and tests.
type MemorySeedStore struct {
	mu      sync.Mutex
	seeds   map[RoundKey]string
	reveals map[RoundKey]string
}

var _ SeedStore = (*MemorySeedStore)(nil)

func NewMemorySeedStore() *MemorySeedStore {
	return &MemorySeedStore{
		seeds:   make(map[RoundKey]string),
		reveals: make(map[RoundKey]string),
	}
}

func (s *MemorySeedStore) PutIfAbsent(_ context.Context, key RoundKey, seed string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.seeds[key]; ok {
		return existing, nil
	}
	s.seeds[key] = seed
	return seed, nil
}

func (s *MemorySeedStore) Get(_ context.Context, key RoundKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seed, ok := s.seeds[key]
	if !ok {
		return "", ErrNotFound
	}
	return seed, nil
}

func (s *MemorySeedStore) RecordReveal(_ context.Context, key RoundKey, seed string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.reveals[key]; ok {
		return existing, nil
	}
	s.reveals[key] = seed
	return seed, nil
}
