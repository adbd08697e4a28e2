package matchmaking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QueueStore persists queue entries so a restart does not lose waiting players.
type QueueStore interface {
	SavePlayer(ctx context.Context, key QueueKey, p QueuePlayer, ttl time.Duration) error
	RemovePlayers(ctx context.Context, key QueueKey, userIDs ...uuid.UUID) error
	DeleteQueue(ctx context.Context, key QueueKey) error
	Load(ctx context.Context) (map[QueueKey][]QueuePlayer, error)
}

const queueIndexKey = "mm:queues"

// RedisQueueStore keeps one hash per queue, field = user id, value = JSON entry.
type RedisQueueStore struct {
	client *redis.Client
}

func NewRedisQueueStore(client *redis.Client) *RedisQueueStore {
	return &RedisQueueStore{client: client}
}

func hashKey(key QueueKey) string {
	return "mm:queue:" + key.String()
}

func (s *RedisQueueStore) SavePlayer(ctx context.Context, key QueueKey, p QueuePlayer, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal queue player: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, hashKey(key), p.UserID.String(), data)
	if ttl > 0 {
		pipe.Expire(ctx, hashKey(key), ttl)
	}
	pipe.SAdd(ctx, queueIndexKey, key.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save queue player: %w", err)
	}
	return nil
}

func (s *RedisQueueStore) RemovePlayers(ctx context.Context, key QueueKey, userIDs ...uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	fields := make([]string, len(userIDs))
	for i, id := range userIDs {
		fields[i] = id.String()
	}
	return s.client.HDel(ctx, hashKey(key), fields...).Err()
}

func (s *RedisQueueStore) DeleteQueue(ctx context.Context, key QueueKey) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, hashKey(key))
	pipe.SRem(ctx, queueIndexKey, key.String())
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisQueueStore) Load(ctx context.Context) (map[QueueKey][]QueuePlayer, error) {
	names, err := s.client.SMembers(ctx, queueIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	out := make(map[QueueKey][]QueuePlayer, len(names))
	for _, name := range names {
		key, err := ParseQueueKey(name)
		if err != nil {
			continue
		}
		fields, err := s.client.HGetAll(ctx, hashKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("load queue %s: %w", name, err)
		}
		for _, raw := range fields {
			var p QueuePlayer
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				continue
			}
			out[key] = append(out[key], p)
		}
	}
	return out, nil
}
