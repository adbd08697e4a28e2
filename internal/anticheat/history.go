package anticheat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entry is one prior finding in a user's offense history.
type Entry struct {
	LogID    uuid.UUID `json:"log_id"`
	Flag     FlagType  `json:"flag"`
	Severity Severity  `json:"severity"`
	Action   Action    `json:"action"`
	At       time.Time `json:"at"`
}

// History summarizes a user's prior findings for escalation and action selection.
type History struct {
	RecentFlags   int
	SameSeverity  map[Severity]int
	Warnings      int
	Invalidations int
	Terminations  int
	TemporaryBans int
}

// Summarize counts entries; flag and severity counts only include entries inside window.
func Summarize(entries []Entry, now time.Time, window time.Duration) History {
	h := History{SameSeverity: make(map[Severity]int)}
	since := now.Add(-window)
	for _, e := range entries {
		if !e.At.Before(since) {
			h.RecentFlags++
			h.SameSeverity[e.Severity]++
		}
		switch e.Action {
		case ActionWarningIssued:
			h.Warnings++
		case ActionScoreInvalidated:
			h.Invalidations++
		case ActionSessionTerminated:
			h.Terminations++
		case ActionTemporaryBan:
			h.TemporaryBans++
		}
	}
	return h
}

// HistoryStore keeps per-user offense history.
type HistoryStore interface {
	Record(ctx context.Context, userID uuid.UUID, e Entry) error
	// Since returns entries at or after since, oldest first.
	Since(ctx context.Context, userID uuid.UUID, since time.Time) ([]Entry, error)
}

// RedisHistoryStore keeps history in one sorted set per user scored by unix millis.
type RedisHistoryStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisHistoryStore(client *redis.Client, retention time.Duration) *RedisHistoryStore {
	return &RedisHistoryStore{client: client, retention: retention}
}

func (s *RedisHistoryStore) key(userID uuid.UUID) string {
	return fmt.Sprintf("ac:history:%s", userID)
}

func (s *RedisHistoryStore) Record(ctx context.Context, userID uuid.UUID, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	key := s.key(userID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.At.UnixMilli()), Member: data})
	if s.retention > 0 {
		cutoff := e.At.Add(-s.retention).UnixMilli()
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

func (s *RedisHistoryStore) Since(ctx context.Context, userID uuid.UUID, since time.Time) ([]Entry, error) {
	raw, err := s.client.ZRangeByScore(ctx, s.key(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, member := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MemoryHistoryStore is an in-process HistoryStore.
type MemoryHistoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]Entry
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{entries: make(map[uuid.UUID][]Entry)}
}

func (s *MemoryHistoryStore) Record(_ context.Context, userID uuid.UUID, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.entries[userID], e)
	sort.SliceStable(list, func(i, j int) bool { return list[i].At.Before(list[j].At) })
	s.entries[userID] = list
	return nil
}

func (s *MemoryHistoryStore) Since(_ context.Context, userID uuid.UUID, since time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries[userID] {
		if !e.At.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Blocklist records banned users; matchmaking consults it on join.
type Blocklist interface {
	// Ban blocks the user for ttl, or permanently when ttl is zero.
	Ban(ctx context.Context, userID uuid.UUID, ttl time.Duration) error
	IsBlocked(ctx context.Context, userID uuid.UUID) (bool, error)
}

type RedisBlocklist struct {
	client *redis.Client
}

func NewRedisBlocklist(client *redis.Client) *RedisBlocklist {
	return &RedisBlocklist{client: client}
}

func (b *RedisBlocklist) key(userID uuid.UUID) string {
	return fmt.Sprintf("ac:ban:%s", userID)
}

func (b *RedisBlocklist) Ban(ctx context.Context, userID uuid.UUID, ttl time.Duration) error {
	key := b.key(userID)
	if ttl <= 0 {
		return b.client.Set(ctx, key, "permanent", 0).Err()
	}
	// never shorten an existing permanent ban
	current, err := b.client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read ban: %w", err)
	}
	if current == "permanent" {
		return nil
	}
	return b.client.Set(ctx, key, "temporary", ttl).Err()
}

func (b *RedisBlocklist) IsBlocked(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return n > 0, nil
}

// MemoryBlocklist is an in-process Blocklist.
type MemoryBlocklist struct {
	mu    sync.Mutex
	until map[uuid.UUID]time.Time
	now   func() time.Time
}

func NewMemoryBlocklist() *MemoryBlocklist {
	return &MemoryBlocklist{until: make(map[uuid.UUID]time.Time), now: time.Now}
}

func (b *MemoryBlocklist) Ban(_ context.Context, userID uuid.UUID, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.until[userID]; ok && current.IsZero() {
		return nil
	}
	if ttl <= 0 {
		b.until[userID] = time.Time{}
		return nil
	}
	b.until[userID] = b.now().Add(ttl)
	return nil
}

func (b *MemoryBlocklist) IsBlocked(_ context.Context, userID uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.until[userID]
	if !ok {
		return false, nil
	}
	if until.IsZero() || b.now().Before(until) {
		return true, nil
	}
	delete(b.until, userID)
	return false, nil
}
