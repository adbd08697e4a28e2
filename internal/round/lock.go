package round

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides mutual exclusion for round transitions across processes.
type Locker interface {
	// Acquire returns ErrLockHeld when another holder owns the key.
	Acquire(ctx context.Context, key Key, ttl time.Duration) (unlock func() error, err error)
}

// only delete the lock when we still own it
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker is a SETNX lock with a compare-and-delete release.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key Key, ttl time.Duration) (func() error, error) {
	lockKey := fmt.Sprintf("round:lock:%s", key.String())
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	unlock := func() error {
		// release must outlive a cancelled request context
		return unlockScript.Run(context.WithoutCancel(ctx), l.client, []string{lockKey}, token).Err()
	}
	return unlock, nil
}

// LocalLocker is the single-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[Key]string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[Key]string)}
}

func (l *LocalLocker) Acquire(_ context.Context, key Key, _ time.Duration) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = token
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}

// gateSet hands out one RWMutex per round key and frees it when unused.
// Bets share the read side; transitions take the write side.
type gateSet struct {
	mu    sync.Mutex
	gates map[Key]*gate
}

type gate struct {
	sync.RWMutex
	refs int
}

func newGateSet() *gateSet {
	return &gateSet{gates: make(map[Key]*gate)}
}

func (s *gateSet) acquire(key Key) *gate {
	s.mu.Lock()
	g, ok := s.gates[key]
	if !ok {
		g = &gate{}
		s.gates[key] = g
	}
	g.refs++
	s.mu.Unlock()
	return g
}

func (s *gateSet) release(key Key, g *gate) {
	s.mu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(s.gates, key)
	}
	s.mu.Unlock()
}

func (s *gateSet) rlock(key Key) func() {
	g := s.acquire(key)
	g.RLock()
	return func() {
		g.RUnlock()
		s.release(key, g)
	}
}

func (s *gateSet) lock(key Key) func() {
	g := s.acquire(key)
	g.Lock()
	return func() {
		g.Unlock()
		s.release(key, g)
	}
}
