package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another run for the same user is in
// flight. Evaluations for one user against one constitution version are
// serialized to keep "latest evaluation" unambiguous.
var ErrLockHeld = errors.New("evaluation already running for user")

// Locker serializes evaluation runs per user.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is the in-process Locker used in single-node deployments.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewKeyedMutex creates an in-process lock set.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]bool)}
}

// Acquire takes the lock for key or fails fast with ErrLockHeld.
func (k *KeyedMutex) Acquire(_ context.Context, key string) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.held[key] {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	k.held[key] = true
	return func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		delete(k.held, key)
	}, nil
}

// redisReleaseScript deletes the lock only if the caller still owns it.
// KEYS[1] = lock key, ARGV[1] = owner token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes runs across nodes with SET NX PX. The TTL
// bounds lock lifetime if a node dies mid-run; evaluations are short,
// CPU-bound computations, so a small TTL suffices.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a distributed locker.
func NewRedisLocker(addr, password string, db int, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

// Acquire takes the distributed lock for key or fails with ErrLockHeld.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lockKey := "covenant:evallock:" + key

	ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return func() {
		_ = redisReleaseScript.Run(context.Background(), r.client, []string{lockKey}, token).Err()
	}, nil
}
