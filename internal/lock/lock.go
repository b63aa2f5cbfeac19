// Package lock provides the single-writer leader lock that keeps two
// controller instances from driving the same relay board.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if we still own the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Leader reports whether this instance may write to the bus.
type Leader interface {
	IsLeader() bool
}

// RedisLock is a lease held in Redis with SET NX PX.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	log    *zap.Logger

	mu   sync.RWMutex
	held bool
}

// NewRedisLock creates a lock on key. Each instance gets a random token.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration, log *zap.Logger) *RedisLock {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		log:    log.Named("lock"),
	}
}

// IsLeader reports whether the lease was held at the last refresh.
func (l *RedisLock) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held
}

// Refresh acquires the lease if free, or extends it if we hold it.
func (l *RedisLock) Refresh(ctx context.Context) (bool, error) {
	held, err := l.refresh(ctx)

	l.mu.Lock()
	changed := held != l.held
	l.held = held
	l.mu.Unlock()

	if changed {
		if held {
			l.log.Info("acquired leader lock", zap.String("key", l.key))
		} else {
			l.log.Warn("lost leader lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return held, err
}

func (l *RedisLock) refresh(ctx context.Context) (bool, error) {
	if l.IsLeader() {
		n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("extend lock: %w", err)
		}
		if n == 1 {
			return true, nil
		}
	}
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// Release gives up the lease if we hold it.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()

	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Run refreshes the lease every ttl/3 until ctx is cancelled, then releases it.
func (l *RedisLock) Run(ctx context.Context) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	if _, err := l.Refresh(ctx); err != nil {
		l.log.Warn("lock refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := l.Release(rctx); err != nil {
				l.log.Warn("lock release failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := l.Refresh(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn("lock refresh failed", zap.Error(err))
			}
		}
	}
}

// Always is a Leader for single-instance deployments.
type Always struct{}

func (Always) IsLeader() bool { return true }
