package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release only deletes the key if it still holds our token.
var releaseScript = redis.NewScript(`
    if redis.call("get", KEYS[1]) == ARGV[1] then
        return redis.call("del", KEYS[1])
    else
        return 0
    end
`)

// Locker hands out short-lived exclusive locks (SET NX PX).
type Locker struct {
	rdb    *redis.Client
	prefix string
}

func NewLocker(rdb *redis.Client, prefix string) *Locker {
	return &Locker{rdb: rdb, prefix: prefix}
}

// Lock is a held lock; Release is safe to call after the TTL elapsed.
type Lock struct {
	rdb   *redis.Client
	key   string
	value string
}

// TryLock returns (nil, nil) when someone else holds the lock.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := l.prefix + name
	value := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{rdb: l.rdb, key: key, value: value}, nil
}

// Release reports whether the lock was still ours when released.
func (lk *Lock) Release(ctx context.Context) (bool, error) {
	deleted, err := releaseScript.Run(ctx, lk.rdb, []string{lk.key}, lk.value).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", lk.key, err)
	}
	return deleted == 1, nil
}
