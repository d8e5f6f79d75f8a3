// internal/services/lock_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/medequip-scraper/internal/utils"
)

// Locker guards a named resource across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker holds a lock as a key with a random owner token. The TTL is
// renewed while the holder is alive, so a crashed process frees the lock
// after at most one TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Entry
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		log:    logrus.WithField("component", "redis_lock"),
	}
}

// Acquire returns ErrLockHeld when another owner has key.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := utils.GenerateRandomString(24)
	if err != nil {
		return nil, err
	}

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.heartbeat(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token, stop, done) })
	}, nil
}

func (l *RedisLocker) release(key, token string, stop chan struct{}, done <-chan struct{}) {
	close(stop)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		l.log.WithError(err).WithField("key", key).Warn("Failed to release lock")
	}
}

func (l *RedisLocker) heartbeat(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.log.WithError(err).WithField("key", key).Warn("Failed to extend lock")
				continue
			}
			if n == 0 {
				l.log.WithField("key", key).Warn("Lock lost to another owner")
				return
			}
		}
	}
}
