package lock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

const lockKey = "coachcall:voice_lock"

// releaseScript deletes the lock only when the caller still owns it, so a
// release after TTL expiry cannot free someone else's acquisition.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock is a voice lock shared across processes, held with a TTL so a
// crashed process cannot orphan it forever.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock creates a redis-backed voice lock. A zero ttl defaults to
// fifteen minutes, comfortably past the maximum call duration.
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLock{client: client, ttl: ttl}
}

// Acquire implements VoiceLock.
func (l *RedisLock) Acquire(ctx context.Context, owner string) (func(), error) {
	if owner == "" {
		return nil, core.NewInvalidRequestError("lock owner must not be empty")
	}

	ok, err := l.client.SetNX(ctx, lockKey, owner, l.ttl).Result()
	if err != nil {
		return nil, core.NewTransportError(core.CodeTimeout, "voice lock backend unavailable").Wrap(err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, lockKey).Result()
		return nil, core.NewConflictError("another call is already active: " + holder)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must work even when the caller's context is done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{lockKey}, owner).Err()
		})
	}
	return release, nil
}

// Holder implements VoiceLock.
func (l *RedisLock) Holder() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	holder, err := l.client.Get(ctx, lockKey).Result()
	if err != nil {
		return ""
	}
	return holder
}
