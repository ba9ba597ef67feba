package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while the caller still owns it, so a
// run that outlived its TTL cannot free a lock another worker acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out job locks stored as cron_lock:<job> keys.
type Locker struct {
	cache  *Cache
	logger *slog.Logger
}

// NewLocker creates a Locker over c. A nil logger uses slog.Default.
func NewLocker(c *Cache, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{cache: c, logger: logger}
}

// Acquire tries to take the lock for job. When acquired is false another
// worker holds it and release is nil. release is safe to call once in a
// defer and uses a fresh context so it still runs after ctx is canceled.
func (l *Locker) Acquire(ctx context.Context, job string, ttl time.Duration) (release func(), acquired bool, err error) {
	key := CronLockKey(job)
	token := uuid.NewString()

	ok, err := l.cache.SetNX(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}

	release = func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.cache.client, []string{l.cache.key(key)}, token).Err(); err != nil {
			// The lock stays until its TTL runs out.
			l.logger.WarnContext(releaseCtx, "failed to release job lock",
				"lock_key", key,
				"error", err,
			)
		}
	}
	return release, true, nil
}
