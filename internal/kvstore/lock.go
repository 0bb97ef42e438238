package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// lockRetryInterval is the fixed backoff between acquisition attempts
const lockRetryInterval = 50 * time.Millisecond

// releaseScript deletes the lock only while it still carries the releaser's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock tries to create key with a fresh random token and a hold TTL, retrying every 50ms until wait
// elapses. It returns the token needed to release the lock. A connection attempt still in flight is waited out
// within the same budget; an unreachable store ends the attempt immediately.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, hold, wait time.Duration) (string, bool) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		acquired := false
		err := s.exec(ctx, "lock_acquire", func(ctx context.Context, c *redis.Client) error {
			ok, err := c.SetNX(ctx, key, token, hold).Result()
			if err != nil {
				return err
			}
			acquired = ok
			return nil
		})
		if acquired {
			s.logger.Debug("Acquired lock %s", key)
			return token, true
		}
		if !time.Now().Before(deadline) {
			if errors.Is(err, errConnectInProgress) {
				s.recordFailure(ctx, "lock_acquire")
			}
			return "", false
		}
		if err != nil && !errors.Is(err, errConnectInProgress) {
			return "", false
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false
		case <-timer.C:
		}
	}
}

// ReleaseLock deletes key only if it still holds token. It returns false when the lock had already expired,
// was taken over by another holder, or the store was unreachable.
func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) bool {
	if token == "" {
		return false
	}
	var deleted int64
	ok := s.do(ctx, "lock_release", func(ctx context.Context, c *redis.Client) error {
		n, err := releaseScript.Run(ctx, c, []string{key}, token).Int64()
		if err != nil {
			return err
		}
		deleted = n
		return nil
	})
	if ok && deleted == 0 {
		s.logger.Warn("Lock %s was no longer held by this owner at release", key)
	}
	return ok && deleted == 1
}
