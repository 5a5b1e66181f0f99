package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotAcquired is returned when the lock is held by another owner for
// the whole acquire window.
var ErrLockNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the lock only if the caller still owns it, so a
// worker whose lease expired cannot release a lock re-acquired by a peer.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock is a distributed mutex with a TTL lease.
type Lock struct {
	client *Client
	key    string
	token  string
	lease  time.Duration
}

// AcquireLock tries to take the named lock, retrying until acquireTimeout
// elapses. The lock auto-expires after lease, so a crashed holder cannot
// wedge the fleet.
func (c *Client) AcquireLock(ctx context.Context, key string, lease, acquireTimeout time.Duration) (*Lock, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(acquireTimeout)

	for {
		ok, err := c.rdb.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			c.logger.Debug("lock acquired",
				zap.String("key", key),
				zap.Duration("lease", lease))
			return &Lock{client: c, key: key, token: token, lease: lease}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Release frees the lock if still owned. Safe to call after lease expiry.
func (l *Lock) Release(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if released == 0 {
		l.client.logger.Warn("lock already expired or taken over", zap.String("key", l.key))
	}
	return nil
}

// Refresh extends the lease if still owned.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	refreshed, err := l.client.rdb.Eval(ctx, `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`, []string{l.key}, l.token, l.lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return refreshed == 1, nil
}
