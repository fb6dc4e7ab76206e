package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("payment lock not acquired")
)

// Locker guards the money-moving section of a transition per appointment, so
// an overlapping sweep and a direct action cannot both call the gateway for
// the same refund. The conditional status write remains the correctness
// guard; the lock only avoids duplicate gateway calls.
type Locker interface {
	WithPaymentLock(ctx context.Context, appointmentID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisPaymentLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPaymentLocker creates a locker that uses a per appointment Redis key
func NewRedisPaymentLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisPaymentLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisPaymentLocker) WithPaymentLock(ctx context.Context, appointmentID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:payment:%s", appointmentID.String())
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire payment lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisPaymentLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release payment lock: %w", err)
	}
	return nil
}
