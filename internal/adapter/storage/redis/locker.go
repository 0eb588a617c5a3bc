package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

var errLockHeld = errors.New("lock held by another owner")

// unlockScript deletes the key only if it still holds our token, so an
// expired lease taken over by another process is left alone.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements ports.AggregateLocker across processes with leased keys
// (SET NX PX + token). The lease bounds how long a crashed holder blocks others.
type Locker struct {
	client *goredis.Client
	prefix string
	lease  time.Duration
	poll   time.Duration
	log    zerolog.Logger
}

// NewLocker creates a distributed locker. lease must exceed the longest unit of work.
func NewLocker(client *goredis.Client, lease, poll time.Duration, log zerolog.Logger) *Locker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &Locker{
		client: client,
		prefix: "lock:",
		lease:  lease,
		poll:   poll,
		log:    log,
	}
}

// Lock polls until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	err := retry.Do(ctx, retry.NewConstant(l.poll), func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
		if err != nil {
			return fmt.Errorf("redis lock %s: %w", key, err)
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func() {
		// Release must not depend on the caller's ctx, which may be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("failed to release lock, lease will expire")
		}
	}, nil
}
