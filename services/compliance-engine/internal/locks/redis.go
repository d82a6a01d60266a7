package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cattlesense/shared/utils"
)

// ErrLockTimeout is returned when a Redis lock cannot be taken within the wait limit.
var ErrLockTimeout = errors.New("timed out waiting for lock")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions tunes a Redis lock.
type RedisOptions struct {
	Prefix    string
	TTL       time.Duration
	Retry     time.Duration
	WaitLimit time.Duration
}

// Redis is a single-instance Redis lock (SET NX PX with a random token),
// shared by every service replica writing to the same database.
type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger *zap.Logger
}

func NewRedis(client redis.UniversalClient, opts RedisOptions, logger *zap.Logger) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 25 * time.Millisecond
	}
	return &Redis{client: client, opts: opts, logger: logger.Named("locks")}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := r.opts.Prefix + key
	token := utils.GenerateID()

	if r.opts.WaitLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.WaitLimit)
		defer cancel()
	}

	ticker := time.NewTicker(r.opts.Retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.opts.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
		}
		if ok {
			return r.unlockFunc(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockKey)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlockFunc(lockKey, token string) func() {
	return func() {
		// Release on a fresh context so a cancelled caller still frees the key.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{lockKey}, token).Err(); err != nil {
			r.logger.Warn("Failed to release lock", zap.String("key", lockKey), zap.Error(err))
		}
	}
}
