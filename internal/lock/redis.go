package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
	defaultPrefix     = "payments:lock:"
)

// unlockScript deletes the key only while it still holds our token, so an
// expired lock taken over by another process is left alone.
const unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisConfig configures a Redis locker.
type RedisConfig struct {
	// TTL bounds how long a crashed holder blocks others. The lock is not
	// refreshed, so TTL must exceed the longest plugin call; config.Validate
	// enforces that against plugin.timeout.
	TTL        time.Duration
	RetryDelay time.Duration
	Prefix     string
	Logger     logrus.FieldLogger
}

// Redis is a Locker shared by every process using the same Redis.
type Redis struct {
	client   redis.Cmdable
	cfg      RedisConfig
	newToken func() string
}

// NewRedis creates a Redis locker on client.
func NewRedis(client redis.Cmdable, cfg RedisConfig) *Redis {
	if client == nil {
		panic("lock: redis client cannot be nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Redis{client: client, cfg: cfg, newToken: uuid.NewString}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.cfg.Prefix + key
	token := r.newToken()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.cfg.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("lock: acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.RetryDelay):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := r.client.Eval(releaseCtx, unlockScript, []string{redisKey}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				r.cfg.Logger.WithError(err).WithField("lock_key", redisKey).Warn("Redis lock release failed; it will expire after its TTL")
			}
		})
	}, nil
}
