package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// wait timeout.
var ErrNotAcquired = errors.New("lock not acquired")

// RedisConfig configures the Redis locker
type RedisConfig struct {
	URL string
	// Prefix namespaces lock keys
	Prefix string
	// TTL bounds how long a crashed holder can keep a lock. A live holder
	// renews it every RenewInterval until unlock.
	TTL time.Duration
	// RenewInterval defaults to a third of TTL
	RenewInterval time.Duration
	// RetryInterval is the wait between acquisition attempts
	RetryInterval time.Duration
	// WaitTimeout caps how long Lock waits when ctx has no deadline
	WaitTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults
func DefaultRedisConfig(url string) RedisConfig {
	return RedisConfig{
		URL:           url,
		Prefix:        "rxdispense:lock:",
		TTL:           30 * time.Second,
		RetryInterval: 50 * time.Millisecond,
		WaitTimeout:   10 * time.Second,
	}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the expiry only if the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every API replica.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, cfg, logger), nil
}

// NewRedisWithClient wraps an existing client
func NewRedisWithClient(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

// Lock polls SET NX until it succeeds, ctx is done or WaitTimeout passes.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.WaitTimeout)
		defer cancel()
	}

	full := r.cfg.Prefix + key
	token := uuid.New().String()
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.cfg.TTL).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(full, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil {
				r.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (r *Redis) renewEvery() time.Duration {
	if r.cfg.RenewInterval > 0 {
		return r.cfg.RenewInterval
	}
	if every := r.cfg.TTL / 3; every > 0 {
		return every
	}
	return time.Second
}

// keepAlive extends the lock until stop is closed. It gives up once the key
// no longer holds token, which means the lock expired and may be held by
// someone else.
func (r *Redis) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.renewEvery())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.renewEvery())
		n, err := renewScript.Run(ctx, r.client, []string{key}, token, r.cfg.TTL.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("lock renewal failed", zap.String("key", key), zap.Error(err))
		case n == 0:
			r.logger.Error("lock lost before release", zap.String("key", key))
			return
		}
	}
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Locker = (*Redis)(nil)
