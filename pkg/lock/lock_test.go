package lock

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "rx:1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Zero(t, l.size(), "entries are removed once released")
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "rx:a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "rx:b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_ContextCancelWhileWaiting(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "rx:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "rx:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Zero(t, l.size())
}

func TestRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	cfg := DefaultRedisConfig(url)
	cfg.WaitTimeout = 100 * time.Millisecond
	r, err := NewRedis(ctx, cfg, nil)
	require.NoError(t, err)
	defer r.Close()

	unlock, err := r.Lock(ctx, "test:rx:1")
	require.NoError(t, err)

	_, err = r.Lock(ctx, "test:rx:1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	unlock()
	unlock, err = r.Lock(ctx, "test:rx:1")
	require.NoError(t, err)
	unlock()
}

func TestRedis_RenewsWhileHeld(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	cfg := DefaultRedisConfig(url)
	cfg.TTL = 300 * time.Millisecond
	cfg.WaitTimeout = 50 * time.Millisecond
	r, err := NewRedis(ctx, cfg, nil)
	require.NoError(t, err)
	defer r.Close()

	unlock, err := r.Lock(ctx, "test:rx:renew")
	require.NoError(t, err)

	time.Sleep(3 * cfg.TTL)
	_, err = r.Lock(ctx, "test:rx:renew")
	assert.ErrorIs(t, err, ErrNotAcquired, "held past its TTL")

	unlock()
	n, err := r.client.Exists(ctx, cfg.Prefix+"test:rx:renew").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedis_RenewInterval(t *testing.T) {
	r := NewRedisWithClient(nil, RedisConfig{TTL: 30 * time.Second}, nil)
	assert.Equal(t, 10*time.Second, r.renewEvery())

	r = NewRedisWithClient(nil, RedisConfig{TTL: 30 * time.Second, RenewInterval: time.Second}, nil)
	assert.Equal(t, time.Second, r.renewEvery())
}
