package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/deferkit/pkg/redis"
)

func TestConnect_InvalidConfig(t *testing.T) {
	t.Parallel()

	t.Run("empty url", func(t *testing.T) {
		t.Parallel()

		_, err := redis.Connect(context.Background(), redis.Config{ConnectTimeout: time.Second})
		assert.ErrorIs(t, err, redis.ErrEmptyConnectionURL)
	})

	t.Run("malformed url", func(t *testing.T) {
		t.Parallel()

		_, err := redis.Connect(context.Background(), redis.Config{
			ConnectionURL:  "postgres://not-redis",
			ConnectTimeout: time.Second,
		})
		assert.ErrorIs(t, err, redis.ErrFailedToParseRedisConnString)
	})

	t.Run("unreachable server", func(t *testing.T) {
		t.Parallel()

		_, err := redis.Connect(context.Background(), redis.Config{
			ConnectionURL:  "redis://127.0.0.1:1/0",
			RetryAttempts:  2,
			RetryInterval:  10 * time.Millisecond,
			ConnectTimeout: 2 * time.Second,
		})
		assert.ErrorIs(t, err, redis.ErrRedisNotReady)
	})
}

func TestHealthcheck_Unreachable(t *testing.T) {
	t.Parallel()

	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	err := redis.Healthcheck(client)(context.Background())
	assert.ErrorIs(t, err, redis.ErrHealthcheckFailed)
}
