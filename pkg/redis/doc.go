// Package redis connects to the Redis server holding queue state.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	storage, err := queue.NewRedisStorage(client)
//
// Connect pings before returning and retries up to Config.RetryAttempts times
// within Config.ConnectTimeout. Failures wrap the go-redis error with one of
// the package sentinels, so errors.Is(err, redis.ErrRedisNotReady) works.
package redis
