package redis

import "time"

// Config holds the Redis connection settings.
//
// ConnectionURL uses the redis:// scheme, e.g. redis://:password@localhost:6379/0.
// A zero PoolSize keeps the go-redis default of ten connections per CPU.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`
	PoolSize       int           `env:"REDIS_POOL_SIZE"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}
