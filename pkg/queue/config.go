package queue

import "time"

// Storage backends selectable through Config.Backend.
const (
	BackendRedis = "redis"
	BackendMongo = "mongo"
)

// Config holds queue settings shared by producers and workers.
type Config struct {
	Backend            string        `env:"QUEUE_BACKEND" envDefault:"redis"`
	Queues             []string      `env:"QUEUE_NAMES" envDefault:"default" envSeparator:","`
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
	LockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`
	ShutdownTimeout    time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"10"`

	// RedisKeyPrefix namespaces every key RedisStorage writes.
	RedisKeyPrefix string `env:"QUEUE_REDIS_KEY_PREFIX" envDefault:"deferkit:queue"`
	// MongoCollection names the task collection of MongoStorage.
	MongoCollection string `env:"QUEUE_MONGO_COLLECTION" envDefault:"deferkit_tasks"`
	// ResultTTL is how long finished tasks stay readable for result handles.
	ResultTTL time.Duration `env:"QUEUE_RESULT_TTL" envDefault:"1h"`
}

// WorkerOptions translates the worker related fields into options for
// NewWorker. Zero values keep the worker defaults.
func (c Config) WorkerOptions() []WorkerOption {
	return []WorkerOption{
		WithQueues(c.Queues...),
		WithPullInterval(c.PollInterval),
		WithLockTimeout(c.LockTimeout),
		WithShutdownTimeout(c.ShutdownTimeout),
		WithMaxConcurrentTasks(c.MaxConcurrentTasks),
	}
}

// StorageOptions translates the storage related fields into options for
// NewRedisStorage.
func (c Config) StorageOptions() []RedisStorageOption {
	return []RedisStorageOption{
		WithKeyPrefix(c.RedisKeyPrefix),
		WithResultTTL(c.ResultTTL),
	}
}

// MongoStorageOptions translates the storage related fields into options for
// NewMongoStorage.
func (c Config) MongoStorageOptions() []MongoStorageOption {
	return []MongoStorageOption{
		WithCollection(c.MongoCollection),
		WithMongoResultTTL(c.ResultTTL),
	}
}
