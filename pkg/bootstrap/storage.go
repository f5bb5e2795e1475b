package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	mongodrv "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/dmitrymomot/deferkit/pkg/logger"
	"github.com/dmitrymomot/deferkit/pkg/mongo"
	"github.com/dmitrymomot/deferkit/pkg/queue"
	"github.com/dmitrymomot/deferkit/pkg/redis"
)

// taskStorage is what producers and workers need from a queue backend.
type taskStorage interface {
	queue.EnqueuerRepository
	queue.WorkerRepository
	queue.ReaderRepository
}

// queueBackend is an opened queue storage with its probe and teardown.
type queueBackend struct {
	storage taskStorage
	check   func(context.Context) error
	close   func()
}

// openQueue connects to the backend named by cfg.Queue.Backend.
func openQueue(ctx context.Context, cfg Config, log *slog.Logger) (*queueBackend, error) {
	switch cfg.Queue.Backend {
	case queue.BackendRedis, "":
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		storage, err := newRedisStorage(client, cfg.Queue)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &queueBackend{
			storage: storage,
			check:   redis.Healthcheck(client),
			close: func() {
				if err := client.Close(); err != nil {
					log.WarnContext(ctx, "failed to close redis client", logger.Error(err))
				}
			},
		}, nil

	case queue.BackendMongo:
		db, err := mongo.Connect(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		disconnect := func() {
			if err := db.Client().Disconnect(context.WithoutCancel(ctx)); err != nil {
				log.WarnContext(ctx, "failed to disconnect mongo client", logger.Error(err))
			}
		}
		storage, err := newMongoStorage(ctx, db, cfg.Queue)
		if err != nil {
			disconnect()
			return nil, err
		}
		return &queueBackend{
			storage: storage,
			check:   mongo.Healthcheck(db),
			close:   disconnect,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Queue.Backend)
}

func newRedisStorage(client goredis.Cmdable, cfg queue.Config) (*queue.RedisStorage, error) {
	return queue.NewRedisStorage(client, cfg.StorageOptions()...)
}

func newMongoStorage(ctx context.Context, db *mongodrv.Database, cfg queue.Config) (*queue.MongoStorage, error) {
	storage, err := queue.NewMongoStorage(db, cfg.MongoStorageOptions()...)
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return storage, nil
}
