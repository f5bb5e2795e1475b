package bootstrap

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	mongodrv "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/dmitrymomot/deferkit/pkg/deferred"
	"github.com/dmitrymomot/deferkit/pkg/entity"
	"github.com/dmitrymomot/deferkit/pkg/queue"
)

// producerStorage is what a dispatching process needs from a queue backend.
type producerStorage interface {
	queue.EnqueuerRepository
	queue.ReaderRepository
}

// NewDispatcher wires a deferred.Dispatcher for a producer process. Tasks are
// written to the Redis queue on client; the caller owns the client.
func NewDispatcher(client goredis.Cmdable, entities *entity.Registry, opts ...Option) (*deferred.Dispatcher, error) {
	o := newOptions(opts)
	cfg, err := o.producerConfig()
	if err != nil {
		return nil, err
	}

	storage, err := newRedisStorage(client, cfg.Queue)
	if err != nil {
		return nil, err
	}
	return newDispatcher(storage, entities, cfg, o)
}

// NewMongoDispatcher is NewDispatcher for the mongo backend. It creates the
// task indexes when they are missing; the caller owns the client behind db.
func NewMongoDispatcher(ctx context.Context, db *mongodrv.Database, entities *entity.Registry, opts ...Option) (*deferred.Dispatcher, error) {
	o := newOptions(opts)
	cfg, err := o.producerConfig()
	if err != nil {
		return nil, err
	}

	if db == nil {
		return nil, queue.ErrRepositoryNil
	}
	storage, err := newMongoStorage(ctx, db, cfg.Queue)
	if err != nil {
		return nil, err
	}
	return newDispatcher(storage, entities, cfg, o)
}

func newDispatcher(storage producerStorage, entities *entity.Registry, cfg ProducerConfig, o *options) (*deferred.Dispatcher, error) {
	enqueuer, err := queue.NewEnqueuer(storage,
		queue.WithDefaultQueue(cfg.Deferred.Queue),
		queue.WithDefaultMaxRetries(cfg.Deferred.MaxRetries),
	)
	if err != nil {
		return nil, err
	}

	queueClient, err := deferred.NewQueueClient(enqueuer, storage)
	if err != nil {
		return nil, err
	}

	builderOpts := []deferred.BuilderOption{}
	dispatcherOpts := []deferred.DispatcherOption{
		deferred.WithDispatcherCodecs(o.codecs),
		deferred.WithDispatcherFormats(o.formats),
	}
	if o.logger != nil {
		builderOpts = append(builderOpts, deferred.WithBuilderLogger(o.logger))
		dispatcherOpts = append(dispatcherOpts, deferred.WithDispatcherLogger(o.logger))
	}

	builder, err := deferred.NewBuilder(entities, cfg.Deferred, builderOpts...)
	if err != nil {
		return nil, err
	}

	o.codecs.Freeze()
	return deferred.NewDispatcher(builder, queueClient, cfg.Deferred, dispatcherOpts...)
}

func (o *options) producerConfig() (ProducerConfig, error) {
	switch {
	case o.producerCfg != nil:
		return *o.producerCfg, nil
	case o.cfg != nil:
		return ProducerConfig{Queue: o.cfg.Queue, Deferred: o.cfg.Deferred}, nil
	}
	return LoadProducerConfig()
}
