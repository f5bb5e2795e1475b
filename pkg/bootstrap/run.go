package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/deferkit/pkg/deferred"
	"github.com/dmitrymomot/deferkit/pkg/entity"
	"github.com/dmitrymomot/deferkit/pkg/logger"
	"github.com/dmitrymomot/deferkit/pkg/pg"
	"github.com/dmitrymomot/deferkit/pkg/queue"
	"github.com/dmitrymomot/deferkit/pkg/txn"
)

// Run starts a worker process executing deferred calls for the types in
// entities and blocks until ctx is cancelled or a component fails.
//
// It connects to Postgres (applying migrations when a path is configured) and
// to the queue backend selected by Config.Queue.Backend, then runs a queue
// worker whose handler is a deferred.Executor opening its sessions through
// pg.Opener.
func Run(ctx context.Context, entities *entity.Registry, opts ...Option) error {
	if entities == nil {
		return deferred.ErrRegistryNil
	}

	o := newOptions(opts)
	cfg, err := o.config()
	if err != nil {
		return err
	}

	log := o.logger
	if log == nil {
		log = newLogger(cfg.Log)
	}
	log = log.With(logger.Component("worker"))

	o.codecs.Freeze()

	pool, err := pg.Connect(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Postgres.MigrationsPath != "" {
		if err := pg.Migrate(ctx, pool, cfg.Postgres, log); err != nil {
			return err
		}
	}

	backend, err := openQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.close()

	opener, err := pg.NewOpener(pool,
		pg.WithTenantSchemaFormat(cfg.Postgres.TenantSchemaFormat),
		pg.WithOpenerLogger(log),
	)
	if err != nil {
		return err
	}

	executor, err := deferred.NewExecutor(opener, entities, append([]deferred.ExecutorOption{
		deferred.WithExecutorCodecs(o.codecs),
		deferred.WithExecutorFormats(o.formats),
		deferred.WithConflictBackoff(cfg.Deferred.ConflictBackoff),
		deferred.WithCacheCleaners(o.cleaners...),
		deferred.WithExecutorLogger(log),
	}, o.executor...)...)
	if err != nil {
		return err
	}

	workerOpts := append(cfg.Queue.WorkerOptions(),
		queue.WithRetryBackoff(queue.LinearBackoff(cfg.Deferred.ConflictBackoff)),
		queue.WithWorkerLogger(log),
	)
	worker, err := queue.NewWorker(backend.storage, append(workerOpts, o.worker...)...)
	if err != nil {
		return err
	}
	if err := worker.RegisterHandler(executor.Handler()); err != nil {
		return err
	}

	log.InfoContext(ctx, "starting deferred worker",
		slog.Any("queues", cfg.Queue.Queues),
		slog.Any("entity_types", entities.Names()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(worker.Run(ctx))
	g.Go(func() error {
		return probe(ctx, log, cfg.HealthcheckInterval,
			pg.Healthcheck(pool),
			backend.check,
		)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (o *options) config() (Config, error) {
	if o.cfg != nil {
		return *o.cfg, nil
	}
	return LoadConfig()
}

func newLogger(cfg logger.Config) *slog.Logger {
	opts := append(logger.FromConfig(cfg), logger.WithContextExtractors(txn.LoggerExtractor()))
	return logger.New(opts...)
}

// probe runs checks every interval and logs failures. It only returns when
// ctx is done; an unhealthy dependency is reported, never fatal.
func probe(ctx context.Context, log *slog.Logger, interval time.Duration, checks ...func(context.Context) error) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, check := range checks {
				if err := check(ctx); err != nil && ctx.Err() == nil {
					log.ErrorContext(ctx, "healthcheck failed", logger.Error(err))
				}
			}
		}
	}
}
