package bootstrap

import (
	"log/slog"

	"github.com/dmitrymomot/deferkit/pkg/codec"
	"github.com/dmitrymomot/deferkit/pkg/deferred"
	"github.com/dmitrymomot/deferkit/pkg/queue"
)

type options struct {
	cfg         *Config
	producerCfg *ProducerConfig
	logger      *slog.Logger
	codecs      *codec.Registry
	formats     *codec.Formats
	cleaners    []deferred.CacheCleaner
	executor    []deferred.ExecutorOption
	worker      []queue.WorkerOption
}

// Option configures Run and NewDispatcher.
type Option func(*options)

// WithConfig uses cfg instead of reading the environment in Run.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = &cfg
	}
}

// WithProducerConfig uses cfg instead of reading the environment in NewDispatcher.
func WithProducerConfig(cfg ProducerConfig) Option {
	return func(o *options) {
		o.producerCfg = &cfg
	}
}

// WithLogger replaces the logger built from Config.Log.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCodecs replaces the process-wide codec registry. Run and NewDispatcher
// freeze the registry they use.
func WithCodecs(reg *codec.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.codecs = reg
		}
	}
}

// WithFormats replaces the default wire formats.
func WithFormats(fs *codec.Formats) Option {
	return func(o *options) {
		if fs != nil {
			o.formats = fs
		}
	}
}

// WithCacheCleaners registers caches the executor cleans before every task.
func WithCacheCleaners(cleaners ...deferred.CacheCleaner) Option {
	return func(o *options) {
		o.cleaners = append(o.cleaners, cleaners...)
	}
}

// WithExecutorOptions passes extra options to the executor.
func WithExecutorOptions(opts ...deferred.ExecutorOption) Option {
	return func(o *options) {
		o.executor = append(o.executor, opts...)
	}
}

// WithWorkerOptions passes extra options to the queue worker. They are
// applied after the ones derived from Config.Queue.
func WithWorkerOptions(opts ...queue.WorkerOption) Option {
	return func(o *options) {
		o.worker = append(o.worker, opts...)
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		codecs:  codec.Default(),
		formats: codec.DefaultFormats(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
