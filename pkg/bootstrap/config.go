package bootstrap

import (
	"time"

	"github.com/dmitrymomot/deferkit/pkg/config"
	"github.com/dmitrymomot/deferkit/pkg/deferred"
	"github.com/dmitrymomot/deferkit/pkg/logger"
	"github.com/dmitrymomot/deferkit/pkg/mongo"
	"github.com/dmitrymomot/deferkit/pkg/pg"
	"github.com/dmitrymomot/deferkit/pkg/queue"
	"github.com/dmitrymomot/deferkit/pkg/redis"
)

// Config gathers the settings of a worker process.
type Config struct {
	Log      logger.Config
	Postgres pg.Config
	Redis    redis.Config
	Mongo    mongo.Config
	Queue    queue.Config
	Deferred deferred.Config

	// HealthcheckInterval is how often Postgres and the queue backend are
	// probed while the worker runs. Zero disables probing.
	HealthcheckInterval time.Duration `env:"HEALTHCHECK_INTERVAL" envDefault:"30s"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ProducerConfig is the subset of Config a dispatching process needs.
type ProducerConfig struct {
	Queue    queue.Config
	Deferred deferred.Config
}

// LoadProducerConfig reads ProducerConfig from the environment.
func LoadProducerConfig() (ProducerConfig, error) {
	var cfg ProducerConfig
	if err := config.Load(&cfg); err != nil {
		return ProducerConfig{}, err
	}
	return cfg, nil
}
