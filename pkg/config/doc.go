// Package config loads typed configuration from environment variables.
//
// Components declare their settings as structs with `env` tags, parsed by
// github.com/caarlos0/env/v11:
//
//	type Config struct {
//		Queue      string `env:"DEFER_QUEUE" envDefault:"default"`
//		MaxRetries int8   `env:"DEFER_MAX_RETRIES" envDefault:"3"`
//	}
//
// Load parses a struct type once per process and hands out copies afterwards.
// The first Load also reads ./.env through github.com/joho/godotenv; LoadEnv
// reads explicit files, later ones overriding earlier ones.
//
//	var deferCfg deferred.Config
//	config.MustLoad(&deferCfg)
//
// Reload and ResetCache drop cached values, which tests use after changing
// the environment.
package config
