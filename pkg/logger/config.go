package logger

import (
	"log/slog"
	"strings"
)

// Environment names understood by WithEnvironment.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config holds logger settings read from the environment.
type Config struct {
	Env     string `env:"APP_ENV" envDefault:"development"`
	AppName string `env:"APP_NAME" envDefault:"deferkit"`
	Level   string `env:"LOG_LEVEL"`
}

// FromConfig returns the options matching cfg. An explicit Level overrides the
// environment default; unknown level names are ignored.
func FromConfig(cfg Config) []Option {
	opts := []Option{WithEnvironment(cfg.Env, cfg.AppName)}
	if lvl, ok := parseLevel(cfg.Level); ok {
		opts = append(opts, WithLevel(lvl))
	}
	return opts
}

func parseLevel(s string) (slog.Level, bool) {
	if s == "" {
		return 0, false
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, false
	}
	return lvl, true
}
