package pg

import "time"

// Config holds the Postgres settings of a worker process.
type Config struct {
	ConnectionString string `env:"PG_CONN_URL,required"`

	// Pool sizing and connection recycling, passed to pgxpool.
	MaxOpenConns      int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns      int32         `env:"PG_MAX_IDLE_CONNS" envDefault:"5"`
	HealthCheckPeriod time.Duration `env:"PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
	MaxConnIdleTime   time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
	MaxConnLifetime   time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`

	// Connect makes RetryAttempts attempts, waiting RetryInterval times the
	// attempt number in between.
	RetryAttempts int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`

	// Migrations are skipped when MigrationsPath is empty.
	MigrationsPath  string `env:"PG_MIGRATIONS_PATH"`
	MigrationsTable string `env:"PG_MIGRATIONS_TABLE" envDefault:"schema_migrations"`

	// TenantSchemaFormat maps a tenant ID to its schema, e.g. "tenant_%s".
	// When set, every session runs with that schema first on its search_path.
	TenantSchemaFormat string `env:"PG_TENANT_SCHEMA_FORMAT"`
}
