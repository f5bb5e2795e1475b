package deferred

import (
	"time"

	"github.com/dmitrymomot/deferkit/pkg/codec"
)

// Config holds process-wide settings of the deferred-call machinery.
type Config struct {
	// Disabled runs every built call synchronously instead of queueing it.
	// It is read once, when the Builder is created.
	Disabled           bool          `env:"DEFER_DISABLED" envDefault:"false"`
	ContentType        string        `env:"DEFER_CONTENT_TYPE" envDefault:"application/x-deferjson"`
	Queue              string        `env:"DEFER_QUEUE" envDefault:"default"`
	MaxRetries         int8          `env:"DEFER_MAX_RETRIES" envDefault:"3"`
	ResultPollInterval time.Duration `env:"DEFER_RESULT_POLL_INTERVAL" envDefault:"200ms"`
	ConflictBackoff    time.Duration `env:"DEFER_CONFLICT_BACKOFF" envDefault:"2s"`
}

// DefaultConfig returns the values used when no environment is set.
func DefaultConfig() Config {
	return Config{
		ContentType:        codec.ContentTypeFor(codec.JSONName),
		Queue:              "default",
		MaxRetries:         3,
		ResultPollInterval: 200 * time.Millisecond,
		ConflictBackoff:    2 * time.Second,
	}
}
