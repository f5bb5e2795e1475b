package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/deferkit/pkg/logger"
)

func TestFromConfig(t *testing.T) {
	t.Parallel()

	t.Run("production with explicit level", func(t *testing.T) {
		t.Parallel()

		buf := &bytes.Buffer{}
		opts := logger.FromConfig(logger.Config{Env: "prod", AppName: "worker", Level: "warn"})
		log := logger.New(append(opts, logger.WithOutput(buf))...)

		log.Info("dropped")
		assert.Empty(t, buf.String())

		log.Warn("kept")
		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "kept", entry["msg"])
		assert.Equal(t, "production", entry["env"])
	})

	t.Run("staging", func(t *testing.T) {
		t.Parallel()

		buf := &bytes.Buffer{}
		opts := logger.FromConfig(logger.Config{Env: "staging", AppName: "worker"})
		log := logger.New(append(opts, logger.WithOutput(buf))...)
		log.Info("msg")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "staging", entry["env"])
	})

	t.Run("unknown level is ignored", func(t *testing.T) {
		t.Parallel()

		buf := &bytes.Buffer{}
		opts := logger.FromConfig(logger.Config{Env: "development", AppName: "worker", Level: "loud"})
		log := logger.New(append(opts, logger.WithOutput(buf))...)
		log.Debug("msg")
		assert.Contains(t, buf.String(), "DEBUG")
	})
}
