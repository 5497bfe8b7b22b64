package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/sessionkit/core/config"
	"github.com/dmitrymomot/sessionkit/core/session"
)

type testConfig struct {
	Name    string        `env:"CONFIG_TEST_NAME" envDefault:"default"`
	Timeout time.Duration `env:"CONFIG_TEST_TIMEOUT" envDefault:"5s"`
	Tags    []string      `env:"CONFIG_TEST_TAGS" envSeparator:","`
}

type requiredConfig struct {
	URL string `env:"CONFIG_TEST_REQUIRED_URL,required"`
}

// Tests below mutate the process environment and the package cache, so they do not run in parallel.

func TestLoad(t *testing.T) {
	t.Run("parses environment", func(t *testing.T) {
		config.Reset()
		t.Setenv("CONFIG_TEST_NAME", "sessions")
		t.Setenv("CONFIG_TEST_TAGS", "a,b")

		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "sessions", cfg.Name)
		assert.Equal(t, 5*time.Second, cfg.Timeout)
		assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	})

	t.Run("caches per type", func(t *testing.T) {
		config.Reset()
		t.Setenv("CONFIG_TEST_NAME", "first")

		var first testConfig
		require.NoError(t, config.Load(&first))

		t.Setenv("CONFIG_TEST_NAME", "second")
		var second testConfig
		require.NoError(t, config.Load(&second))
		assert.Equal(t, "first", second.Name)

		config.Reset()
		var third testConfig
		require.NoError(t, config.Load(&third))
		assert.Equal(t, "second", third.Name)
	})

	t.Run("missing required variable", func(t *testing.T) {
		config.Reset()
		var cfg requiredConfig
		err := config.Load(&cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("nil target", func(t *testing.T) {
		var cfg *testConfig
		assert.ErrorIs(t, config.Load(cfg), config.ErrNilConfig)
	})

	t.Run("must load panics", func(t *testing.T) {
		config.Reset()
		assert.Panics(t, func() {
			var cfg requiredConfig
			config.MustLoad(&cfg)
		})
	})
}

func TestLoadSessionConfig(t *testing.T) {
	config.Reset()
	t.Setenv("SESSION_TTL", "15m")
	t.Setenv("SESSION_EVICTION_IDLE_SECS", "0")
	t.Setenv("SESSION_CLUSTER_ENABLED", "true")
	t.Setenv("SESSION_STORE_NON_PERSISTENT_ATTRIBUTES", "csrf,flash")

	cfg := session.DefaultConfig()
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, 15*time.Minute, cfg.TTL)
	assert.Equal(t, 0, cfg.EvictionIdleSecs)
	assert.Equal(t, -1, cfg.EvictionIdleSecsForNew)
	assert.True(t, cfg.ClusterEnabled)
	assert.Equal(t, 10*time.Minute, cfg.ScavengingInterval)

	storeCfg := session.DefaultStoreConfig()
	require.NoError(t, config.Load(&storeCfg))
	assert.Equal(t, []string{"csrf", "flash"}, storeCfg.NonPersistentAttributes)
	assert.Equal(t, time.Hour, storeCfg.GracePeriod)
}
