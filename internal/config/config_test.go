package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Pool.MaxActive)
	assert.Equal(t, 5, cfg.Pool.MaxIdle)
	assert.Equal(t, 20, cfg.Pool.MaxTotal)
	assert.Equal(t, 5*time.Second, cfg.Pool.MaxWait)
	assert.Equal(t, 17500, cfg.Supervisor.StartingPort)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.StartupTimeout)
	assert.Equal(t, "sql", cfg.Worker.Driver)
	assert.Equal(t, 8*time.Hour, cfg.Worker.MaxLifetime)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
pool:
  max_active: 2
  max_idle: 1
  max_wait: 250ms
  default_call_timeout: 100ms
supervisor:
  starting_port: 18000
  worker_command: ["/usr/local/bin/pool-worker"]
worker:
  driver: memory
default_credential:
  resource: memory://orders
  principal: app
  secret: s3cret
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.MaxActive)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.MaxWait)
	assert.Equal(t, 100*time.Millisecond, cfg.Pool.DefaultCallTimeout)
	assert.Equal(t, 20, cfg.Pool.MaxTotal, "unset keys keep defaults")
	assert.Equal(t, 18000, cfg.Supervisor.StartingPort)
	assert.Equal(t, []string{"/usr/local/bin/pool-worker"}, cfg.Supervisor.WorkerCommand)
	assert.Equal(t, "memory", cfg.Worker.Driver)
	assert.Equal(t, "s3cret", cfg.DefaultCredential.Secret)

	assert.Equal(t, []string{
		"--driver", "memory",
		"--call-timeout", "100ms",
		"--max-lifetime", "8h0m0s",
		"--shutdown-grace", "15s",
		"--log-level", "info",
	}, cfg.WorkerArgs())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BACKENDPOOL_POOL_MAX_ACTIVE", "7")
	t.Setenv("BACKENDPOOL_WORKER_DRIVER", "memory")
	t.Setenv("BACKENDPOOL_SUPERVISOR_STARTUP_TIMEOUT", "10s")

	v := viper.New()
	BindEnv(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.MaxActive)
	assert.Equal(t, "memory", cfg.Worker.Driver)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.StartupTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"idle above active", func(c *Config) { c.Pool.MaxIdle = c.Pool.MaxActive + 1 }},
		{"min idle without eviction", func(c *Config) { c.Pool.MinIdle = 1; c.Pool.EvictionInterval = 0 }},
		{"negative reuse", func(c *Config) { c.Pool.MaxReuse = -1 }},
		{"zero slots", func(c *Config) { c.Supervisor.MaxPoolSize = 0 }},
		{"port range overflow", func(c *Config) { c.Supervisor.StartingPort = 65530 }},
		{"no worker command", func(c *Config) { c.Supervisor.WorkerCommand = nil }},
		{"unknown driver", func(c *Config) { c.Worker.Driver = "oracle" }},
		{"credential without resource", func(c *Config) { c.DefaultCredential.Principal = "app" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
