// Package config loads the pool configuration through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/backendpool/internal/pool"
	"github.com/psantana5/backendpool/internal/supervisor"
	"github.com/psantana5/backendpool/pkg/backend"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
	"github.com/psantana5/backendpool/pkg/tracing"
)

// EnvPrefix prefixes environment overrides, e.g. BACKENDPOOL_POOL_MAX_ACTIVE.
const EnvPrefix = "BACKENDPOOL"

// WorkerConfig configures the worker processes the supervisor launches.
type WorkerConfig struct {
	Driver        string        `mapstructure:"driver" yaml:"driver"`
	MaxLifetime   time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	LogLevel      string        `mapstructure:"log_level" yaml:"log_level"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	JSON      bool   `mapstructure:"json" yaml:"json"`
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	TransportGrace  time.Duration `mapstructure:"transport_grace" yaml:"transport_grace"`
}

// Config is the complete configuration.
type Config struct {
	Pool              pool.Config       `mapstructure:"pool" yaml:"pool"`
	Supervisor        supervisor.Config `mapstructure:"supervisor" yaml:"supervisor"`
	Worker            WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Logging           LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Tracing           tracing.Config    `mapstructure:"tracing" yaml:"tracing"`
	Gateway           GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	DefaultCredential models.Credential `mapstructure:"default_credential" yaml:"default_credential"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Pool:       pool.DefaultConfig(),
		Supervisor: supervisor.DefaultConfig(),
		Worker: WorkerConfig{
			Driver:        "sql",
			MaxLifetime:   8 * time.Hour,
			ShutdownGrace: 15 * time.Second,
			LogLevel:      "info",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Directory: "./logs",
		},
		Tracing: tracing.Config{
			ServiceName:  "backendpool",
			Environment:  "development",
			OTLPEndpoint: "localhost:4318",
		},
		Gateway: GatewayConfig{
			Address:         "127.0.0.1:8095",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			TransportGrace:  5 * time.Second,
		},
	}
}

// SetDefaults registers every default with v so that environment overrides
// resolve for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	defaults := map[string]interface{}{
		"pool.max_active":                 d.Pool.MaxActive,
		"pool.max_idle":                   d.Pool.MaxIdle,
		"pool.min_idle":                   d.Pool.MinIdle,
		"pool.max_total":                  d.Pool.MaxTotal,
		"pool.max_wait":                   d.Pool.MaxWait,
		"pool.min_evictable_idle_time":    d.Pool.MinEvictableIdleTime,
		"pool.eviction_interval":          d.Pool.EvictionInterval,
		"pool.num_tests_per_eviction_run": d.Pool.NumTestsPerEvictionRun,
		"pool.max_reuse":                  d.Pool.MaxReuse,
		"pool.default_call_timeout":       d.Pool.DefaultCallTimeout,
		"pool.create_rate":                d.Pool.CreateRate,
		"pool.create_burst":               d.Pool.CreateBurst,

		"supervisor.starting_port":      d.Supervisor.StartingPort,
		"supervisor.max_pool_size":      d.Supervisor.MaxPoolSize,
		"supervisor.worker_command":     d.Supervisor.WorkerCommand,
		"supervisor.reaper_command":     d.Supervisor.ReaperCommand,
		"supervisor.log_directory":      d.Supervisor.LogDirectory,
		"supervisor.startup_timeout":    d.Supervisor.StartupTimeout,
		"supervisor.force_kill_grace":   d.Supervisor.ForceKillGrace,
		"supervisor.host_wait_ceiling":  d.Supervisor.HostWaitCeiling,
		"supervisor.saturation_backoff": d.Supervisor.SaturationBackoff,
		"supervisor.launch_rate":        d.Supervisor.LaunchRate,
		"supervisor.launch_burst":       d.Supervisor.LaunchBurst,

		"worker.driver":         d.Worker.Driver,
		"worker.max_lifetime":   d.Worker.MaxLifetime,
		"worker.shutdown_grace": d.Worker.ShutdownGrace,
		"worker.log_level":      d.Worker.LogLevel,

		"logging.level":     d.Logging.Level,
		"logging.json":      d.Logging.JSON,
		"logging.directory": d.Logging.Directory,

		"tracing.service_name":    d.Tracing.ServiceName,
		"tracing.service_version": d.Tracing.ServiceVersion,
		"tracing.environment":     d.Tracing.Environment,
		"tracing.otlp_endpoint":   d.Tracing.OTLPEndpoint,
		"tracing.enabled":         d.Tracing.Enabled,

		"gateway.address":          d.Gateway.Address,
		"gateway.read_timeout":     d.Gateway.ReadTimeout,
		"gateway.write_timeout":    d.Gateway.WriteTimeout,
		"gateway.shutdown_timeout": d.Gateway.ShutdownTimeout,
		"gateway.transport_grace":  d.Gateway.TransportGrace,

		"default_credential.resource":  "",
		"default_credential.principal": "",
		"default_credential.secret":    "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// BindEnv enables BACKENDPOOL_* environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load builds a Config from v on top of the defaults and validates it.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if c.Supervisor.MaxPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("supervisor: max_pool_size must be positive, got %d", c.Supervisor.MaxPoolSize))
	}
	if c.Supervisor.StartingPort <= 0 || c.Supervisor.StartingPort+c.Supervisor.MaxPoolSize-1 > 65535 {
		errs = append(errs, fmt.Errorf("supervisor: invalid port range %d+%d", c.Supervisor.StartingPort, c.Supervisor.MaxPoolSize))
	}
	if len(c.Supervisor.WorkerCommand) == 0 {
		errs = append(errs, errors.New("supervisor: worker_command is required"))
	}
	if len(c.Supervisor.ReaperCommand) == 0 {
		errs = append(errs, errors.New("supervisor: reaper_command is required"))
	}
	if !knownDriver(c.Worker.Driver) {
		errs = append(errs, fmt.Errorf("worker: unknown driver %q (known: %s)", c.Worker.Driver, strings.Join(backend.Drivers(), ", ")))
	}
	if c.Gateway.Address == "" {
		errs = append(errs, errors.New("gateway: address is required"))
	}
	if !c.DefaultCredential.IsZero() {
		if err := c.DefaultCredential.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("default_credential: %w", err))
		}
	}
	return errors.Join(errs...)
}

func knownDriver(name string) bool {
	for _, d := range backend.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

// WorkerArgs returns the flags passed to every launched worker after
// --port and --log-dir.
func (c Config) WorkerArgs() []string {
	args := []string{"--driver", c.Worker.Driver}
	if c.Pool.DefaultCallTimeout > 0 {
		args = append(args, "--call-timeout", c.Pool.DefaultCallTimeout.String())
	}
	if c.Worker.MaxLifetime > 0 {
		args = append(args, "--max-lifetime", c.Worker.MaxLifetime.String())
	}
	if c.Worker.ShutdownGrace > 0 {
		args = append(args, "--shutdown-grace", c.Worker.ShutdownGrace.String())
	}
	if c.Worker.LogLevel != "" {
		args = append(args, "--log-level", c.Worker.LogLevel)
	}
	return args
}

// NewLogger builds the process logger for component.
func (c Config) NewLogger(component, sub string) (*logging.Logger, error) {
	level := logging.ParseLevel(c.Logging.Level)
	if c.Logging.Directory == "" {
		return logging.NewLogger(level, c.Logging.JSON), nil
	}
	return logging.NewFileLogger(c.Logging.Directory, component, sub, level, c.Logging.JSON)
}
