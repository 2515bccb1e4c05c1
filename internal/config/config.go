// Package config loads and validates governor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by coordination.backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Locks        LocksConfig        `mapstructure:"locks"`
	Throttle     ThrottleConfig     `mapstructure:"throttle"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// CoordinationConfig selects and configures the shared store.
type CoordinationConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

// PostgresConfig configures the pgx pool behind the postgres backend.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// GCSConfig configures the Cloud Storage backend.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// LocksConfig tunes the named lock service.
type LocksConfig struct {
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetryMin          time.Duration `mapstructure:"retry_min"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
}

// ThrottleConfig tunes the throttle registry and its poll hooks.
type ThrottleConfig struct {
	// ProcessName prefixes the generated process identifier.
	ProcessName         string        `mapstructure:"process_name"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	GlobalPollInterval  time.Duration `mapstructure:"global_poll_interval"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	FlagCheckInterval   time.Duration `mapstructure:"flag_check_interval"`
	ActivityWindowPolls int           `mapstructure:"activity_window_polls"`
	// SeedFile is a YAML file of throttle groups applied at startup.
	SeedFile string `mapstructure:"seed_file"`
}

// ActivityWindow is how long a silent process keeps counting toward splits.
func (t ThrottleConfig) ActivityWindow() time.Duration {
	return time.Duration(t.ActivityWindowPolls) * t.PollInterval
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "crawl-governor")
	v.SetDefault("coordination.backend", BackendMemory)
	v.SetDefault("coordination.postgres.table", "coordination_entries")
	v.SetDefault("coordination.postgres.ensure_schema", true)
	v.SetDefault("coordination.redis.addr", "localhost:6379")
	v.SetDefault("coordination.redis.key_prefix", "governor:")
	v.SetDefault("coordination.redis.dial_timeout", 5*time.Second)
	v.SetDefault("coordination.gcs.prefix", "governor/")
	v.SetDefault("locks.stale_after", time.Minute)
	v.SetDefault("locks.heartbeat_interval", 10*time.Second)
	v.SetDefault("locks.retry_min", 10*time.Millisecond)
	v.SetDefault("locks.retry_max", 500*time.Millisecond)
	v.SetDefault("throttle.poll_interval", 15*time.Second)
	v.SetDefault("throttle.global_poll_interval", time.Minute)
	v.SetDefault("throttle.cleanup_interval", 5*time.Minute)
	v.SetDefault("throttle.flag_check_interval", time.Second)
	v.SetDefault("throttle.activity_window_polls", 3)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.Coordination.validate(); err != nil {
		return err
	}
	if c.Locks.StaleAfter <= 0 {
		return fmt.Errorf("locks.stale_after must be > 0")
	}
	if c.Locks.HeartbeatInterval <= 0 || c.Locks.HeartbeatInterval >= c.Locks.StaleAfter {
		return fmt.Errorf("locks.heartbeat_interval must be > 0 and shorter than locks.stale_after")
	}
	if c.Locks.RetryMin <= 0 || c.Locks.RetryMax < c.Locks.RetryMin {
		return fmt.Errorf("locks.retry_min must be > 0 and not above locks.retry_max")
	}
	t := c.Throttle
	if t.PollInterval <= 0 || t.GlobalPollInterval <= 0 || t.CleanupInterval <= 0 {
		return fmt.Errorf("throttle.poll_interval, global_poll_interval and cleanup_interval must be > 0")
	}
	if t.FlagCheckInterval <= 0 {
		return fmt.Errorf("throttle.flag_check_interval must be > 0")
	}
	if t.ActivityWindowPolls < 1 {
		return fmt.Errorf("throttle.activity_window_polls must be >= 1")
	}
	return nil
}

func (c CoordinationConfig) validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("coordination.postgres.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("coordination.redis.addr is required for the redis backend")
		}
	case BackendGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("coordination.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("coordination.backend %q is not one of memory, postgres, redis, gcs", c.Backend)
	}
	return nil
}
