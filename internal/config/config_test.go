package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, BackendMemory, cfg.Coordination.Backend)
	require.Equal(t, 15*time.Second, cfg.Throttle.PollInterval)
	require.Equal(t, time.Minute, cfg.Throttle.GlobalPollInterval)
	require.Equal(t, 5*time.Minute, cfg.Throttle.CleanupInterval)
	require.Equal(t, 10*time.Second, cfg.Locks.HeartbeatInterval)
	require.Equal(t, 45*time.Second, cfg.Throttle.ActivityWindow())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 8181
  shutdown_timeout: 3s
logging:
  development: false
coordination:
  backend: postgres
  postgres:
    dsn: postgres://governor@localhost/governor
    table: locks_and_throttles
    max_conns: 8
locks:
  stale_after: 2m
  heartbeat_interval: 20s
throttle:
  process_name: crawler-a
  poll_interval: 5s
  activity_window_polls: 4
  seed_file: /etc/governor/groups.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8181, cfg.Server.Port)
	require.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, BackendPostgres, cfg.Coordination.Backend)
	require.Equal(t, "locks_and_throttles", cfg.Coordination.Postgres.Table)
	require.EqualValues(t, 8, cfg.Coordination.Postgres.MaxConns)
	require.True(t, cfg.Coordination.Postgres.EnsureSchema)
	require.Equal(t, 2*time.Minute, cfg.Locks.StaleAfter)
	require.Equal(t, "crawler-a", cfg.Throttle.ProcessName)
	require.Equal(t, 20*time.Second, cfg.Throttle.ActivityWindow())
	require.Equal(t, "/etc/governor/groups.yaml", cfg.Throttle.SeedFile)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:       ServerConfig{Port: 9090},
		Coordination: CoordinationConfig{Backend: BackendMemory},
		Locks: LocksConfig{
			StaleAfter:        time.Minute,
			HeartbeatInterval: 10 * time.Second,
			RetryMin:          10 * time.Millisecond,
			RetryMax:          time.Second,
		},
		Throttle: ThrottleConfig{
			PollInterval:        15 * time.Second,
			GlobalPollInterval:  time.Minute,
			CleanupInterval:     5 * time.Minute,
			FlagCheckInterval:   time.Second,
			ActivityWindowPolls: 3,
		},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "unknown backend", mutate: func(c *Config) { c.Coordination.Backend = "etcd" }, want: "coordination.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Coordination.Backend = BackendPostgres }, want: "coordination.postgres.dsn"},
		{name: "redis without addr", mutate: func(c *Config) { c.Coordination.Backend = BackendRedis }, want: "coordination.redis.addr"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Coordination.Backend = BackendGCS }, want: "coordination.gcs.bucket"},
		{name: "heartbeat too slow", mutate: func(c *Config) { c.Locks.HeartbeatInterval = 2 * time.Minute }, want: "locks.heartbeat_interval"},
		{name: "retry bounds inverted", mutate: func(c *Config) { c.Locks.RetryMax = time.Millisecond }, want: "locks.retry_min"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Throttle.PollInterval = 0 }, want: "throttle.poll_interval"},
		{name: "zero flag interval", mutate: func(c *Config) { c.Throttle.FlagCheckInterval = 0 }, want: "throttle.flag_check_interval"},
		{name: "no activity window", mutate: func(c *Config) { c.Throttle.ActivityWindowPolls = 0 }, want: "throttle.activity_window_polls"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
