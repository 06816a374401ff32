package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
role: worker

server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://test:test@db:5432/tgbot?sslmode=disable"
  max_open_conns: 50

telegram:
  api_id: 12345
  api_hash: "test-hash"
  global_mps: 200
  per_account_mpm: 10

scheduler:
  tick_ms: 2000
  early_factor: 0.9
  max_due_per_tick: 100

broadcast:
  attempts_per_job: 4
  max_retries: 5
  retry_jitter_ratio: 0.5

access:
  owner_user_id: "777"
  super_admins:
    - alpha
    - beta
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test role + server config
	assert.Equal(t, "worker", cfg.Role)
	assert.True(t, cfg.IsWorker())
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Test database config
	assert.Equal(t, "postgres://test:test@db:5432/tgbot?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)

	// Test telegram config
	assert.Equal(t, 12345, cfg.Telegram.APIID)
	assert.Equal(t, "test-hash", cfg.Telegram.APIHash)
	assert.Equal(t, 200, cfg.Telegram.GlobalMPS)
	assert.Equal(t, 10, cfg.Telegram.PerAccountMPM)

	// Test scheduler config
	assert.Equal(t, 2000, cfg.Scheduler.TickMS)
	assert.Equal(t, 0.9, cfg.Scheduler.EarlyFactor)
	assert.Equal(t, 100, cfg.Scheduler.MaxDuePerTick)

	// Test broadcast config
	assert.Equal(t, 4, cfg.Broadcast.AttemptsPerJob)
	assert.Equal(t, 5, cfg.Broadcast.MaxRetries)
	assert.Equal(t, 0.5, cfg.Broadcast.RetryJitterRatio)

	// Test access config
	assert.Equal(t, "777", cfg.Access.OwnerUserID)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Access.SuperAdmins)
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
telegram:
  api_id: 1
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, RoleApp, cfg.Role)
	assert.False(t, cfg.IsWorker())
	assert.Equal(t, 3010, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 125, cfg.Telegram.GlobalMPS)
	assert.Equal(t, 6, cfg.Telegram.PerAccountMPM)
	assert.Equal(t, 3500, cfg.Telegram.PerAccountMinDelayMS)
	assert.Equal(t, 300, cfg.Telegram.SlowmodeDefaultSeconds)
	assert.Equal(t, 5000, cfg.Scheduler.TickMS)
	assert.Equal(t, 55, cfg.Scheduler.LockTTLSeconds)
	assert.Equal(t, 0.96, cfg.Scheduler.EarlyFactor)
	assert.Equal(t, 500, cfg.Scheduler.MaxDuePerTick)
	assert.Equal(t, 15000, cfg.Scheduler.JitterMaxMS)
	assert.Equal(t, 0, cfg.Scheduler.IntervalSafetySeconds)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.JobMaxAttempts)
	assert.Equal(t, 5000, cfg.Queue.JobBackoffMS)
	assert.Equal(t, 600000, cfg.Broadcast.UserLockTTLMS)
	assert.Equal(t, 2, cfg.Broadcast.AttemptsPerJob)
	assert.Equal(t, 1, cfg.Broadcast.PerAccountConcurrency)
	assert.Equal(t, 3, cfg.Broadcast.MaxRetries)
	assert.Equal(t, 2000, cfg.Broadcast.RetryBaseMS)
	assert.Equal(t, 120000, cfg.Broadcast.RetryMaxMS)
	assert.Equal(t, 0.2, cfg.Broadcast.RetryJitterRatio)
	assert.Equal(t, 300000, cfg.Broadcast.StuckInFlightMS)
	assert.Equal(t, 1500, cfg.Broadcast.ContinuationBaseMS)
	assert.Equal(t, 1500, cfg.Broadcast.ContinuationJitterMS)
	assert.Equal(t, 60000, cfg.RemoteGroups.CacheTTLMS)
	assert.Equal(t, 180000, cfg.RemoteGroups.MinRefreshMS)
	assert.Equal(t, 120000, cfg.RemoteGroups.FailureCooldownMS)
}

func TestLoadFromEnv(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
role: app
database:
  url: "postgres://file@localhost/file"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Set environment variables
	os.Setenv("BOT_ROLE", "worker")
	os.Setenv("DATABASE_URL", "postgres://env@localhost/env")
	os.Setenv("TG_API_ID", "424242")
	os.Setenv("SUPER_ADMINS", "one, two,")
	defer func() {
		os.Unsetenv("BOT_ROLE")
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("TG_API_ID")
		os.Unsetenv("SUPER_ADMINS")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "worker", cfg.Role)
	assert.Equal(t, "postgres://env@localhost/env", cfg.Database.URL)
	assert.Equal(t, 424242, cfg.Telegram.APIID)
	assert.Equal(t, []string{"one", "two"}, cfg.Access.SuperAdmins)
}

func TestLoadFromEnvMissingFile(t *testing.T) {
	os.Setenv("BOT_ROLE", "worker")
	defer os.Unsetenv("BOT_ROLE")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	// Defaults apply, env still wins
	assert.Equal(t, "worker", cfg.Role)
	assert.Equal(t, 3010, cfg.Server.Port)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestInterSendDelay(t *testing.T) {
	// Floor from messages-per-minute: 60000/6 = 10000ms > 3500ms minimum
	cfg := TelegramConfig{PerAccountMPM: 6, PerAccountMinDelayMS: 3500}
	assert.Equal(t, 10000, int(cfg.InterSendDelay().Milliseconds()))

	// Minimum wins when the MPM budget is generous
	cfg = TelegramConfig{PerAccountMPM: 60, PerAccountMinDelayMS: 3500}
	assert.Equal(t, 3500, int(cfg.InterSendDelay().Milliseconds()))
}

func TestDurationHelpers(t *testing.T) {
	sch := SchedulerConfig{TickMS: 5000, LockTTLSeconds: 55}
	assert.Equal(t, 5000, int(sch.Tick().Milliseconds()))
	assert.Equal(t, 55, int(sch.LockTTL().Seconds()))

	b := BroadcastConfig{UserLockTTLMS: 600000, StuckInFlightMS: 300000}
	assert.Equal(t, 600, int(b.UserLockTTL().Seconds()))
	assert.Equal(t, 300, int(b.StuckWindow().Seconds()))
}
