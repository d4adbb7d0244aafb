package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/advance-engine/config"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "advance.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Batch.CheckInterval.Duration)
	assert.Equal(t, 150, cfg.SLA.WarnMinutes)
	assert.Equal(t, 360, cfg.SLA.OverdueMinutes)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A TOML file, a .env file and one environment override
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "advance.toml", `
[server]
port = 9090
cors_origins = ["https://ops.example.com"]

[database]
path = "/var/lib/advance.db"

[batch]
workers = 8
check_interval = "15m"
scheduler_enabled = false

[sla]
warn_minutes = 60
due_minutes = 120
overdue_minutes = 240
`)
	writeFile(t, dir, ".env", "ADVANCE_LOG_LEVEL=debug\n")
	t.Cleanup(func() { os.Unsetenv("ADVANCE_LOG_LEVEL") })
	t.Setenv("ADVANCE_PORT", "7070")

	// WHEN
	cfg, err := config.Load(path)

	// THEN: Env beats the file, the file beats defaults
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/var/lib/advance.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Batch.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Batch.CheckInterval.Duration)
	assert.False(t, cfg.Batch.SchedulerEnabled)
	assert.Equal(t, 60, cfg.SLA.WarnMinutes)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	t.Run("bad port env", func(t *testing.T) {
		t.Setenv("ADVANCE_PORT", "eighty")
		_, err := config.Load("")
		assert.Error(t, err)
	})

	t.Run("inverted sla thresholds", func(t *testing.T) {
		path := writeFile(t, dir, "bad.toml", "[sla]\nwarn_minutes = 300\ndue_minutes = 180\noverdue_minutes = 360\n")
		_, err := config.Load(path)
		assert.ErrorContains(t, err, "sla thresholds")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(dir, "nope.toml"))
		assert.Error(t, err)
	})
}
