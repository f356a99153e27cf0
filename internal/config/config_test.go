package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:4723", cfg.Appium.URL())
	assert.Equal(t, DriverAppium, cfg.Driver.Kind)
	assert.True(t, cfg.App.UseLive)
	assert.Equal(t, "com.gmeremit.online.gmeremittance_native", cfg.Target().Package)
	assert.Equal(t, "explore_results", cfg.Output.Root)
	assert.Equal(t, 300, cfg.Output.LogTail)
	assert.Equal(t, 60*time.Second, cfg.Appium.HTTPTimeoutDuration())
	assert.Empty(t, cfg.Database.Type)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
appium:
  host: 10.0.0.5
  port: 4800
app:
  use_live: false
driver:
  kind: ADB
database:
  type: sqlite
  path: runs.db
`)
	t.Setenv("APPIUM_PORT", "4900")
	t.Setenv("ANDROID_UDID", "emulator-5554")
	t.Setenv("STG_ID", "stg-user")
	t.Setenv("STG_PW", "1111")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Appium.Host)
	assert.Equal(t, 4900, cfg.Appium.Port)
	assert.Equal(t, DriverADB, cfg.Driver.Kind)
	assert.Equal(t, "runs.db", cfg.Database.Path)

	assert.False(t, cfg.App.UseLive)
	assert.Equal(t, "com.gmeremit.online.gmeremittance_native.stag", cfg.Target().Package)
	creds := cfg.LoginCredentials()
	assert.Equal(t, "stg-user", creds.Username)
	assert.Equal(t, "1111", creds.PIN)

	caps := cfg.Capabilities().Map()
	assert.Equal(t, "emulator-5554", caps["appium:udid"])
	assert.Equal(t, "com.gmeremit.online.gmeremittance_native.stag", caps["appium:appPackage"])
	assert.Equal(t, true, caps["appium:noReset"])
}

func TestLoad_UseLiveFromEnv(t *testing.T) {
	t.Setenv("USE_LIVE", "false")
	t.Setenv("LIVE_ID", "live-user")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.App.UseLive)
	assert.Empty(t, cfg.LoginCredentials().Username)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "driver:\n  kind: selenium\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "unsupported driver")

	path = writeConfig(t, "database:\n  type: postgres\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestRetryConfig_Build(t *testing.T) {
	logger := logrus.New()
	cfg := RetryConfig{MaxAttempts: 5, InitialInterval: 1, Strategy: "linear"}.Build("create_session", logger)

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialInterval)
	assert.Equal(t, retry.StrategyLinear, cfg.Strategy)
	assert.Equal(t, "create_session", cfg.Op)
	assert.Same(t, logger, cfg.Logger)

	fallback := RetryConfig{Strategy: "random"}.Build("x", logger)
	assert.Equal(t, retry.DefaultConfig().Strategy, fallback.Strategy)
	assert.Equal(t, retry.DefaultConfig().MaxAttempts, fallback.MaxAttempts)
}

func TestInitLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "explorer.log")
	logger := InitLogger(&LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	logger.WithField("screen", "home_main").Info("Captured")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"screen":"home_main"`)
	assert.Contains(t, string(data), "config_test.go")
}

func TestInitLogger_BadLevel(t *testing.T) {
	logger := InitLogger(&LogConfig{Level: "loud"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
