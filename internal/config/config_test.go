package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  http_port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 50051, cfg.Server.GRPCPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.Database.Enabled)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, time.Hour, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, "minidiff-sim", cfg.Instrument.Profile)
	assert.Equal(t, []string{"./configs/instruments"}, cfg.Instrument.SearchPaths)
	assert.Equal(t, 200*time.Millisecond, cfg.Motion.PollInterval)
	assert.Equal(t, time.Minute, cfg.Motion.PhaseTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("MDC_SERVER_HTTP_PORT", "8181")
	t.Setenv("MDC_INSTRUMENT_PROFILE", "minidiff-modbus")
	t.Setenv("MDC_MOTION_PHASE_TIMEOUT", "5s")

	cfg, err := Load(writeConfig(t, "server:\n  http_port: 9000\ninstrument:\n  profile: other\n"))
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.HTTPPort)
	assert.Equal(t, "minidiff-modbus", cfg.Instrument.Profile)
	assert.Equal(t, 5*time.Second, cfg.Motion.PhaseTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "motion:\n  poll_interval: 0s\n"))
	assert.ErrorContains(t, err, "poll_interval")
}

func TestAuthConfig_Secret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "MDC_TEST_SECRET"}

	t.Setenv("MDC_TEST_SECRET", "")
	assert.Equal(t, devJWTSecret, a.GetJWTSecret())
	assert.False(t, a.IsProductionReady())

	t.Setenv("MDC_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	assert.True(t, a.IsProductionReady())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Database: "minidiff", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/minidiff?sslmode=disable", d.DSN())
}
