package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// isolate runs the test from an empty directory so no kestrel.yaml or .env
// from the repository is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(viper.New(), Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "./kestrel.db", cfg.Repository.SQLitePath)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 10*time.Minute, cfg.Cache.SnapshotTTL)
	assert.Equal(t, "channel", cfg.EventBus.Type)
	assert.False(t, cfg.Worker.Enabled)
	assert.Equal(t, 10, cfg.Violations.RuleWorkers)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadProTier(t *testing.T) {
	isolate(t)
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load(viper.New(), Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.True(t, cfg.Cache.EnableTwoPhase)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.True(t, cfg.Worker.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("KESTREL_SERVER_PORT", "9090")
	t.Setenv("KESTREL_REPOSITORY_SQLITEPATH", "/tmp/other.db")
	t.Setenv("KESTREL_CACHE_SNAPSHOTTTL", "30s")
	t.Setenv("KESTREL_WORKER_TENANTIDS", "acme,globex")
	t.Setenv("KESTREL_VIOLATIONS_ENFORCEMISSINGTAGDETAIL", "true")
	t.Setenv("KESTREL_DEBUG", "true")

	cfg, err := Load(viper.New(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.db", cfg.Repository.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.Cache.SnapshotTTL)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Worker.TenantIDs)
	assert.True(t, cfg.Violations.EnforceMissingTagDetail)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	dir := isolate(t)

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
logging:
  format: text
violations:
  ruleworkers: 4
`), 0o600))

	t.Run("explicit file", func(t *testing.T) {
		cfg, err := Load(viper.New(), Options{ConfigFile: path})
		require.NoError(t, err)
		assert.Equal(t, 7000, cfg.Server.Port)
		assert.Equal(t, "text", cfg.Logging.Format)
		assert.Equal(t, 4, cfg.Violations.RuleWorkers)
	})

	t.Run("env wins over file", func(t *testing.T) {
		t.Setenv("KESTREL_SERVER_PORT", "7100")
		cfg, err := Load(viper.New(), Options{ConfigFile: path})
		require.NoError(t, err)
		assert.Equal(t, 7100, cfg.Server.Port)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(viper.New(), Options{ConfigFile: filepath.Join(dir, "nope.yaml")})
		assert.Error(t, err)
	})
}

func TestLoadEnvFile(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("KESTREL_SERVER_HOST=127.0.0.1\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("KESTREL_SERVER_HOST") })

	cfg, err := Load(viper.New(), Options{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)

	t.Run("missing env file is ignored", func(t *testing.T) {
		_, err := Load(viper.New(), Options{EnvFile: filepath.Join(dir, "absent.env")})
		assert.NoError(t, err)
	})
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolate(t)
	t.Setenv("KESTREL_REPOSITORY_DRIVER", "mysql")
	t.Setenv("KESTREL_LOGGING_LEVEL", "verbose")

	_, err := Load(viper.New(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
	assert.Contains(t, err.Error(), "verbose")
}

func TestFlagsOverrideEnv(t *testing.T) {
	isolate(t)
	t.Setenv("KESTREL_SERVER_PORT", "9090")

	v := viper.New()
	v.Set("server.port", 6000)

	cfg, err := Load(v, Options{})
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Server.Port)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "tenant_id", "t-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"tenant_id":"t-1"`)

	_, err = NewLogger(domain.LoggingConfig{Level: "info", Format: "xml"}, &buf)
	assert.Error(t, err)
}
