package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults Without File", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)

		assert.Equal(t, 30, cfg.Compliance.ExcessiveUseWindowDays)
		assert.Equal(t, 3, cfg.Compliance.ExcessiveUseThreshold)
		assert.Equal(t, 3, cfg.Compliance.MaxAppendRetries)
		assert.Equal(t, time.Hour, cfg.Compliance.ReferenceCacheTTL)
		assert.Equal(t, "amu:alerts", cfg.Alerts.StreamName)
		assert.False(t, cfg.Redis.Enabled)
		assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL)
	})

	t.Run("File Values Override Defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := []byte(`
database:
  host: db.internal
  database: amu
compliance:
  excessive_use_threshold: 5
logging:
  format: console
`)
		require.NoError(t, os.WriteFile(path, content, 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, 5, cfg.Compliance.ExcessiveUseThreshold)
		assert.Equal(t, "console", cfg.Logging.Format)
		assert.Contains(t, cfg.GetDatabaseDSN(), "host=db.internal port=5432")
	})

	t.Run("Environment Overrides File", func(t *testing.T) {
		t.Setenv("AMU_COMPLIANCE_EXCESSIVE_USE_WINDOW_DAYS", "14")
		t.Setenv("AMU_REDIS_HOST", "cache")

		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, 14, cfg.Compliance.ExcessiveUseWindowDays)
		assert.Equal(t, "cache:6379", cfg.GetRedisAddr())
	})

	t.Run("Rejects Invalid Values", func(t *testing.T) {
		t.Setenv("AMU_COMPLIANCE_EXCESSIVE_USE_THRESHOLD", "0")
		_, err := LoadConfig("")
		assert.Error(t, err)
	})

	t.Run("Missing File Is An Error", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}
