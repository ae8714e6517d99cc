package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "mongo", cfg.StoreDriver)
	assert.Equal(t, "student_tracker", cfg.MongoDatabase)
	assert.Equal(t, "students", cfg.MongoCollection)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "backups/", cfg.BackupS3.Prefix)
	assert.Empty(t, cfg.BackupS3.Bucket)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", " Redis ")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000, https://tracker.example.com,")
	t.Setenv("BACKUP_S3_PATH_STYLE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis", cfg.StoreDriver)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, []string{"http://localhost:3000", "https://tracker.example.com"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.BackupS3.PathStyle)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MONGO_DATABASE=from_dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("MONGO_DATABASE") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from_dotenv", cfg.MongoDatabase)
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("driver", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "postgres")
		_, err := Load("")
		assert.ErrorContains(t, err, "unknown STORE_DRIVER")
	})
	t.Run("origin", func(t *testing.T) {
		t.Setenv("CORS_ALLOWED_ORIGINS", "localhost:3000")
		_, err := Load("")
		assert.ErrorContains(t, err, "CORS origin")
	})
}
