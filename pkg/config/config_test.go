package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, int64(524288), cfg.Upload.ChunkSize)
	assert.Equal(t, 5, cfg.Upload.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.Upload.SessionTTL)
	assert.Equal(t, int64(1073741824), cfg.Upload.MaxSize)

	assert.Equal(t, "tusgate-files", cfg.GCS.Bucket)
	assert.Equal(t, "https://oauth2.googleapis.com/token", cfg.GCS.TokenURL)

	// Redis and the database are opt-in.
	assert.Empty(t, cfg.Redis.Host)
	assert.Empty(t, cfg.Database.Host)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("UPLOAD_CHUNK_SIZE", "1048576")
	t.Setenv("UPLOAD_SESSION_TTL", "48h")
	t.Setenv("GCS_BUCKET", "custom-bucket")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadFromEnv()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(1048576), cfg.Upload.ChunkSize)
	assert.Equal(t, 48*time.Hour, cfg.Upload.SessionTTL)
	assert.Equal(t, "custom-bucket", cfg.GCS.Bucket)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-port")
	t.Setenv("UPLOAD_MAX_SIZE", "huge")
	t.Setenv("UPLOAD_SESSION_TTL", "fortnight")

	cfg := LoadFromEnv()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(1073741824), cfg.Upload.MaxSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Upload.SessionTTL)
}

func TestDatabaseURL(t *testing.T) {
	db := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "tusgate",
		Password: "secret",
		DBName:   "uploads",
		SSLMode:  "require",
	}
	assert.Equal(t, "host=db.internal port=5432 user=tusgate password=secret dbname=uploads sslmode=require", db.DatabaseURL())
}

func TestRedisAddr(t *testing.T) {
	r := RedisConfig{Host: "redis.internal", Port: 6380}
	assert.Equal(t, "redis.internal:6380", r.RedisAddr())
}
