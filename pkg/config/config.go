package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for the upload gateway
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	GCS      GCSConfig      `yaml:"gcs"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Upload   UploadConfig   `yaml:"upload"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// GCSConfig holds backend object storage settings. The endpoint fields are
// overridable so tests can point the client at a local fake.
type GCSConfig struct {
	Project         string `yaml:"project"`
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
	ClientEmail     string `yaml:"client_email"`
	PrivateKeyPEM   string `yaml:"private_key_pem"`
	TokenURL        string `yaml:"token_url"`
	APIEndpoint     string `yaml:"api_endpoint"`
	UploadEndpoint  string `yaml:"upload_endpoint"`
}

// RedisConfig holds Redis connection settings for session durability and
// upload event publishing. Optional: an empty host disables it.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds database connection settings for the upload metadata
// recorder. Optional: an empty host disables it.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// UploadConfig holds resumable upload tuning
type UploadConfig struct {
	ChunkSize  int64         `yaml:"chunk_size"`
	MaxRetries int           `yaml:"max_retries"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	MaxSize    int64         `yaml:"max_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		GCS: GCSConfig{
			Project:         getEnv("GCS_PROJECT", ""),
			Bucket:          getEnv("GCS_BUCKET", "tusgate-files"),
			CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			ClientEmail:     getEnv("GCS_CLIENT_EMAIL", ""),
			PrivateKeyPEM:   getEnv("GCS_PRIVATE_KEY_PEM", ""),
			TokenURL:        getEnv("GCS_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			APIEndpoint:     getEnv("GCS_API_ENDPOINT", "https://storage.googleapis.com/storage/v1"),
			UploadEndpoint:  getEnv("GCS_UPLOAD_ENDPOINT", "https://storage.googleapis.com/upload/storage/v1"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "tusgate"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "tusgate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Upload: UploadConfig{
			ChunkSize:  getEnvInt64("UPLOAD_CHUNK_SIZE", 524288),
			MaxRetries: getEnvInt("UPLOAD_MAX_RETRIES", 5),
			SessionTTL: getEnvDuration("UPLOAD_SESSION_TTL", 7*24*time.Hour),
			MaxSize:    getEnvInt64("UPLOAD_MAX_SIZE", 1073741824),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
