package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Poll     PollConfig
	Chat     ChatConfig
	Archive  ArchiveConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins []string // may contain * wildcards, e.g. https://*.vercel.app
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PollConfig tunes the live question rounds.
type PollConfig struct {
	DefaultTimeLimitSec int
	MaxTimeLimitSec     int
	LateJoinPolicy      string // observe | count
	PersistTimeout      time.Duration
}

// ChatConfig holds chat history settings.
type ChatConfig struct {
	HistoryLimit int
}

// ArchiveConfig toggles uploading closed poll results to S3.
type ArchiveConfig struct {
	Enabled bool
}

// AWSConfig holds AWS credentials and the results bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ResultsBucket   string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()
	_ = godotenv.Load("env")

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "5000"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: splitTrim(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000"), ","),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "livepoll"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Poll: PollConfig{
			DefaultTimeLimitSec: getEnvInt("POLL_DEFAULT_TIME_LIMIT_SEC", 60),
			MaxTimeLimitSec:     getEnvInt("POLL_MAX_TIME_LIMIT_SEC", 600),
			LateJoinPolicy:      strings.ToLower(getEnv("POLL_LATE_JOIN_POLICY", "observe")),
			PersistTimeout:      time.Duration(getEnvInt("POLL_PERSIST_TIMEOUT_MS", 3000)) * time.Millisecond,
		},
		Chat: ChatConfig{
			HistoryLimit: getEnvInt("CHAT_HISTORY_LIMIT", 50),
		},
		Archive: ArchiveConfig{
			Enabled: getEnvBool("ARCHIVE_ENABLED", false),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ResultsBucket:   getEnv("AWS_S3_RESULTS_BUCKET", "livepoll-results"),
		},
	}

	switch cfg.Poll.LateJoinPolicy {
	case "observe", "count":
	default:
		return nil, fmt.Errorf("POLL_LATE_JOIN_POLICY must be observe or count, got %q", cfg.Poll.LateJoinPolicy)
	}
	if cfg.Poll.DefaultTimeLimitSec <= 0 || cfg.Poll.DefaultTimeLimitSec > cfg.Poll.MaxTimeLimitSec {
		return nil, fmt.Errorf("POLL_DEFAULT_TIME_LIMIT_SEC must be between 1 and %d", cfg.Poll.MaxTimeLimitSec)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
