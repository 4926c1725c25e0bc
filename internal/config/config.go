// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// エンタイトルメントレコードの保存先。
const (
	StoreBackendPostgres = "postgres"
	StoreBackendRedis    = "redis"
	StoreBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string
	RedisURL     string

	// Identity
	GoogleClientID string

	// Webhook
	WebhookSigningSecret string
	WebhookTolerance     time.Duration

	// Entitlement
	TrialDuration time.Duration

	// Store retry
	StoreRetryMaxAttempts    int
	StoreRetryInitialBackoff time.Duration
	StoreRetryMaxBackoff     time.Duration

	// Expiry sweeper
	ExpirySweepInterval    time.Duration
	ExpirySweepBatch       int
	ExpirySweepConcurrency int

	// Rate Limit
	RateLimitGeneral int
	RateLimitWindow  time.Duration
	RateLimitTrial   int

	// Server
	ServerPort        string
	MetricsPort       string // 空の場合はメトリクスサーバーを起動しない
	TrustProxyHeaders bool

	// Logging
	LogLevel string

	// CORS
	CORSAllowedOrigins []string
}

// Load は.envファイル（存在する場合）と環境変数からConfigを読み込む。
// 既に設定済みの環境変数は.envで上書きしない。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv は環境変数のみからConfigを読み込む。
// 不正な値はデフォルト値にフォールバックする。
func FromEnv() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendPostgres))
	switch cfg.StoreBackend {
	case StoreBackendPostgres, StoreBackendRedis, StoreBackendMemory:
	default:
		cfg.StoreBackend = StoreBackendPostgres
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreBackend != StoreBackendMemory {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" && cfg.StoreBackend == StoreBackendRedis {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.WebhookSigningSecret = os.Getenv("WEBHOOK_SIGNING_SECRET")
	cfg.WebhookTolerance = getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute)
	cfg.TrialDuration = getEnvDuration("TRIAL_DURATION", 7*24*time.Hour)
	cfg.StoreRetryMaxAttempts = getEnvInt("STORE_RETRY_MAX_ATTEMPTS", 5)
	cfg.StoreRetryInitialBackoff = getEnvDuration("STORE_RETRY_INITIAL_BACKOFF", 50*time.Millisecond)
	cfg.StoreRetryMaxBackoff = getEnvDuration("STORE_RETRY_MAX_BACKOFF", 2*time.Second)
	cfg.ExpirySweepInterval = getEnvDuration("EXPIRY_SWEEP_INTERVAL", 15*time.Minute)
	cfg.ExpirySweepBatch = getEnvInt("EXPIRY_SWEEP_BATCH", 500)
	cfg.ExpirySweepConcurrency = getEnvInt("EXPIRY_SWEEP_CONCURRENCY", 8)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 100)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute)
	cfg.RateLimitTrial = getEnvInt("RATE_LIMIT_TRIAL", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvStringAllowEmpty("METRICS_PORT", "9090")
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:5174"})

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvStringAllowEmpty は明示的に空文字が設定された場合は空文字を返す。
func getEnvStringAllowEmpty(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return defaultVal
}

// getEnvInt は正の整数を読み込む。0以下や解釈できない値はデフォルト値を返す。
func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

// getEnvDuration は正の期間を読み込む。0以下や解釈できない値はデフォルト値を返す。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvList はカンマ区切りのリストを読み込む。空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
