// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	AutoMigrate        bool
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	// JWTSecret が空の場合、識別子はリクエストボディの userId/email からのみ取得する。
	JWTSecret string

	RSAKeyBits         int
	RSAOAEPHash        string
	ECDHKDF            string
	MobileNonceSize    int
	DashboardNonceSize int

	CryptoWorkers  int
	MetricsEnabled bool
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", "sqlite:keys.db"),
		AutoMigrate:        getEnvBool("AUTO_MIGRATE", true),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     os.Getenv("OTEL_ENDPOINT"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "session-key-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),

		JWTSecret: os.Getenv("JWT_SECRET"),

		RSAKeyBits:         getEnvInt("RSA_KEY_BITS", 2048),
		RSAOAEPHash:        getEnv("RSA_OAEP_HASH", "sha1"),
		ECDHKDF:            getEnv("ECDH_KDF", "raw"),
		MobileNonceSize:    getEnvInt("MOBILE_NONCE_SIZE", 16),
		DashboardNonceSize: getEnvInt("DASHBOARD_NONCE_SIZE", 16),

		CryptoWorkers:  getEnvInt("CRYPTO_WORKERS", runtime.NumCPU()),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if c.RSAKeyBits < 2048 {
		return fmt.Errorf("RSA_KEY_BITS must be at least 2048, got %d", c.RSAKeyBits)
	}
	if c.OtelEnabled && c.OtelEndpoint == "" {
		return fmt.Errorf("OTEL_ENDPOINT is required when OTEL_ENABLED=true")
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATE must be between 0 and 1, got %v", c.OtelSamplingRate)
	}
	if c.CryptoWorkers < 1 {
		return fmt.Errorf("CRYPTO_WORKERS must be positive, got %d", c.CryptoWorkers)
	}
	return nil
}

// SlogLevel はLOG_LEVELをslogのレベルに変換する。
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) int {
	val, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultVal
	}
	return val
}
