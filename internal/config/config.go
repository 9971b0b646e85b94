// Package config provides configuration management with 2-tier priority:
// Environment variables > Default values. Mutable runtime knobs live in the
// runtime_settings table and are managed by the settings service instead.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Security    SecurityConfig
	Pixiv       PixivConfig
	ImageProxy  ImageProxyConfig
	PublicAPI   PublicAPIConfig
	Import      ImportConfig
	Random      RandomConfig
	Hydrate     HydrateConfig
	Worker      WorkerConfig
	EasyProxies EasyProxiesConfig
	HTTP        HTTPClientConfig
	LogRotation LogRotationConfig
}

// AppConfig holds server-level configuration.
type AppConfig struct {
	Env      string // development, production
	Host     string
	Port     int
	LogLevel string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	URL string // path to the sqlite file
}

// SecurityConfig holds secrets and admin credentials.
type SecurityConfig struct {
	SecretKey              string
	FieldEncryptionKey     string // 32-byte key, hex or base64; see secret.ParseKey
	FieldEncryptionKeyFile string
	AdminUsername          string
	AdminPassword          string
}

// PixivConfig holds upstream Pixiv API configuration.
type PixivConfig struct {
	OAuthClientID     string
	OAuthClientSecret string
	OAuthHashSecret   string
	OAuthBaseURL      string
	AppAPIBaseURL     string
}

// ImageProxyConfig holds image mirror rewrite configuration.
type ImageProxyConfig struct {
	UsePixivCat  bool
	MirrorHost   string // explicit override; empty = pick per request
	CacheControl string
	CustomHosts  string // comma-separated allowlist of custom mirror FQDNs
}

// PublicAPIConfig holds public API key enforcement settings.
type PublicAPIConfig struct {
	KeyRequired bool
	KeyRPM      int
	KeyBurst    int
}

// ImportConfig holds URL list import limits.
type ImportConfig struct {
	MaxBytes          int64
	InlineMaxAccepted int
}

// RandomConfig holds random picker defaults.
type RandomConfig struct {
	FailCooldownSeconds int
}

// HydrateConfig holds hydration pipeline tuning.
type HydrateConfig struct {
	TokenStrategy         string // least_error, weighted or sticky
	TokenAttempts         int // max distinct tokens tried per illust
	ProxyFailoverAttempts int
	MinIntervalMs         int // per-token throttle floor
	JitterMs              int
	BatchSize             int // run-driven candidates per claim
	RefreshMarginSeconds  int // access token early-expiry margin
}

// WorkerConfig holds the embedded job worker configuration.
type WorkerConfig struct {
	Enabled          bool
	Concurrency      int  // upper bound on in-flight jobs
	AutoConcurrency  bool // clamp target to enabled token count
	TickMs           int
	MaxClaimsPerTick int
	LockTTLSeconds   int
	HeartbeatSeconds int
}

// EasyProxiesConfig holds the auto-refresh loop for an external proxy list.
type EasyProxiesConfig struct {
	Enabled           bool
	URL               string
	IntervalSeconds   int
	PoolID            int64
	AttachToPool      bool
	RecomputeBindings bool
	MaxTokensPerProxy int
}

// HTTPClientConfig holds outbound HTTP timeouts.
type HTTPClientConfig struct {
	ConnectTimeoutSeconds int
	TotalTimeoutSeconds   int
	ProbeTimeoutSeconds   int
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "development",
			Host:     "0.0.0.0",
			Port:     8000,
			LogLevel: "INFO",
		},
		Database: DatabaseConfig{
			URL: "data/piximg.db",
		},
		Security: SecurityConfig{
			SecretKey:     "change-this-to-a-random-secret-key",
			AdminUsername: "admin",
			AdminPassword: "admin123",
		},
		Pixiv: PixivConfig{
			OAuthBaseURL:  "https://oauth.secure.pixiv.net",
			AppAPIBaseURL: "https://app-api.pixiv.net",
		},
		ImageProxy: ImageProxyConfig{
			UsePixivCat:  false,
			CacheControl: "public, max-age=86400",
		},
		PublicAPI: PublicAPIConfig{
			KeyRequired: false,
			KeyRPM:      120,
			KeyBurst:    30,
		},
		Import: ImportConfig{
			MaxBytes:          8 << 20,
			InlineMaxAccepted: 500,
		},
		Random: RandomConfig{
			FailCooldownSeconds: 600,
		},
		Hydrate: HydrateConfig{
			TokenStrategy:         "least_error",
			TokenAttempts:         10,
			ProxyFailoverAttempts: 2,
			MinIntervalMs:         1200,
			JitterMs:              400,
			BatchSize:             20,
			RefreshMarginSeconds:  60,
		},
		Worker: WorkerConfig{
			Enabled:          true,
			Concurrency:      4,
			AutoConcurrency:  true,
			TickMs:           1000,
			MaxClaimsPerTick: 4,
			LockTTLSeconds:   300,
			HeartbeatSeconds: 10,
		},
		EasyProxies: EasyProxiesConfig{
			Enabled:           false,
			IntervalSeconds:   1800,
			MaxTokensPerProxy: 2,
		},
		HTTP: HTTPClientConfig{
			ConnectTimeoutSeconds: 10,
			TotalTimeoutSeconds:   30,
			ProbeTimeoutSeconds:   8,
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.App.Port < 1 || c.App.Port > 65535 {
		return &ConfigError{Field: "app.port", Message: "must be between 1 and 65535"}
	}
	if c.Worker.Concurrency < 1 {
		return &ConfigError{Field: "worker.concurrency", Message: "must be at least 1"}
	}
	if c.Worker.LockTTLSeconds < 10 {
		return &ConfigError{Field: "worker.lock_ttl_seconds", Message: "must be at least 10"}
	}
	if c.Hydrate.TokenAttempts < 1 {
		return &ConfigError{Field: "hydrate.token_attempts", Message: "must be at least 1"}
	}
	if c.Import.MaxBytes < 1 {
		return &ConfigError{Field: "import.max_bytes", Message: "must be positive"}
	}
	if c.EasyProxies.Enabled && c.EasyProxies.URL == "" {
		return &ConfigError{Field: "easy_proxies.url", Message: "required when enabled"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Helper functions for environment variable parsing.

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
}
