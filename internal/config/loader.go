package config

import (
	"fmt"
	"os"
	"strings"
)

// Load loads configuration: defaults overlaid with environment variables.
// A .env file in the working directory is read first; real environment
// variables always win over .env entries.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads a .env file from the working directory, if present.
func loadDotEnv() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // .env file is optional
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || line[0] == '#' {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := trimQuotes(strings.TrimSpace(line[idx+1:]))
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	cfg.App.Env = getEnvStr("APP_ENV", cfg.App.Env)
	cfg.App.Host = getEnvStr("APP_HOST", cfg.App.Host)
	cfg.App.Port = getEnvInt("APP_PORT", cfg.App.Port)
	cfg.App.LogLevel = getEnvStr("LOG_LEVEL", cfg.App.LogLevel)

	cfg.Database.URL = getEnvStr("DATABASE_URL", cfg.Database.URL)

	cfg.Security.SecretKey = getEnvStr("SECRET_KEY", cfg.Security.SecretKey)
	cfg.Security.FieldEncryptionKey = getEnvStr("FIELD_ENCRYPTION_KEY", cfg.Security.FieldEncryptionKey)
	cfg.Security.FieldEncryptionKeyFile = getEnvStr("FIELD_ENCRYPTION_KEY_FILE", cfg.Security.FieldEncryptionKeyFile)
	cfg.Security.AdminUsername = getEnvStr("ADMIN_USERNAME", cfg.Security.AdminUsername)
	cfg.Security.AdminPassword = getEnvStr("ADMIN_PASSWORD", cfg.Security.AdminPassword)

	cfg.Pixiv.OAuthClientID = getEnvStr("PIXIV_OAUTH_CLIENT_ID", cfg.Pixiv.OAuthClientID)
	cfg.Pixiv.OAuthClientSecret = getEnvStr("PIXIV_OAUTH_CLIENT_SECRET", cfg.Pixiv.OAuthClientSecret)
	cfg.Pixiv.OAuthHashSecret = getEnvStr("PIXIV_OAUTH_HASH_SECRET", cfg.Pixiv.OAuthHashSecret)
	cfg.Pixiv.OAuthBaseURL = getEnvStr("PIXIV_OAUTH_BASE_URL", cfg.Pixiv.OAuthBaseURL)
	cfg.Pixiv.AppAPIBaseURL = getEnvStr("PIXIV_APP_API_BASE_URL", cfg.Pixiv.AppAPIBaseURL)

	cfg.ImageProxy.UsePixivCat = getEnvBool("IMGPROXY_USE_PIXIV_CAT", cfg.ImageProxy.UsePixivCat)
	cfg.ImageProxy.MirrorHost = getEnvStr("IMGPROXY_MIRROR_HOST", cfg.ImageProxy.MirrorHost)
	cfg.ImageProxy.CacheControl = getEnvStr("IMGPROXY_CACHE_CONTROL", cfg.ImageProxy.CacheControl)
	cfg.ImageProxy.CustomHosts = getEnvStr("IMGPROXY_CUSTOM_HOSTS", cfg.ImageProxy.CustomHosts)

	cfg.PublicAPI.KeyRequired = getEnvBool("PUBLIC_API_KEY_REQUIRED", cfg.PublicAPI.KeyRequired)
	cfg.PublicAPI.KeyRPM = getEnvInt("PUBLIC_API_KEY_RPM", cfg.PublicAPI.KeyRPM)
	cfg.PublicAPI.KeyBurst = getEnvInt("PUBLIC_API_KEY_BURST", cfg.PublicAPI.KeyBurst)

	cfg.Import.MaxBytes = getEnvInt64("IMPORT_MAX_BYTES", cfg.Import.MaxBytes)
	cfg.Import.InlineMaxAccepted = getEnvInt("IMPORT_INLINE_MAX_ACCEPTED", cfg.Import.InlineMaxAccepted)

	cfg.Random.FailCooldownSeconds = getEnvInt("RANDOM_FAIL_COOLDOWN_SECONDS", cfg.Random.FailCooldownSeconds)

	cfg.Hydrate.TokenStrategy = getEnvStr("HYDRATE_TOKEN_STRATEGY", cfg.Hydrate.TokenStrategy)
	cfg.Hydrate.TokenAttempts = getEnvInt("HYDRATE_TOKEN_ATTEMPTS", cfg.Hydrate.TokenAttempts)
	cfg.Hydrate.ProxyFailoverAttempts = getEnvInt("HYDRATE_PROXY_FAILOVER_ATTEMPTS", cfg.Hydrate.ProxyFailoverAttempts)
	cfg.Hydrate.MinIntervalMs = getEnvInt("HYDRATE_MIN_INTERVAL_MS", cfg.Hydrate.MinIntervalMs)
	cfg.Hydrate.JitterMs = getEnvInt("HYDRATE_JITTER_MS", cfg.Hydrate.JitterMs)
	cfg.Hydrate.BatchSize = getEnvInt("HYDRATE_BATCH_SIZE", cfg.Hydrate.BatchSize)
	cfg.Hydrate.RefreshMarginSeconds = getEnvInt("HYDRATE_REFRESH_MARGIN_SECONDS", cfg.Hydrate.RefreshMarginSeconds)

	cfg.Worker.Enabled = getEnvBool("WORKER_ENABLED", cfg.Worker.Enabled)
	cfg.Worker.Concurrency = getEnvInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.AutoConcurrency = getEnvBool("WORKER_AUTO_CONCURRENCY", cfg.Worker.AutoConcurrency)
	cfg.Worker.TickMs = getEnvInt("WORKER_TICK_MS", cfg.Worker.TickMs)
	cfg.Worker.MaxClaimsPerTick = getEnvInt("WORKER_MAX_CLAIMS_PER_TICK", cfg.Worker.MaxClaimsPerTick)
	cfg.Worker.LockTTLSeconds = getEnvInt("WORKER_LOCK_TTL_SECONDS", cfg.Worker.LockTTLSeconds)
	cfg.Worker.HeartbeatSeconds = getEnvInt("WORKER_HEARTBEAT_SECONDS", cfg.Worker.HeartbeatSeconds)

	cfg.EasyProxies.Enabled = getEnvBool("EASY_PROXIES_ENABLED", cfg.EasyProxies.Enabled)
	cfg.EasyProxies.URL = getEnvStr("EASY_PROXIES_URL", cfg.EasyProxies.URL)
	cfg.EasyProxies.IntervalSeconds = getEnvInt("EASY_PROXIES_INTERVAL_SECONDS", cfg.EasyProxies.IntervalSeconds)
	cfg.EasyProxies.PoolID = getEnvInt64("EASY_PROXIES_POOL_ID", cfg.EasyProxies.PoolID)
	cfg.EasyProxies.AttachToPool = getEnvBool("EASY_PROXIES_ATTACH_TO_POOL", cfg.EasyProxies.AttachToPool)
	cfg.EasyProxies.RecomputeBindings = getEnvBool("EASY_PROXIES_RECOMPUTE_BINDINGS", cfg.EasyProxies.RecomputeBindings)
	cfg.EasyProxies.MaxTokensPerProxy = getEnvInt("EASY_PROXIES_MAX_TOKENS_PER_PROXY", cfg.EasyProxies.MaxTokensPerProxy)

	cfg.HTTP.ConnectTimeoutSeconds = getEnvInt("HTTP_CONNECT_TIMEOUT_SECONDS", cfg.HTTP.ConnectTimeoutSeconds)
	cfg.HTTP.TotalTimeoutSeconds = getEnvInt("HTTP_TOTAL_TIMEOUT_SECONDS", cfg.HTTP.TotalTimeoutSeconds)
	cfg.HTTP.ProbeTimeoutSeconds = getEnvInt("HTTP_PROBE_TIMEOUT_SECONDS", cfg.HTTP.ProbeTimeoutSeconds)

	cfg.LogRotation.MaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", cfg.LogRotation.MaxSizeMB)
	cfg.LogRotation.MaxBackups = getEnvInt("LOG_MAX_BACKUPS", cfg.LogRotation.MaxBackups)
	cfg.LogRotation.MaxAgeDays = getEnvInt("LOG_MAX_AGE_DAYS", cfg.LogRotation.MaxAgeDays)
	cfg.LogRotation.Compress = getEnvBool("LOG_COMPRESS", cfg.LogRotation.Compress)
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
