package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration
	RedisPrefix   string
	RedisRequired bool

	// Secrets（外部シークレットストアから環境変数として注入される）
	JWTSecret         string
	EncryptionKey     string
	PIIEncryptionKey  string
	AnonymizationSalt string
	KeyID             string

	// Token
	TokenIssuer      string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	DeviceSessionTTL time.Duration

	// Password / Lockout
	PasswordMinLength  int
	PasswordIterations int
	LockoutThreshold   int
	LockoutDuration    time.Duration

	// MFA
	MFAIssuer       string
	MFAChallengeTTL time.Duration
	MFABackupCodes  int

	// Rate Limit
	RateLimitingEnabled  bool
	RateLimitWindow      time.Duration
	RateLimitSubWindow   time.Duration
	RateLimitBurstWindow time.Duration
	RateLimitFailOpen    bool
	RateLimits           string
	RateLimitBursts      string
	RateLimitTiers       string
	IPBlockThreshold     int
	IPBlockWindow        time.Duration
	IPBlockDuration      time.Duration

	// Content Filter
	ContentFilteringEnabled bool
	ContentFilterPolicy     string
	ContentFilterBlocklist  []string
	ChildAgeThreshold       int

	// Audit
	AuditLoggingEnabled  bool
	AuditBufferSize      int
	AuditShards          int
	AuditFlushInterval   time.Duration
	AuditBatchSize       int
	AuditRetentionDays   int
	AuditAlertWebhookURL string

	// Error Handler
	ErrorRateAlertThreshold int

	// Middleware
	CSRFProtectionEnabled bool
	XSSProtectionEnabled  bool
	CORSAllowedOrigin     string
	TrustProxyHeaders     bool
	CookieDomain          string
	CookieSecure          bool

	// Generator
	GeneratorURL     string
	GeneratorTimeout time.Duration

	// Server
	ServerPort  string
	Environment string
}

// IsDevelopment は開発環境で起動しているかを返す。
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	if cfg.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}

	cfg.PIIEncryptionKey = os.Getenv("PII_ENCRYPTION_KEY")
	if cfg.PIIEncryptionKey == "" {
		missing = append(missing, "PII_ENCRYPTION_KEY")
	}

	cfg.AnonymizationSalt = os.Getenv("ANONYMIZATION_SALT")
	if cfg.AnonymizationSalt == "" {
		missing = append(missing, "ANONYMIZATION_SALT")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.RedisTimeout = getEnvDuration("REDIS_TIMEOUT", 500*time.Millisecond)
	cfg.RedisPrefix = getEnvString("REDIS_KEY_PREFIX", "guardian:")
	cfg.RedisRequired = getEnvBool("REDIS_REQUIRED", true)

	cfg.KeyID = getEnvString("ENCRYPTION_KEY_ID", "k1")

	cfg.TokenIssuer = getEnvString("TOKEN_ISSUER", "guardian")
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	cfg.DeviceSessionTTL = getEnvDuration("DEVICE_SESSION_TTL", 30*24*time.Hour)

	cfg.PasswordMinLength = getEnvInt("PASSWORD_MIN_LENGTH", 8)
	cfg.PasswordIterations = getEnvInt("PASSWORD_HASH_ITERATIONS", 100000)
	cfg.LockoutThreshold = getEnvInt("LOCKOUT_THRESHOLD", 5)
	cfg.LockoutDuration = getEnvDuration("LOCKOUT_DURATION", 15*time.Minute)

	cfg.MFAIssuer = getEnvString("MFA_ISSUER", "Guardian")
	cfg.MFAChallengeTTL = getEnvDuration("MFA_CHALLENGE_TTL", 5*time.Minute)
	cfg.MFABackupCodes = getEnvInt("MFA_BACKUP_CODES", 10)

	cfg.RateLimitingEnabled = getEnvBool("RATE_LIMITING_ENABLED", true)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", time.Hour)
	cfg.RateLimitSubWindow = getEnvDuration("RATE_LIMIT_SUB_WINDOW", time.Minute)
	cfg.RateLimitBurstWindow = getEnvDuration("RATE_LIMIT_BURST_WINDOW", time.Minute)
	cfg.RateLimitFailOpen = getEnvBool("RATE_LIMIT_FAIL_OPEN", false)
	cfg.RateLimits = getEnvString("RATE_LIMITS", "")
	cfg.RateLimitBursts = getEnvString("RATE_LIMIT_BURSTS", "")
	cfg.RateLimitTiers = getEnvString("RATE_LIMIT_TIERS", "")
	cfg.IPBlockThreshold = getEnvInt("IP_BLOCK_THRESHOLD", 10)
	cfg.IPBlockWindow = getEnvDuration("IP_BLOCK_WINDOW", 5*time.Minute)
	cfg.IPBlockDuration = getEnvDuration("IP_BLOCK_DURATION", time.Hour)

	cfg.ContentFilteringEnabled = getEnvBool("CONTENT_FILTERING_ENABLED", true)
	cfg.ContentFilterPolicy = getEnvString("CONTENT_FILTER_POLICY", "")
	cfg.ContentFilterBlocklist = getEnvList("CONTENT_FILTER_BLOCKLIST")
	cfg.ChildAgeThreshold = getEnvInt("CHILD_AGE_THRESHOLD", 13)

	cfg.AuditLoggingEnabled = getEnvBool("AUDIT_LOGGING_ENABLED", true)
	cfg.AuditBufferSize = getEnvInt("AUDIT_BUFFER_SIZE", 4096)
	cfg.AuditShards = getEnvInt("AUDIT_SHARDS", 4)
	cfg.AuditFlushInterval = getEnvDuration("AUDIT_FLUSH_INTERVAL", 2*time.Second)
	cfg.AuditBatchSize = getEnvInt("AUDIT_BATCH_SIZE", 100)
	cfg.AuditRetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", 365)
	cfg.AuditAlertWebhookURL = getEnvString("AUDIT_ALERT_WEBHOOK_URL", "")

	cfg.ErrorRateAlertThreshold = getEnvInt("ERROR_RATE_ALERT_THRESHOLD", 100)

	cfg.CSRFProtectionEnabled = getEnvBool("CSRF_PROTECTION_ENABLED", true)
	cfg.XSSProtectionEnabled = getEnvBool("XSS_PROTECTION_ENABLED", true)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	cfg.GeneratorURL = getEnvString("GENERATOR_URL", "")
	cfg.GeneratorTimeout = getEnvDuration("GENERATOR_TIMEOUT", 30*time.Second)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.Environment = getEnvString("ENVIRONMENT", "production")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", !cfg.IsDevelopment())

	if cfg.RateLimitSubWindow <= 0 || cfg.RateLimitWindow < cfg.RateLimitSubWindow {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW (%s) must be >= RATE_LIMIT_SUB_WINDOW (%s)",
			cfg.RateLimitWindow, cfg.RateLimitSubWindow)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
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
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
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

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
