package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimit is one per-endpoint sliding-window rule.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// RateLimits holds the per-endpoint rules enforced by the limiter middleware.
type RateLimits struct {
	Register      RateLimit
	Login         RateLimit
	ResendCode    RateLimit
	PasswordReset RateLimit
}

// Config holds all application configuration. It is loaded once in main and
// passed to constructors; nothing reads the environment after startup.
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	RedisURL    string // empty selects the in-memory ephemeral store

	JWTSecret     []byte // HS256 signing secret, >= 32 bytes
	EncryptionKey []byte // AES-256-GCM key for TOTP secrets, exactly 32 bytes
	TokenIssuer   string
	PublicURL     string // externally visible base URL, used in OAuth metadata

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	OAuthAccessTTL  time.Duration
	PreAuthTTL      time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	LoginCodeTTL    time.Duration

	SkipLoginCode     bool // dev only: collapses the email-code step
	EnableBreachCheck bool
	MinPasswordScore  int

	RateLimits RateLimits

	AllowedCORSOrigins []string

	EmailServiceURL string // empty selects the log-only dev mailer
	SentryDSN       string
}

// Load reads configuration from environment variables, applying defaults for
// everything optional. Call Validate before using the result.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   []byte(os.Getenv("JWT_SECRET")),
		TokenIssuer: getEnv("TOKEN_ISSUER", "gatewarden"),

		AccessTokenTTL:  getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		OAuthAccessTTL:  getEnvAsDuration("OAUTH_ACCESS_TTL", time.Hour),
		PreAuthTTL:      getEnvAsDuration("PRE_AUTH_TTL", 5*time.Minute),
		VerificationTTL: getEnvAsDuration("VERIFICATION_TTL", 24*time.Hour),
		ResetTTL:        getEnvAsDuration("RESET_TTL", time.Hour),
		LoginCodeTTL:    getEnvAsDuration("LOGIN_CODE_TTL", 10*time.Minute),

		SkipLoginCode:     getEnvAsBool("SKIP_LOGIN_CODE", false),
		EnableBreachCheck: getEnvAsBool("ENABLE_BREACH_CHECK", true),
		MinPasswordScore:  getEnvAsInt("MIN_PASSWORD_SCORE", 3),

		EmailServiceURL: os.Getenv("EMAIL_SERVICE_URL"),
		SentryDSN:       os.Getenv("SENTRY_DSN"),
	}
	cfg.PublicURL = getEnv("PUBLIC_URL", "http://localhost:"+cfg.Port)

	var err error
	cfg.RateLimits.Register, err = getEnvAsRateLimit("RATE_LIMIT_REGISTER", RateLimit{Limit: 3, Window: time.Hour})
	if err != nil {
		return cfg, err
	}
	cfg.RateLimits.Login, err = getEnvAsRateLimit("RATE_LIMIT_LOGIN", RateLimit{Limit: 5, Window: time.Minute})
	if err != nil {
		return cfg, err
	}
	cfg.RateLimits.ResendCode, err = getEnvAsRateLimit("RATE_LIMIT_RESEND", RateLimit{Limit: 1, Window: 5 * time.Minute})
	if err != nil {
		return cfg, err
	}
	cfg.RateLimits.PasswordReset, err = getEnvAsRateLimit("RATE_LIMIT_RESET", RateLimit{Limit: 1, Window: 5 * time.Minute})
	if err != nil {
		return cfg, err
	}

	if origins := os.Getenv("ALLOWED_CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedCORSOrigins = append(cfg.AllowedCORSOrigins, o)
			}
		}
	}

	if keyHex := os.Getenv("ENCRYPTION_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return cfg, fmt.Errorf("ENCRYPTION_KEY must be hex: %w", err)
		}
		cfg.EncryptionKey = key
	}

	return cfg, nil
}

// Validate enforces the mandatory settings. The service refuses to start on
// a weak signing secret or a malformed encryption key.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes (64 hex characters), got %d", len(c.EncryptionKey))
	}
	if c.MinPasswordScore < 0 || c.MinPasswordScore > 4 {
		return fmt.Errorf("MIN_PASSWORD_SCORE must be between 0 and 4, got %d", c.MinPasswordScore)
	}
	if c.SkipLoginCode && c.Env == "production" {
		return fmt.Errorf("SKIP_LOGIN_CODE is not allowed in production")
	}
	return nil
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

// getEnvAsRateLimit parses "N/window" (e.g. "5/1m", "3/1h").
func getEnvAsRateLimit(name string, defaultVal RateLimit) (RateLimit, error) {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal, nil
	}
	parts := strings.SplitN(valStr, "/", 2)
	if len(parts) != 2 {
		return defaultVal, fmt.Errorf("%s must look like \"5/1m\", got %q", name, valStr)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || limit <= 0 {
		return defaultVal, fmt.Errorf("%s has invalid limit %q", name, parts[0])
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return defaultVal, fmt.Errorf("%s has invalid window %q", name, parts[1])
	}
	return RateLimit{Limit: limit, Window: window}, nil
}
