// Package config handles headshot-hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every nested config key when read from the environment
// (server.addr -> HEADSHOT_SERVER_ADDR).
const EnvPrefix = "HEADSHOT"

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
	"webhook":  true,
}

// externalEnv maps config keys to the environment names the web app already uses.
var externalEnv = map[string][]string{
	"site.url":                   {"NEXT_PUBLIC_SITE_URL"},
	"auth.supabase_url":          {"NEXT_PUBLIC_SUPABASE_URL"},
	"auth.jwt_secret":            {"SUPABASE_JWT_SECRET"},
	"auth.service_role_key":      {"SUPABASE_SERVICE_ROLE_KEY"},
	"storage.dsn":                {"DATABASE_URL"},
	"idempotency.redis_url":      {"REDIS_URL"},
	"stripe.enabled":             {"NEXT_PUBLIC_STRIPE_IS_ENABLED"},
	"stripe.secret_key":          {"STRIPE_SECRET_KEY"},
	"stripe.webhook_secret":      {"STRIPE_WEBHOOK_SECRET"},
	"stripe.price_one_credit":    {"STRIPE_PRICE_ID_ONE_CREDIT"},
	"stripe.price_three_credits": {"STRIPE_PRICE_ID_THREE_CREDITS"},
	"stripe.price_five_credits":  {"STRIPE_PRICE_ID_FIVE_CREDITS"},
	"astria.api_key":             {"ASTRIA_API_KEY"},
	"astria.tune_type":           {"NEXT_PUBLIC_TUNE_TYPE"},
	"astria.webhook_secret":      {"APP_WEBHOOK_SECRET"},
	"astria.allowed_pack_slugs":  {"NEXT_PUBLIC_ALLOWED_PACK_SLUGS"},
	"astria.test_mode":           {"ASTRIA_TEST_MODE"},
	"notify.resend_api_key":      {"RESEND_API_KEY"},
}

// keys lists every config key that can be supplied through the environment.
var keys = []string{
	"server.addr", "server.tls_cert", "server.tls_key", "server.allowed_origins",
	"server.max_body_bytes", "server.shutdown_timeout", "server.trust_proxy_headers",
	"site.url",
	"auth.supabase_url", "auth.jwt_secret", "auth.service_role_key", "auth.audience",
	"auth.user_recheck",
	"storage.driver", "storage.dsn",
	"idempotency.backend", "idempotency.redis_url", "idempotency.ttl",
	"stripe.enabled", "stripe.secret_key", "stripe.webhook_secret",
	"stripe.price_one_credit", "stripe.price_three_credits", "stripe.price_five_credits",
	"astria.api_key", "astria.base_url", "astria.tune_type", "astria.webhook_secret",
	"astria.callback_url", "astria.allowed_pack_slugs", "astria.test_mode",
	"astria.timeout", "astria.max_attempts", "astria.num_images",
	"notify.resend_api_key", "notify.from",
	"proxy.allowed_hosts", "proxy.timeout",
	"uploads.bucket", "uploads.region", "uploads.endpoint", "uploads.public_url",
	"uploads.prefix", "uploads.access_key", "uploads.secret_key", "uploads.url_expiry",
	"pricing.locale", "pricing.workers",
	"realtime.max_conns_per_user",
	"logging.level", "logging.format", "logging.file", "logging.max_size_mb",
	"logging.max_backups", "logging.max_age_days",
	"rate_limit.requests_per_second", "rate_limit.burst",
	"rate_limit.proxy_requests_per_second", "rate_limit.proxy_burst",
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a webhook secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Site        SiteConfig        `mapstructure:"site"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Stripe      StripeConfig      `mapstructure:"stripe"`
	Astria      AstriaConfig      `mapstructure:"astria"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Uploads     UploadsConfig     `mapstructure:"uploads"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Realtime    RealtimeConfig    `mapstructure:"realtime"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"` // e.g. ":8080"
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // CORS origins; default ["*"]
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`  // default 1MB
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
}

// SiteConfig describes the public web app that redirects land on.
type SiteConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig defines how browser session tokens are verified.
// SupabaseURL enables JWKS verification; JWTSecret enables legacy HS256 tokens.
type AuthConfig struct {
	SupabaseURL    string `mapstructure:"supabase_url"`
	JWTSecret      string `mapstructure:"jwt_secret"`
	ServiceRoleKey string `mapstructure:"service_role_key"`
	Audience       string `mapstructure:"audience"`
	// UserRecheck is how long a locally cached user is trusted before the
	// admin API is asked again. Only used with a service role key.
	UserRecheck    time.Duration `mapstructure:"user_recheck"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// IdempotencyConfig selects where webhook processed-markers live.
type IdempotencyConfig struct {
	Backend  string        `mapstructure:"backend"` // "sql" (default) or "redis"
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// StripeConfig defines payment settings. Disabled by default.
type StripeConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	SecretKey         string `mapstructure:"secret_key"`
	WebhookSecret     string `mapstructure:"webhook_secret"`
	PriceOneCredit    string `mapstructure:"price_one_credit"`
	PriceThreeCredits string `mapstructure:"price_three_credits"`
	PriceFiveCredits  string `mapstructure:"price_five_credits"`
}

// AstriaConfig defines the training provider settings.
type AstriaConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	TuneType         string        `mapstructure:"tune_type"` // "tune" (default) or "packs"
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	CallbackURL      string        `mapstructure:"callback_url"` // defaults to site.url
	AllowedPackSlugs []string      `mapstructure:"allowed_pack_slugs"`
	TestMode         bool          `mapstructure:"test_mode"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	NumImages        int           `mapstructure:"num_images"`
}

// PacksEnabled reports whether training goes through Astria packs.
func (a AstriaConfig) PacksEnabled() bool {
	return a.TuneType == "packs"
}

// NotifyConfig defines transactional email settings.
type NotifyConfig struct {
	ResendAPIKey string `mapstructure:"resend_api_key"`
	From         string `mapstructure:"from"`
}

// ProxyConfig defines the image download proxy.
type ProxyConfig struct {
	AllowedHosts []string      `mapstructure:"allowed_hosts"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// UploadsConfig defines the S3 bucket that training samples are uploaded to.
// Leaving Bucket empty disables the upload URL endpoint.
type UploadsConfig struct {
	Bucket    string        `mapstructure:"bucket"`
	Region    string        `mapstructure:"region"`
	Endpoint  string        `mapstructure:"endpoint"`
	PublicURL string        `mapstructure:"public_url"`
	Prefix    string        `mapstructure:"prefix"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

// PricingConfig defines how catalog prices are rendered.
type PricingConfig struct {
	Locale  string `mapstructure:"locale"`
	Workers int    `mapstructure:"workers"`
}

// RealtimeConfig defines websocket limits.
type RealtimeConfig struct {
	MaxConnsPerUser int `mapstructure:"max_conns_per_user"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "json" or "console"
	File       string `mapstructure:"file"`   // optional rotated log file
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"` // default 10
	Burst                  int     `mapstructure:"burst"`               // default 20
	ProxyRequestsPerSecond float64 `mapstructure:"proxy_requests_per_second"`
	ProxyBurst             int     `mapstructure:"proxy_burst"`
}

// Load reads an optional env file and an optional config file, overlays the
// environment and returns the validated configuration.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	for _, key := range keys {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		names := append([]string{key, prefixed}, externalEnv[key]...)
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Astria.WebhookSecret == "" {
		return fmt.Errorf("astria.webhook_secret (APP_WEBHOOK_SECRET) is required")
	}
	if knownWeakSecrets[strings.ToLower(c.Astria.WebhookSecret)] {
		return fmt.Errorf("astria.webhook_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.SupabaseURL == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.supabase_url or auth.jwt_secret is required")
	}
	if c.Auth.SupabaseURL != "" {
		if err := checkAbsoluteURL(c.Auth.SupabaseURL); err != nil {
			return fmt.Errorf("auth.supabase_url: %w", err)
		}
	}
	if c.Site.URL != "" {
		if err := checkAbsoluteURL(c.Site.URL); err != nil {
			return fmt.Errorf("site.url: %w", err)
		}
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage.driver: %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required when driver is postgres")
	}
	switch c.Idempotency.Backend {
	case "", "sql":
	case "redis":
		if c.Idempotency.RedisURL == "" {
			return fmt.Errorf("idempotency.redis_url is required when backend is redis")
		}
	default:
		return fmt.Errorf("unknown idempotency.backend: %q", c.Idempotency.Backend)
	}
	if c.Stripe.Enabled {
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("stripe.secret_key is required when stripe is enabled")
		}
		if c.Stripe.PriceOneCredit == "" && c.Stripe.PriceThreeCredits == "" && c.Stripe.PriceFiveCredits == "" {
			return fmt.Errorf("at least one stripe price id is required when stripe is enabled")
		}
	}
	switch c.Astria.TuneType {
	case "", "tune", "packs":
	default:
		return fmt.Errorf("unknown astria.tune_type: %q", c.Astria.TuneType)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown logging.format: %q", c.Logging.Format)
	}
	return nil
}

func checkAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	c.Site.URL = strings.TrimRight(c.Site.URL, "/")
	c.Auth.SupabaseURL = strings.TrimRight(c.Auth.SupabaseURL, "/")
	if c.Auth.Audience == "" {
		c.Auth.Audience = "authenticated"
	}
	if c.Auth.UserRecheck == 0 {
		c.Auth.UserRecheck = time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "headshots.db"
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "sql"
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 7 * 24 * time.Hour
	}
	if c.Astria.BaseURL == "" {
		c.Astria.BaseURL = "https://api.astria.ai"
	}
	c.Astria.BaseURL = strings.TrimRight(c.Astria.BaseURL, "/")
	if c.Astria.TuneType == "" {
		c.Astria.TuneType = "tune"
	}
	if c.Astria.CallbackURL == "" {
		c.Astria.CallbackURL = c.Site.URL
	}
	c.Astria.CallbackURL = strings.TrimRight(c.Astria.CallbackURL, "/")
	if c.Astria.Timeout == 0 {
		c.Astria.Timeout = 30 * time.Second
	}
	if c.Astria.MaxAttempts == 0 {
		c.Astria.MaxAttempts = 3
	}
	if c.Astria.NumImages == 0 {
		c.Astria.NumImages = 4
	}
	if c.Notify.From == "" {
		c.Notify.From = "sesionesfotosia@sesionesfotosia.com"
	}
	if len(c.Proxy.AllowedHosts) == 0 {
		c.Proxy.AllowedHosts = []string{"sdbooth2-production.s3.amazonaws.com"}
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = 60 * time.Second
	}
	if c.Uploads.Region == "" {
		c.Uploads.Region = "us-east-1"
	}
	if c.Uploads.Prefix == "" {
		c.Uploads.Prefix = "samples"
	}
	if c.Uploads.URLExpiry == 0 {
		c.Uploads.URLExpiry = 15 * time.Minute
	}
	if c.Pricing.Locale == "" {
		c.Pricing.Locale = "es-ES"
	}
	if c.Pricing.Workers == 0 {
		c.Pricing.Workers = 3
	}
	if c.Realtime.MaxConnsPerUser == 0 {
		c.Realtime.MaxConnsPerUser = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.ProxyRequestsPerSecond == 0 {
		c.RateLimit.ProxyRequestsPerSecond = 5
	}
	if c.RateLimit.ProxyBurst == 0 {
		c.RateLimit.ProxyBurst = 30
	}
}
