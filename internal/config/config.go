package config

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DBSchema       string   `mapstructure:"DB_SCHEMA"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Governance
	IntentSlackDays      int           `mapstructure:"INTENT_SLACK_DAYS"`
	PrescheduleSteps     int           `mapstructure:"PRESCHEDULE_STEPS"`
	RecallStageCode      string        `mapstructure:"RECALL_STAGE_CODE"`
	RecallIntervalMonths []int         `mapstructure:"-"`
	CatalogCacheTTL      time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
	NotifyChannel        string        `mapstructure:"NOTIFY_CHANNEL"`
	NotifyWebhookURL     string        `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret  string        `mapstructure:"NOTIFY_WEBHOOK_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "carepath")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("INTENT_SLACK_DAYS", 7)
	v.SetDefault("PRESCHEDULE_STEPS", 2)
	v.SetDefault("RECALL_STAGE_CODE", "RECALL")
	v.SetDefault("RECALL_INTERVAL_MONTHS", "3,6,12")
	v.SetDefault("CATALOG_CACHE_TTL", "5m")
	v.SetDefault("NOTIFY_CHANNEL", "carepath.events")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"DB_SCHEMA", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"INTENT_SLACK_DAYS", "PRESCHEDULE_STEPS", "RECALL_STAGE_CODE",
		"RECALL_INTERVAL_MONTHS", "CATALOG_CACHE_TTL", "NOTIFY_CHANNEL",
		"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	months, err := parseIntList(v.GetString("RECALL_INTERVAL_MONTHS"))
	if err != nil {
		return nil, fmt.Errorf("RECALL_INTERVAL_MONTHS: %w", err)
	}
	cfg.RecallIntervalMonths = months

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; requests without a token get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		if n <= 0 {
			return nil, fmt.Errorf("interval must be positive, got %d", n)
		}
		out = append(out, n)
	}
	return out, nil
}

var schemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise:
//   - ENV=development → "development" (token optional, defaults to admin)
//   - otherwise       → "external" (JWTs from AUTH_ISSUER or AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development only and must not be set in production")
	}
	if c.IntentSlackDays < 0 {
		return fmt.Errorf("INTENT_SLACK_DAYS must be >= 0, got %d", c.IntentSlackDays)
	}
	if c.PrescheduleSteps < 1 {
		return fmt.Errorf("PRESCHEDULE_STEPS must be >= 1, got %d", c.PrescheduleSteps)
	}
	if c.DBSchema != "" && !schemaName.MatchString(c.DBSchema) {
		return fmt.Errorf("DB_SCHEMA must be a plain identifier, got %q", c.DBSchema)
	}
	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}
	if c.CatalogCacheTTL < 0 {
		return fmt.Errorf("CATALOG_CACHE_TTL must not be negative")
	}
	return nil
}
