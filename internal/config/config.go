package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/models"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	PublicBaseURL      string // used to build the worker callback URL
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis (lifecycle events; empty disables publishing)
	RedisURL string

	// Auth
	JWTSecret string
	JWTIssuer string

	// Generation worker
	WorkerWebhookURL     string
	WorkerCallbackSecret string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePrices        map[models.Plan]string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Brief writers
	BriefProvider string // openai, gemini or static
	OpenAIKey     string
	GeminiKey     string

	// Production tunables
	NewVideoCredits    float64
	RevisionCredits    float64
	LeaseTTL           time.Duration
	ProductionTimeout  time.Duration
	ExpectedRenderTime time.Duration

	// Sweeper
	SweeperEnabled bool
	SweepInterval  time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		PublicBaseURL:         strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		JWTIssuer:             getEnv("JWT_ISSUER", ""),
		WorkerWebhookURL:      getEnv("WORKER_WEBHOOK_URL", ""),
		WorkerCallbackSecret:  getEnv("WORKER_CALLBACK_SECRET", ""),
		StripeSecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "product-images"),
		BriefProvider:         strings.ToLower(getEnv("BRIEF_PROVIDER", "")),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		NewVideoCredits:       getEnvFloat("NEW_VIDEO_CREDITS", 10),
		RevisionCredits:       getEnvFloat("REVISION_CREDITS", 2.5),
		LeaseTTL:              getEnvDuration("LEASE_TTL", 20*time.Minute),
		ProductionTimeout:     getEnvDuration("PRODUCTION_TIMEOUT", 15*time.Minute),
		ExpectedRenderTime:    getEnvDuration("EXPECTED_RENDER_TIME", 5*time.Minute),
		SweeperEnabled:        getEnvBool("SWEEPER_ENABLED", true),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Minute),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "auto"),
		StripePrices: map[models.Plan]string{
			models.PlanStarter: getEnv("STRIPE_PRICE_STARTER", ""),
			models.PlanCreator: getEnv("STRIPE_PRICE_CREATOR", ""),
			models.PlanPro:     getEnv("STRIPE_PRICE_PRO", ""),
			models.PlanElite:   getEnv("STRIPE_PRICE_ELITE", ""),
		},
	}

	if cfg.BriefProvider == "" {
		switch {
		case cfg.OpenAIKey != "":
			cfg.BriefProvider = "openai"
		case cfg.GeminiKey != "":
			cfg.BriefProvider = "gemini"
		default:
			cfg.BriefProvider = "static"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and the relationships between tunables.
func (c *Config) Validate() error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", c.DatabaseURL},
		{"JWT_SECRET", c.JWTSecret},
		{"WORKER_WEBHOOK_URL", c.WorkerWebhookURL},
		{"WORKER_CALLBACK_SECRET", c.WorkerCallbackSecret},
		{"PUBLIC_BASE_URL", c.PublicBaseURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if err := absoluteURL("WORKER_WEBHOOK_URL", c.WorkerWebhookURL); err != nil {
		return err
	}
	if err := absoluteURL("PUBLIC_BASE_URL", c.PublicBaseURL); err != nil {
		return err
	}

	if c.NewVideoCredits <= 0 || c.RevisionCredits <= 0 {
		return fmt.Errorf("NEW_VIDEO_CREDITS and REVISION_CREDITS must be positive")
	}
	if c.ProductionTimeout <= 0 || c.ExpectedRenderTime <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("PRODUCTION_TIMEOUT, EXPECTED_RENDER_TIME and SWEEP_INTERVAL must be positive")
	}
	// A lease that lapses before the timeout lets a second launch start while
	// the first is still allowed to complete.
	if c.LeaseTTL < c.ProductionTimeout {
		return fmt.Errorf("LEASE_TTL (%s) must be at least PRODUCTION_TIMEOUT (%s)", c.LeaseTTL, c.ProductionTimeout)
	}

	switch c.BriefProvider {
	case "static":
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when BRIEF_PROVIDER=openai")
		}
	case "gemini":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when BRIEF_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unknown BRIEF_PROVIDER %q", c.BriefProvider)
	}

	if (c.SupabaseURL == "") != (c.SupabaseServiceKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set together")
	}
	return nil
}

// CallbackURL is where the worker posts results.
func (c *Config) CallbackURL() string {
	return c.PublicBaseURL + "/webhooks/worker"
}

func (c *Config) Pricing() credits.Pricing {
	return credits.Pricing{NewVideo: c.NewVideoCredits, Revision: c.RevisionCredits}
}

// StorageEnabled reports whether uploaded image references can be signed.
func (c *Config) StorageEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

func absoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", name)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
