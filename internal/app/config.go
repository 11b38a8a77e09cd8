package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (CAREBOOK_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (CAREBOOK_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (CAREBOOK_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Offers       OffersConfig
	Redemption   RedemptionConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// OffersConfig tunes the advisory offer resolver.
type OffersConfig struct {
	CacheTTL         time.Duration `default:"30s" usage:"How long catalog snapshots are reused (0 disables the cache)" flag:"offers-cache-ttl"`
	FetchTimeout     time.Duration `default:"2s"  usage:"Timeout of each catalog query" flag:"offers-fetch-timeout"`
	MaxRetries       int           `default:"2"   usage:"Retries of a transient catalog failure" flag:"offers-max-retries"`
	MaxProfessionals int           `default:"200" usage:"Maximum professionals per offers request" flag:"offers-max-professionals"`
}

// RedemptionConfig tunes the redemption ledger.
type RedemptionConfig struct {
	Timeout time.Duration `default:"5s" usage:"Timeout of one redemption transaction" flag:"redemption-timeout"`
}

// RateLimitConfig limits redemption attempts per tenant and patient, which
// slows down code guessing.
type RateLimitConfig struct {
	Max    int           `default:"20" usage:"Max redemption attempts per window"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from flags, environment variables and YAML
// config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(os.Args[1:])
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CAREBOOK",
		Args:      args,
		Files:     []string{"config.yaml", "/etc/carebook/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set CAREBOOK_DATABASE_URL or DATABASE_URL")
	case c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0:
		return errors.New("rate limit max and window must be positive")
	case c.Offers.MaxRetries < 0:
		return errors.New("offers max retries must not be negative")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CAREBOOK_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
