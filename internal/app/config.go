package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage     string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	MaxConns    int32  `default:"0" usage:"Maximum PostgreSQL connections, 0 for the pgx default" flag:"max-conns"`
	SeedFile    string `usage:"Products JSON (optionally .gz) loaded into the memory catalog" flag:"seed-file"`
	RedisAddr   string `usage:"Redis address for payment locks and webhook dedup; in-process when empty" flag:"redis-addr"`
	Kafka       KafkaConfig
	Payment     PaymentConfig
	BackOffice  BackOfficeConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// KafkaConfig controls order event publishing.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka brokers; events are not published when empty"`
	Topic   string   `default:"kart.orders" usage:"Order events topic"`
	Buffer  int      `default:"256" usage:"Pending event buffer size"`
}

// PaymentConfig holds payment provider credentials and limits.
type PaymentConfig struct {
	KeyID         string        `usage:"Provider key id" flag:"payment-key-id"`
	KeySecret     string        `usage:"Provider key secret, signs client confirmations" flag:"payment-key-secret"`
	WebhookSecret string        `usage:"Webhook signing secret" flag:"payment-webhook-secret"`
	BaseURL       string        `default:"https://api.razorpay.com" usage:"Provider API base URL" flag:"payment-base-url"`
	Currency      string        `default:"INR" usage:"Currency for provider orders"`
	Timeout       time.Duration `default:"10s" usage:"Provider call timeout" flag:"payment-timeout"`
	LockTTL       time.Duration `default:"30s" usage:"Provider order creation lock TTL" flag:"payment-lock-ttl"`
}

// BackOfficeConfig holds API keys for back-office routes in memory storage.
// With postgres storage keys live in the api_keys table.
type BackOfficeConfig struct {
	APIKeys []string `usage:"Back-office API keys granting delivery updates (memory storage only)"`
}

// RateLimitConfig controls the per-caller sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window, 0 disables"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option combinations.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.Payment.KeySecret == "" || c.Payment.WebhookSecret == "" {
		return errors.New("payment key secret and webhook secret are required")
	}
	if c.Payment.Timeout <= 0 {
		return errors.New("payment timeout must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
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
