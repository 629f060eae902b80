package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Ledger backends.
const (
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (PROMO_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string        `usage:"PostgreSQL connection URL (PROMO_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	DatabaseMax  int32         `default:"20" usage:"Maximum PostgreSQL pool connections" flag:"database-max-conns"`
	RedisURL     string        `default:"" usage:"Redis URL; empty disables the promotion cache and audit dead letter" flag:"redis-url"`
	APIKeyPepper string        `usage:"HMAC pepper for API key hashing (PROMO_API_KEY_PEPPER)" flag:"api-key-pepper"`
	CacheTTL     time.Duration `default:"30s" usage:"Promotion code cache TTL" flag:"cache-ttl"`
	Ledger       LedgerConfig
	Audit        AuditConfig
	Analytics    AnalyticsConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// LedgerConfig controls reservations.
type LedgerConfig struct {
	Backend        string        `default:"postgres" usage:"Ledger backend: postgres or memory"`
	ReservationTTL time.Duration `default:"30m" usage:"Lifetime of an unconfirmed reservation" flag:"reservation-ttl"`
	SweepInterval  time.Duration `default:"1m" usage:"Interval between expired reservation sweeps" flag:"sweep-interval"`
	LockWait       time.Duration `default:"250ms" usage:"Bounded wait for the promotion lock before SERVICE_BUSY" flag:"lock-wait"`
	Retention      time.Duration `default:"24h" usage:"How long the memory backend keeps released records past expiry" flag:"ledger-retention"`
}

// AuditConfig controls the asynchronous audit recorder.
type AuditConfig struct {
	QueueSize      int           `default:"1024" usage:"Audit queue capacity"`
	MaxRetries     int           `default:"5" usage:"Write attempts before an entry is dead-lettered"`
	RetryInitial   time.Duration `default:"100ms" usage:"Initial retry backoff"`
	RetryMax       time.Duration `default:"5s" usage:"Maximum retry backoff"`
	ReplayInterval time.Duration `default:"30s" usage:"Dead letter replay interval"`
}

// AnalyticsConfig controls the rollup scheduler.
type AnalyticsConfig struct {
	Interval    time.Duration `default:"15m" usage:"Rollup interval; zero disables the scheduler"`
	Lookback    int           `default:"2" usage:"Days rolled up on every run, today included"`
	Concurrency int           `default:"4" usage:"Promotions rolled up in parallel"`
}

// RateLimitConfig controls the per-client token bucket limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PROMO",
		Files:     []string{"config.yaml", "/etc/promo/config.yaml"},
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
	switch c.Ledger.Backend {
	case LedgerPostgres, LedgerMemory:
	default:
		return errors.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set PROMO_DATABASE_URL or DATABASE_URL")
	}
	if c.Ledger.ReservationTTL <= 0 {
		return errors.New("reservation TTL must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's PROMO_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.RedisURL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.RedisURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
