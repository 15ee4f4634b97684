package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" env-default:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" env-default:"info"`
	LogFormat       string        `env:"LOG_FORMAT" env-default:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`

	// Upstream source.
	SSNURL         string        `env:"SSN_URL" env-default:"http://www.ssn.unam.mx/sismicidad/ultimos/"`
	ScrapeInterval time.Duration `env:"SCRAPE_INTERVAL" env-default:"60s"`
	ScrapeTimeout  time.Duration `env:"SCRAPE_TIMEOUT" env-default:"30s"`

	// Durable event store.
	DatabaseURL string `env:"DATABASE_URL"`

	// Recency cache.
	RedisAddr     string        `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" env-default:"0"`
	CacheTTL      time.Duration `env:"CACHE_TTL" env-default:"24h"`
	CacheSize     int           `env:"CACHE_SIZE" env-default:"100"`

	// Streaming subscribers.
	SSETimeout time.Duration `env:"SSE_TIMEOUT" env-default:"1h"`
	SSEBuffer  int           `env:"SSE_BUFFER" env-default:"8"`

	// Push notifications (feature-flagged via FCM_ENABLED / FCM_CREDENTIALS_FILE).
	FCMEnabled         bool    `env:"FCM_ENABLED" env-default:"false"`
	FCMCredentialsFile string  `env:"FCM_CREDENTIALS_FILE"`
	AlertMagnitude     float64 `env:"ALERT_MAGNITUDE" env-default:"5.0"`

	// Optional Kafka mirror of inserted events.
	KafkaMirrorEnabled bool     `env:"KAFKA_MIRROR_ENABLED" env-default:"false"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaMirrorTopic   string   `env:"KAFKA_MIRROR_TOPIC" env-default:"quake-events"`
}

// Load reads configuration from environment variables, applying defaults
// where unset, and validates cross-field constraints.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.SSNURL == "" {
		return errors.New("SSN_URL is required")
	}
	if c.ScrapeInterval <= 0 {
		return errors.New("SCRAPE_INTERVAL must be positive")
	}
	if c.ScrapeTimeout <= 0 {
		return errors.New("SCRAPE_TIMEOUT must be positive")
	}
	if c.CacheSize <= 0 {
		return errors.New("CACHE_SIZE must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL must be positive")
	}
	if c.SSEBuffer <= 0 {
		return errors.New("SSE_BUFFER must be positive")
	}
	if c.FCMEnabled && c.FCMCredentialsFile == "" {
		return errors.New("FCM_ENABLED is true but FCM_CREDENTIALS_FILE is not set")
	}
	if c.KafkaMirrorEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_MIRROR_ENABLED is true but KAFKA_BROKERS is empty")
		}
		if c.KafkaMirrorTopic == "" {
			return errors.New("KAFKA_MIRROR_ENABLED is true but KAFKA_MIRROR_TOPIC is not set")
		}
	}
	return nil
}
