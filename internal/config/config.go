package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DriverGorm = "gorm"
	DriverPgx  = "pgx"

	defaultDatabaseURL      = "sqlite:///tmp/flashsale.db"
	defaultStoreDriver      = DriverGorm
	defaultListenAddr       = ":8080"
	defaultGRPCListenAddr   = ":7000"
	defaultAllowedOrigin    = "http://localhost:3000"
	defaultHoldTTL          = 2 * time.Minute
	defaultReserveAttempts  = 5
	defaultReclaimInterval  = 30 * time.Second
	defaultReclaimBatchSize = 100
	defaultProductCacheTTL  = 5 * time.Second
	defaultKafkaTopic       = "flashsale.events"
	defaultRelayInterval    = 500 * time.Millisecond
	defaultRelayBatchSize   = 100
	defaultRateLimitBurst   = 20
	defaultLogEnv           = "production"
)

// ErrInvalidConfig is returned for configuration that cannot start the service.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for flashsaled.
type Config struct {
	DatabaseURL      string        `validate:"required"`
	StoreDriver      string        `validate:"oneof=gorm pgx"`
	ListenAddr       string        `validate:"required"`
	GRPCListenAddr   string        `validate:"omitempty"`
	AllowedOrigins   []string      `validate:"dive,required"`
	HoldTTL          time.Duration `validate:"gt=0"`
	ReserveAttempts  int           `validate:"gte=1,lte=100"`
	ReclaimInterval  time.Duration `validate:"gt=0"`
	ReclaimBatchSize int           `validate:"gte=1"`
	RedisAddr        string        `validate:"omitempty,hostname_port"`
	ProductCacheTTL  time.Duration `validate:"gt=0"`
	KafkaBrokers     []string      `validate:"dive,hostname_port"`
	KafkaTopic       string        `validate:"required"`
	RelayInterval    time.Duration `validate:"gt=0"`
	RelayBatchSize   int           `validate:"gte=1"`
	RateLimitRPS     float64       `validate:"gte=0"`
	RateLimitBurst   int           `validate:"gte=1"`
	LogEnv           string        `validate:"oneof=production development"`
}

// Validate fills defaults and checks the configuration.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, defaultStoreDriver))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.KafkaTopic = defaultIfEmpty(cfg.KafkaTopic, defaultKafkaTopic)
	cfg.LogEnv = strings.ToLower(defaultIfEmpty(cfg.LogEnv, defaultLogEnv))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = defaultHoldTTL
	}
	if cfg.ReserveAttempts <= 0 {
		cfg.ReserveAttempts = defaultReserveAttempts
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = defaultReclaimInterval
	}
	if cfg.ReclaimBatchSize <= 0 {
		cfg.ReclaimBatchSize = defaultReclaimBatchSize
	}
	if cfg.ProductCacheTTL <= 0 {
		cfg.ProductCacheTTL = defaultProductCacheTTL
	}
	if cfg.RelayInterval <= 0 {
		cfg.RelayInterval = defaultRelayInterval
	}
	if cfg.RelayBatchSize <= 0 {
		cfg.RelayBatchSize = defaultRelayBatchSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}

	if err := validator.New().Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			first := validationErrors[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, first.Namespace(), first.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.StoreDriver == DriverPgx && !cfg.IsPostgres() {
		return fmt.Errorf("%w: store driver %q requires a postgres database url", ErrInvalidConfig, DriverPgx)
	}
	return nil
}

// IsPostgres reports whether the database url selects PostgreSQL.
func (cfg Config) IsPostgres() bool {
	return strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://")
}

// CacheEnabled reports whether a Redis address was configured.
func (cfg Config) CacheEnabled() bool {
	return strings.TrimSpace(cfg.RedisAddr) != ""
}

// RelayEnabled reports whether Kafka brokers were configured.
func (cfg Config) RelayEnabled() bool {
	return len(cfg.KafkaBrokers) > 0
}

// Defaults returns a Config with every default applied.
func Defaults() Config {
	cfg := Config{GRPCListenAddr: defaultGRPCListenAddr}
	_ = cfg.Validate()
	return cfg
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
