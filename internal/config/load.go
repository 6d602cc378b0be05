package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "FLASHSALE"

	FlagDatabaseURL      = "database-url"
	FlagStoreDriver      = "store-driver"
	FlagListenAddr       = "listen-addr"
	FlagGRPCListenAddr   = "grpc-listen-addr"
	FlagAllowedOrigins   = "allowed-origins"
	FlagHoldTTL          = "hold-ttl"
	FlagReserveAttempts  = "reserve-attempts"
	FlagReclaimInterval  = "reclaim-interval"
	FlagReclaimBatchSize = "reclaim-batch-size"
	FlagRedisAddr        = "redis-addr"
	FlagProductCacheTTL  = "product-cache-ttl"
	FlagKafkaBrokers     = "kafka-brokers"
	FlagKafkaTopic       = "kafka-topic"
	FlagRelayInterval    = "relay-interval"
	FlagRelayBatchSize   = "relay-batch-size"
	FlagRateLimitRPS     = "rate-limit-rps"
	FlagRateLimitBurst   = "rate-limit-burst"
	FlagLogEnv           = "log-env"
)

// RegisterFlags declares every configuration flag with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(FlagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or SQLite path")
	flags.String(FlagStoreDriver, defaultStoreDriver, "store implementation: gorm or pgx")
	flags.String(FlagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(FlagGRPCListenAddr, defaultGRPCListenAddr, "gRPC health listen address (empty disables)")
	flags.String(FlagAllowedOrigins, defaultAllowedOrigin, "comma-separated list of allowed CORS origins")
	flags.Duration(FlagHoldTTL, defaultHoldTTL, "how long a hold reserves stock")
	flags.Int(FlagReserveAttempts, defaultReserveAttempts, "reservation attempts on concurrent modification")
	flags.Duration(FlagReclaimInterval, defaultReclaimInterval, "interval between expired hold sweeps")
	flags.Int(FlagReclaimBatchSize, defaultReclaimBatchSize, "maximum holds released per sweep")
	flags.String(FlagRedisAddr, "", "Redis address for the product cache (empty disables)")
	flags.Duration(FlagProductCacheTTL, defaultProductCacheTTL, "product metadata cache TTL")
	flags.String(FlagKafkaBrokers, "", "comma-separated Kafka brokers for the event relay (empty disables)")
	flags.String(FlagKafkaTopic, defaultKafkaTopic, "Kafka topic for domain events")
	flags.Duration(FlagRelayInterval, defaultRelayInterval, "interval between outbox relay batches")
	flags.Int(FlagRelayBatchSize, defaultRelayBatchSize, "maximum outbox events per relay batch")
	flags.Float64(FlagRateLimitRPS, 0, "per-client hold creation rate (0 disables)")
	flags.Int(FlagRateLimitBurst, defaultRateLimitBurst, "per-client hold creation burst")
	flags.String(FlagLogEnv, defaultLogEnv, "log format: production or development")
}

// Load reads an optional .env file, then resolves flags over FLASHSALE_* environment variables.
func Load(flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:      strings.TrimSpace(v.GetString(FlagDatabaseURL)),
		StoreDriver:      v.GetString(FlagStoreDriver),
		ListenAddr:       strings.TrimSpace(v.GetString(FlagListenAddr)),
		GRPCListenAddr:   strings.TrimSpace(v.GetString(FlagGRPCListenAddr)),
		AllowedOrigins:   ParseList(v.GetString(FlagAllowedOrigins)),
		HoldTTL:          v.GetDuration(FlagHoldTTL),
		ReserveAttempts:  v.GetInt(FlagReserveAttempts),
		ReclaimInterval:  v.GetDuration(FlagReclaimInterval),
		ReclaimBatchSize: v.GetInt(FlagReclaimBatchSize),
		RedisAddr:        strings.TrimSpace(v.GetString(FlagRedisAddr)),
		ProductCacheTTL:  v.GetDuration(FlagProductCacheTTL),
		KafkaBrokers:     ParseList(v.GetString(FlagKafkaBrokers)),
		KafkaTopic:       v.GetString(FlagKafkaTopic),
		RelayInterval:    v.GetDuration(FlagRelayInterval),
		RelayBatchSize:   v.GetInt(FlagRelayBatchSize),
		RateLimitRPS:     v.GetFloat64(FlagRateLimitRPS),
		RateLimitBurst:   v.GetInt(FlagRateLimitBurst),
		LogEnv:           v.GetString(FlagLogEnv),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
