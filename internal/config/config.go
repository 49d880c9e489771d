/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from an optional .env file and environment
 * variables, providing a centralized place for every tunable of the engine.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	CustodyDriverMemory = "memory"
	CustodyDriverRemote = "remote"

	AuthzDriverRegistry = "registry"
	AuthzDriverRemote   = "remote"

	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
)

// Config holds all the configuration variables for the settlement-service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	StoreDriver          string `mapstructure:"STORE_DRIVER"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`

	// RateLimitPerMinute is the default per-caller limit for each window.
	RateLimitPerMinute       int `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RateLimitWindowSeconds   int `mapstructure:"RATE_LIMIT_WINDOW_SECONDS"`
	RateLimitCreatePayment   int `mapstructure:"RATE_LIMIT_CREATE_PAYMENT"`
	RateLimitSendCrossLedger int `mapstructure:"RATE_LIMIT_SEND_CROSS_LEDGER"`

	CrossLedgerTransport string `mapstructure:"CROSS_LEDGER_TRANSPORT"`
	CrossLedgerExchange  string `mapstructure:"CROSS_LEDGER_EXCHANGE"`
	CrossLedgerQueue     string `mapstructure:"CROSS_LEDGER_QUEUE"`
	KafkaBrokers         string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicPrefix     string `mapstructure:"KAFKA_TOPIC_PREFIX"`
	KafkaGroupID         string `mapstructure:"KAFKA_GROUP_ID"`

	LedgerSelector string `mapstructure:"LEDGER_SELECTOR"`
	EngineAddress  string `mapstructure:"ENGINE_ADDRESS"`
	OwnerID        string `mapstructure:"OWNER_ID"`

	JWKSURL        string `mapstructure:"JWKS_URL"`
	JWTAudience    string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer      string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	CustodyDriver          string `mapstructure:"CUSTODY_DRIVER"`
	CustodyAPIBaseURL      string `mapstructure:"CUSTODY_API_BASE_URL"`
	CustodyAPIKey          string `mapstructure:"CUSTODY_API_KEY"`
	CustodyOpeningBalances string `mapstructure:"CUSTODY_OPENING_BALANCES"`

	AuthzDriver        string `mapstructure:"AUTHZ_DRIVER"`
	IdentityServiceURL string `mapstructure:"IDENTITY_SERVICE_URL"`

	FeeAsset     string `mapstructure:"FEE_ASSET"`
	FeeCollector string `mapstructure:"FEE_COLLECTOR"`
	FeeBase      int64  `mapstructure:"FEE_BASE"`
	FeePerByte   int64  `mapstructure:"FEE_PER_BYTE"`

	InvariantAuditSchedule string `mapstructure:"INVARIANT_AUDIT_SCHEDULE"`
	CORSAllowedOrigins     string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "proofpay:rate_limit")
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	viper.SetDefault("RATE_LIMIT_CREATE_PAYMENT", 0)
	viper.SetDefault("RATE_LIMIT_SEND_CROSS_LEDGER", 0)
	viper.SetDefault("EVENTS_EXCHANGE", "proofpay.settlement.events")
	viper.SetDefault("CROSS_LEDGER_TRANSPORT", TransportRabbitMQ)
	viper.SetDefault("CROSS_LEDGER_EXCHANGE", "proofpay.crossledger")
	viper.SetDefault("KAFKA_TOPIC_PREFIX", "proofpay.crossledger")
	viper.SetDefault("KAFKA_GROUP_ID", "settlement-service")
	viper.SetDefault("CUSTODY_DRIVER", CustodyDriverMemory)
	viper.SetDefault("AUTHZ_DRIVER", AuthzDriverRegistry)
	viper.SetDefault("FEE_ASSET", "")
	viper.SetDefault("FEE_BASE", 0)
	viper.SetDefault("FEE_PER_BYTE", 0)
	viper.SetDefault("INVARIANT_AUDIT_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RATE_LIMIT_WINDOW_SECONDS")
	_ = viper.BindEnv("RATE_LIMIT_CREATE_PAYMENT")
	_ = viper.BindEnv("RATE_LIMIT_SEND_CROSS_LEDGER")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CROSS_LEDGER_TRANSPORT")
	_ = viper.BindEnv("CROSS_LEDGER_EXCHANGE")
	_ = viper.BindEnv("CROSS_LEDGER_QUEUE")
	_ = viper.BindEnv("KAFKA_BROKERS")
	_ = viper.BindEnv("KAFKA_TOPIC_PREFIX")
	_ = viper.BindEnv("KAFKA_GROUP_ID")
	_ = viper.BindEnv("LEDGER_SELECTOR")
	_ = viper.BindEnv("ENGINE_ADDRESS")
	_ = viper.BindEnv("OWNER_ID")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CUSTODY_DRIVER")
	_ = viper.BindEnv("CUSTODY_API_BASE_URL")
	_ = viper.BindEnv("CUSTODY_API_KEY")
	_ = viper.BindEnv("CUSTODY_OPENING_BALANCES")
	_ = viper.BindEnv("AUTHZ_DRIVER")
	_ = viper.BindEnv("IDENTITY_SERVICE_URL")
	_ = viper.BindEnv("FEE_ASSET")
	_ = viper.BindEnv("FEE_COLLECTOR")
	_ = viper.BindEnv("FEE_BASE")
	_ = viper.BindEnv("FEE_PER_BYTE")
	_ = viper.BindEnv("INVARIANT_AUDIT_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = normalizeChoice("STORE_DRIVER", config.StoreDriver, StoreDriverPostgres, StoreDriverPostgres, StoreDriverMemory)
	config.CustodyDriver = normalizeChoice("CUSTODY_DRIVER", config.CustodyDriver, CustodyDriverMemory, CustodyDriverMemory, CustodyDriverRemote)
	config.AuthzDriver = normalizeChoice("AUTHZ_DRIVER", config.AuthzDriver, AuthzDriverRegistry, AuthzDriverRegistry, AuthzDriverRemote)
	config.CrossLedgerTransport = normalizeChoice("CROSS_LEDGER_TRANSPORT", config.CrossLedgerTransport, TransportRabbitMQ, TransportRabbitMQ, TransportKafka)

	config.LedgerSelector = strings.TrimSpace(config.LedgerSelector)
	config.EngineAddress = strings.TrimSpace(config.EngineAddress)
	config.OwnerID = strings.TrimSpace(config.OwnerID)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "proofpay:rate_limit"
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 60
	}
	if config.RateLimitWindowSeconds <= 0 {
		config.RateLimitWindowSeconds = 60
	}
	// Scope limits left unset inherit the default; cross-ledger sends also pay
	// a dispatch fee, so they get their own knob.
	if config.RateLimitCreatePayment <= 0 {
		config.RateLimitCreatePayment = config.RateLimitPerMinute
	}
	if config.RateLimitSendCrossLedger <= 0 {
		config.RateLimitSendCrossLedger = config.RateLimitPerMinute
	}
	if strings.TrimSpace(config.CrossLedgerQueue) == "" && config.LedgerSelector != "" {
		config.CrossLedgerQueue = "settlement_service.crossledger." + config.LedgerSelector
	}
	if strings.TrimSpace(config.FeeAsset) == "native" {
		config.FeeAsset = ""
	}

	if config.FeeBase < 0 {
		log.Printf("level=warn component=config msg=\"negative base fee configured; coercing to zero\" fee_base=%d", config.FeeBase)
		config.FeeBase = 0
	}
	if config.FeePerByte < 0 {
		log.Printf("level=warn component=config msg=\"negative per-byte fee configured; coercing to zero\" fee_per_byte=%d", config.FeePerByte)
		config.FeePerByte = 0
	}

	return
}

// Brokers splits KAFKA_BROKERS into addresses.
func (c Config) Brokers() []string {
	var brokers []string
	for _, part := range strings.Split(c.KafkaBrokers, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, part := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// OpeningBalance seeds the in-memory custody book.
type OpeningBalance struct {
	Party  string
	Asset  string
	Amount int64
}

// ParseOpeningBalances reads "party:asset:amount" entries separated by commas.
// The asset "native" denotes the ledger's native asset.
func ParseOpeningBalances(raw string) ([]OpeningBalance, error) {
	var balances []OpeningBalance
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("opening balance %q must be party:asset:amount", entry)
		}
		party := strings.TrimSpace(parts[0])
		if party == "" {
			return nil, fmt.Errorf("opening balance %q has no party", entry)
		}
		asset := strings.TrimSpace(parts[1])
		if asset == "native" {
			asset = ""
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("opening balance %q has invalid amount", entry)
		}
		balances = append(balances, OpeningBalance{Party: party, Asset: asset, Amount: amount})
	}
	return balances, nil
}

func normalizeChoice(key, value, fallback string, allowed ...string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if normalized == candidate {
			return normalized
		}
	}
	log.Printf("level=warn component=config msg=\"unsupported value; using default\" key=%s value=%q default=%s", key, value, fallback)
	return fallback
}
