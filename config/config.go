package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"marketplace-core/internal/util"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Observ   ObservabilityConfig
	Business BusinessConfig
	Payments PaymentsConfig
	Partners PartnersConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL            string
	Driver         string
	MigrateOnStart bool
	// MemoryCapacity caps the records held by the memory driver. Zero is unbounded.
	MemoryCapacity int
}

// RedisConfig is optional. An empty Addr keeps locks and idempotency keys in process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig is optional. Without brokers events are dispatched in process.
type KafkaConfig struct {
	Brokers            []string
	TopicMarketEvents  string
	TopicNotifications string
	ConsumerGroup      string
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

type BusinessConfig struct {
	BidTTL          time.Duration
	PollInterval    time.Duration
	PartnerTimeout  time.Duration
	PartnerRetries  int
	ReturnWindow    time.Duration
	SweepInterval   time.Duration
	FlatShipping    decimal.Decimal
	InsuranceRate   decimal.Decimal
	CancellationFee decimal.Decimal
	Currency        string
}

// PaymentsConfig selects Stripe when a secret key is set.
type PaymentsConfig struct {
	StripeSecretKey string
}

// PartnerEndpoint locates an authentication partner's API.
type PartnerEndpoint struct {
	BaseURL string
	APIKey  string
}

// PartnersConfig holds partner endpoints keyed by partner id. They are read from
// PARTNER_<ID>_URL and PARTNER_<ID>_API_KEY, where <ID> is the upper-cased id with
// dashes turned into underscores.
type PartnersConfig struct {
	Endpoints map[string]PartnerEndpoint
}

// Endpoint returns the configured endpoint for a partner.
func (p PartnersConfig) Endpoint(partnerID string) (PartnerEndpoint, bool) {
	e, ok := p.Endpoints[partnerID]
	return e, ok
}

func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             getEnv("ENV", "development"),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			Driver:         strings.ToLower(getEnv("DATABASE_DRIVER", DriverMemory)),
			MigrateOnStart: getEnvBool("DATABASE_MIGRATE_ON_START", true),
			MemoryCapacity: getEnvInt("MEMORY_STORE_CAPACITY", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:            splitList(getEnv("KAFKA_BROKERS", "")),
			TopicMarketEvents:  getEnv("KAFKA_TOPIC_MARKET_EVENTS", "market-events"),
			TopicNotifications: getEnv("KAFKA_TOPIC_NOTIFICATIONS", "marketplace-notifications"),
			ConsumerGroup:      getEnv("KAFKA_CONSUMER_GROUP", "marketplace-core"),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		},
		Business: BusinessConfig{
			BidTTL:          getEnvDuration("BID_TTL", 48*time.Hour),
			PollInterval:    getEnvDuration("AUTH_POLL_INTERVAL", 30*time.Second),
			PartnerTimeout:  getEnvDuration("PARTNER_TIMEOUT", 10*time.Second),
			PartnerRetries:  getEnvInt("PARTNER_RETRIES", 3),
			ReturnWindow:    getEnvDuration("RETURN_WINDOW", 72*time.Hour),
			SweepInterval:   getEnvDuration("SWEEP_INTERVAL", time.Minute),
			FlatShipping:    getEnvDecimal("FLAT_SHIPPING_COST", decimal.NewFromInt(25)),
			InsuranceRate:   getEnvDecimal("INSURANCE_RATE", decimal.Zero),
			CancellationFee: getEnvDecimal("AUTH_CANCELLATION_FEE", decimal.NewFromInt(45)),
			Currency:        strings.ToLower(getEnv("CURRENCY", "usd")),
		},
		Payments: PaymentsConfig{
			StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
		},
		Partners: loadPartners(os.Environ()),
	}

	util.GetLogger().Info("Config loaded",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("kafka", len(cfg.Kafka.Brokers) > 0),
		zap.Int("partner_endpoints", len(cfg.Partners.Endpoints)))
	return cfg
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DATABASE_DRIVER %q", c.Database.Driver))
	}
	if c.Business.PollInterval <= 0 {
		errs = append(errs, errors.New("AUTH_POLL_INTERVAL must be positive"))
	}
	if c.Business.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.Business.FlatShipping.IsNegative() || c.Business.InsuranceRate.IsNegative() || c.Business.CancellationFee.IsNegative() {
		errs = append(errs, errors.New("fees and rates must not be negative"))
	}
	return errors.Join(errs...)
}

// PartnerEnvKey returns the environment variable prefix for a partner id.
func PartnerEnvKey(partnerID string) string {
	return "PARTNER_" + strings.ToUpper(strings.ReplaceAll(partnerID, "-", "_"))
}

func loadPartners(environ []string) PartnersConfig {
	endpoints := make(map[string]PartnerEndpoint)
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" || !strings.HasPrefix(key, "PARTNER_") || !strings.HasSuffix(key, "_URL") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "PARTNER_"), "_URL")
		if name == "" {
			continue
		}
		id := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
		endpoints[id] = PartnerEndpoint{
			BaseURL: strings.TrimRight(val, "/"),
			APIKey:  os.Getenv("PARTNER_" + name + "_API_KEY"),
		}
	}
	return PartnersConfig{Endpoints: endpoints}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		invalid(key, raw, err)
		return defaultVal
	}
	return val
}

func getEnvBool(key string, defaultVal bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		invalid(key, raw, err)
		return defaultVal
	}
	return val
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		invalid(key, raw, err)
		return defaultVal
	}
	return val
}

func getEnvDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := decimal.NewFromString(raw)
	if err != nil {
		invalid(key, raw, err)
		return defaultVal
	}
	return val
}

func invalid(key, raw string, err error) {
	util.GetLogger().Warn("Ignoring invalid config value, using default",
		zap.String("key", key),
		zap.String("value", raw),
		zap.Error(err))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
