package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// devJWTSecret signs tokens outside production when JWT_SECRET is unset.
const devJWTSecret = "dev-only-secret"

var ErrMissingJWTSecret = errors.New("JWT_SECRET must be set in production")

type Config struct {
	Env      string
	HTTPPort string
	// TrustedProxies lists the peers, as IPs or CIDRs, whose forwarding headers are believed.
	TrustedProxies []string

	Store    string
	DSN      string
	DataFile string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	AnonTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateWindow  time.Duration
	RateMax     int
	RateTimeout time.Duration

	CreateTimeout time.Duration
	PaymentWindow time.Duration
	SweepInterval time.Duration
	SweepBatch    int

	StatusCacheTTL time.Duration

	AuditBatchSize   int
	AuditFlush       time.Duration
	AuditChannelSize int
	AuditWorkers     int

	DispatchWorkers   int
	DispatchQueueSize int
	DispatchTimeout   time.Duration

	KafkaBrokers      []string
	KafkaOrderTopic   string
	KafkaPaymentTopic string
	KafkaGroupID      string
	PaymentTimeout    time.Duration
	OutboxPoll        time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Env:            getEnv("APP_ENV", "production"),
		HTTPPort:       getEnv("APP_PORT", "9000"),
		TrustedProxies: getList("APP_TRUSTED_PROXIES", nil),

		Store:    getEnv("APP_STORE", StorePostgres),
		DSN:      getEnv("APP_DSN", "host=localhost user=postgres password=postgres dbname=storefront sslmode=disable"),
		DataFile: getEnv("APP_DATA_FILE", ""),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "storefront"),
		JWTAudience: getEnv("JWT_AUDIENCE", "storefront-api"),
		AnonTTL:     getDuration("JWT_ANON_TTL", 24*time.Hour),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		RateWindow:  getDuration("RATE_WINDOW", time.Hour),
		RateMax:     getInt("RATE_MAX", 5),
		RateTimeout: getDuration("RATE_TIMEOUT", 300*time.Millisecond),

		CreateTimeout: getDuration("ORDER_CREATE_TIMEOUT", 5*time.Second),
		PaymentWindow: getDuration("ORDER_PAYMENT_WINDOW", 30*time.Minute),
		SweepInterval: getDuration("ORDER_SWEEP_INTERVAL", time.Minute),
		SweepBatch:    getInt("ORDER_SWEEP_BATCH", 100),

		StatusCacheTTL: getDuration("STATUS_CACHE_TTL", 5*time.Second),

		AuditBatchSize:   getInt("AUDIT_BATCH_SIZE", 50),
		AuditFlush:       getDuration("AUDIT_FLUSH", 2*time.Second),
		AuditChannelSize: getInt("AUDIT_CHANNEL_SIZE", 1024),
		AuditWorkers:     getInt("AUDIT_WORKERS", 2),

		DispatchWorkers:   getInt("DISPATCH_WORKERS", 4),
		DispatchQueueSize: getInt("DISPATCH_QUEUE_SIZE", 256),
		DispatchTimeout:   getDuration("DISPATCH_TIMEOUT", 10*time.Second),

		KafkaBrokers:      getList("KAFKA_BROKERS", nil),
		KafkaOrderTopic:   getEnv("KAFKA_ORDER_TOPIC", "order-events"),
		KafkaPaymentTopic: getEnv("KAFKA_PAYMENT_TOPIC", "payment-confirmations"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "storefront-orders"),
		PaymentTimeout:    getDuration("KAFKA_PAYMENT_TIMEOUT", 5*time.Second),
		OutboxPoll:        getDuration("OUTBOX_POLL", 5*time.Second),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getInt("SMTP_PORT", 465),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),
	}
	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = devJWTSecret
	}
	return cfg
}

// Validate reports settings the service must not start with.
func (c *Config) Validate() error {
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == devJWTSecret) {
		return ErrMissingJWTSecret
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare IP becomes a single-address prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("APP_TRUSTED_PROXIES: invalid entry %q", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return n
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return d
}

func getList(key string, defaultVal []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}
