package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// TrustedProxies may set X-Forwarded-For. Empty trusts none.
	TrustedProxies []string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Merchant Merchant
	Payment  PaymentConfig
}

// Merchant holds the gateway credentials. It is passed explicitly to the
// checkout builder and webhook verifier.
type Merchant struct {
	ID         string
	Key        string
	Passphrase string
	Sandbox    bool
}

// Configured reports whether the merchant identity is present.
func (m Merchant) Configured() bool {
	return strings.TrimSpace(m.ID) != "" && strings.TrimSpace(m.Key) != ""
}

// SigningSecret is the passphrase used for digests. Sandbox accounts sign
// without one, so it is reported as absent there.
func (m Merchant) SigningSecret() string {
	if m.Sandbox {
		return ""
	}
	return strings.TrimSpace(m.Passphrase)
}

// ErrMissingPassphrase is returned for a live merchant without a passphrase,
// whose notifications would otherwise be verified with an unkeyed digest.
var ErrMissingPassphrase = errors.New("live merchant requires PAYFAST_PASSPHRASE")

// Validate rejects merchant settings that leave notifications forgeable.
func (m Merchant) Validate() error {
	if !m.Sandbox && strings.TrimSpace(m.Passphrase) == "" {
		return ErrMissingPassphrase
	}
	return nil
}

type PaymentConfig struct {
	PublicBaseURL    string
	StoreTimeout     time.Duration
	ItemNamePrefix   string
	WebhookRate      float64
	WebhookBurst     int
	ReconcileLockTTL time.Duration
	VerifySource     bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "fleurene"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		TrustedProxies:    getenvList("TRUSTED_PROXIES"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		Merchant: Merchant{
			ID:         strings.TrimSpace(getenv("PAYFAST_MERCHANT_ID", "")),
			Key:        strings.TrimSpace(getenv("PAYFAST_MERCHANT_KEY", "")),
			Passphrase: getenv("PAYFAST_PASSPHRASE", ""),
			Sandbox:    getenvBool("PAYFAST_SANDBOX", false),
		},
		Payment: PaymentConfig{
			PublicBaseURL:    strings.TrimRight(strings.TrimSpace(getenv("PUBLIC_BASE_URL", "http://localhost:3000")), "/"),
			StoreTimeout:     getenvDuration("PAYMENT_STORE_TIMEOUT", 5*time.Second),
			ItemNamePrefix:   getenv("PAYMENT_ITEM_PREFIX", "Fleurene Order"),
			WebhookRate:      getenvFloat("PAYMENT_WEBHOOK_RATE", 5),
			WebhookBurst:     getenvInt("PAYMENT_WEBHOOK_BURST", 20),
			ReconcileLockTTL: getenvDuration("PAYMENT_RECONCILE_LOCK_TTL", 10*time.Second),
			VerifySource:     getenvBool("PAYMENT_WEBHOOK_VERIFY_SOURCE", true),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(func(cfg Config) Merchant { return cfg.Merchant }),
	fx.Provide(NewGatewayConfigHolder),
	fx.Invoke(validateMerchant),
)

func validateMerchant(m Merchant, log *zap.Logger) error {
	if err := m.Validate(); err != nil {
		log.Named("config").Error("merchant configuration rejected",
			zap.Bool("sandbox", m.Sandbox),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
