package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pay/internal/common"
	"github.com/noah-isme/toko-pay/internal/payment"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	TrustedProxies     []string
	DBAutoMigrate      bool
	DBMaxConns         int

	IdempotencyTTL  time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
	BodyLimitBytes  int64
	AdminBasicUser  string
	AdminBasicPass  string

	VNPay         VNPayConfig
	PaymentStore  time.Duration
	HealthDBWait  time.Duration
	HealthRedisWt time.Duration

	QueueRedisPrefix       string
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64
	QueueMaxAttempts       int
	QueueDedupTTL          time.Duration
	LockTTL                time.Duration
	LockRetryBackoff       time.Duration
	SweepInterval          time.Duration
	SweepGrace             time.Duration
	SweepBatchSize         int
	WorkerMetricsAddr      string

	StorageURL        string
	StorageServiceKey string
	StorageBucket     string
	StorageTempPrefix string

	OutboundTimeout     time.Duration
	RetryMaxAttempts    int
	RetryBase           time.Duration
	RetryJitterPercent  float64
	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration

	Obs ObsConfig
}

// VNPayConfig carries the raw provider settings.
type VNPayConfig struct {
	TmnCode      string
	HashSecret   string
	PaymentURL   string
	QRURL        string
	ReturnURL    string
	Env          string
	ExchangeRate decimal.Decimal
	MinAmount    int64
	QRTTL        time.Duration
	Locale       string
	OrderType    string
}

// ObsConfig groups logging, metrics and tracing toggles.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	EnablePrometheus bool
	EnableTracing    bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64
	EnablePprof      bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	rate := payment.DefaultExchangeRate
	if raw := strings.TrimSpace(k.String("VNPAY_EXCHANGE_RATE")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || !parsed.IsPositive() {
			return nil, fmt.Errorf("VNPAY_EXCHANGE_RATE must be a positive decimal, got %q", raw)
		}
		rate = parsed
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		TrustedProxies:     splitAndTrim(k.String("TRUSTED_PROXIES")),
		DBAutoMigrate:      parseBool(k.String("DB_AUTO_MIGRATE"), false),
		DBMaxConns:         parseInt(k.String("DB_MAX_CONNS"), 0),

		IdempotencyTTL:  parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitWindow: parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitMax:    parseInt(k.String("RATE_LIMIT_MAX"), 30),
		BodyLimitBytes:  int64(parseInt(k.String("BODY_LIMIT_BYTES"), 64<<10)),
		AdminBasicUser:  strings.TrimSpace(k.String("ADMIN_BASIC_AUTH_USER")),
		AdminBasicPass:  strings.TrimSpace(k.String("ADMIN_BASIC_AUTH_PASS")),

		VNPay: VNPayConfig{
			TmnCode:      strings.TrimSpace(k.String("VNPAY_TMN_CODE")),
			HashSecret:   strings.TrimSpace(k.String("VNPAY_HASH_SECRET")),
			PaymentURL:   strings.TrimSpace(k.String("VNPAY_PAYMENT_URL")),
			QRURL:        strings.TrimSpace(k.String("VNPAY_QR_URL")),
			ReturnURL:    strings.TrimSpace(k.String("VNPAY_RETURN_URL")),
			Env:          strings.ToLower(valueOrDefault(k.String("VNPAY_ENV"), string(payment.EnvSandbox))),
			ExchangeRate: rate,
			MinAmount:    int64(parseInt(k.String("VNPAY_MIN_AMOUNT"), int(payment.DefaultMinAmount))),
			QRTTL:        parseDuration(k.String("VNPAY_QR_TTL"), payment.DefaultQRTTL.String()),
			Locale:       valueOrDefault(k.String("VNPAY_LOCALE"), payment.DefaultLocale),
			OrderType:    valueOrDefault(k.String("VNPAY_ORDER_TYPE"), payment.DefaultOrderType),
		},
		PaymentStore:  parseDuration(k.String("PAYMENT_STORE_TIMEOUT"), payment.DefaultStoreTimeout.String()),
		HealthDBWait:  parseDuration(k.String("HEALTH_READY_DB_TIMEOUT"), "500ms"),
		HealthRedisWt: parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),

		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "tokopay"),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueBackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
		QueueBackoffJitter:     parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
		QueueDedupTTL:          parseDuration(k.String("QUEUE_DEDUP_TTL"), "1h"),
		LockTTL:                parseDuration(k.String("LOCK_TTL"), "1m"),
		LockRetryBackoff:       parseDuration(k.String("LOCK_RETRY_BACKOFF"), "100ms"),
		SweepInterval:          parseDuration(k.String("SWEEP_INTERVAL"), "1m"),
		SweepGrace:             parseDuration(k.String("SWEEP_GRACE"), "2m"),
		SweepBatchSize:         parseInt(k.String("SWEEP_BATCH_SIZE"), 100),
		WorkerMetricsAddr:      strings.TrimSpace(k.String("WORKER_METRICS_ADDR")),

		StorageURL:        strings.TrimSpace(k.String("STORAGE_URL")),
		StorageServiceKey: strings.TrimSpace(k.String("STORAGE_SERVICE_KEY")),
		StorageBucket:     valueOrDefault(k.String("STORAGE_BUCKET"), "uploads"),
		StorageTempPrefix: valueOrDefault(k.String("STORAGE_TEMP_PREFIX"), "temp"),

		OutboundTimeout:     parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		RetryMaxAttempts:    parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryBase:           parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryJitterPercent:  parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "tokopay"),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
			EnablePrometheus: parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:    parseBool(k.String("OBS_ENABLE_TRACING"), false),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
			EnablePprof:      parseBool(k.String("OBS_ENABLE_PPROF"), false),
		},
	}

	switch payment.Environment(cfg.VNPay.Env) {
	case payment.EnvSandbox, payment.EnvLive:
	default:
		return nil, fmt.Errorf("VNPAY_ENV must be sandbox or live, got %q", cfg.VNPay.Env)
	}
	if _, err := common.ParseTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}

// Payment returns the gateway configuration. Merchant credentials are not
// required at startup; each payment operation validates them on use.
func (c *Config) Payment() payment.Config {
	return payment.Config{
		MerchantCode: c.VNPay.TmnCode,
		HashSecret:   c.VNPay.HashSecret,
		PaymentURL:   c.VNPay.PaymentURL,
		QRURL:        c.VNPay.QRURL,
		ReturnURL:    c.VNPay.ReturnURL,
		Environment:  payment.Environment(c.VNPay.Env),
		ExchangeRate: c.VNPay.ExchangeRate,
		MinAmount:    c.VNPay.MinAmount,
		QRTTL:        c.VNPay.QRTTL,
		Locale:       c.VNPay.Locale,
		OrderType:    c.VNPay.OrderType,
		StoreTimeout: c.PaymentStore,
	}.WithDefaults()
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
