package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/pkg/errors"
)

type LockBackend string

const (
	LockBackendMemory    LockBackend = "memory"
	LockBackendRedis     LockBackend = "redis"
	LockBackendZookeeper LockBackend = "zookeeper"
)

type Config struct {
	ServiceName string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string

	Database Database
	Stripe   Stripe
	Lock     Lock

	RedisAddr           string
	CorrelationCacheTTL time.Duration
	ZookeeperServers    []string

	KafkaBrokers []string
	KafkaTopic   string

	JaegerEndpoint string

	ReconcileInterval  time.Duration
	ReconcileOlderThan time.Duration
	ReconcileBatch     int

	CorsAllowedOrigins []string
}

type Database struct {
	Host     string
	Port     string
	Username string
	Password string
	Name     string
	Schema   string
}

// DSN returns the postgres connection string understood by the pgx stdlib driver.
func (d Database) DSN() string {
	q := url.Values{}
	q.Set("sslmode", "disable")
	q.Set("search_path", d.Schema)
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

type Stripe struct {
	SecretKey     string
	WebhookSecret string
}

type Lock struct {
	Backend LockBackend
	Timeout time.Duration
	TTL     time.Duration
}

// Load reads the configuration from the environment. A .env file in the working
// directory is loaded first.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "stripe-reconciler"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		Database: Database{
			Host:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
			Port:     getEnv("BLUEPRINT_DB_PORT", "5432"),
			Username: getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
			Password: getEnv("BLUEPRINT_DB_PASSWORD", ""),
			Name:     getEnv("BLUEPRINT_DB_DATABASE", "shop"),
			Schema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),
		},
		Stripe: Stripe{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		ZookeeperServers:   splitList(getEnv("ZOOKEEPER_SERVERS", "")),
		KafkaBrokers:       splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "order-transaction-state-changed"),
		JaegerEndpoint:     os.Getenv("JAEGER_ENDPOINT"),
		CorsAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}

	if cfg.Stripe.WebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET is required to verify webhook signatures")
	}

	var err error
	cfg.Lock.Backend = LockBackend(getEnv("LOCK_BACKEND", string(LockBackendMemory)))
	switch cfg.Lock.Backend {
	case LockBackendMemory, LockBackendRedis, LockBackendZookeeper:
	default:
		return nil, errors.Errorf("unknown LOCK_BACKEND %q", cfg.Lock.Backend)
	}
	if cfg.Lock.Backend == LockBackendZookeeper && len(cfg.ZookeeperServers) == 0 {
		return nil, errors.New("LOCK_BACKEND=zookeeper requires ZOOKEEPER_SERVERS")
	}
	if cfg.Lock.Timeout, err = getDuration("LOCK_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Lock.TTL, err = getDuration("LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.CorrelationCacheTTL, err = getDuration("CORRELATION_CACHE_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileOlderThan, err = getDuration("RECONCILE_OLDER_THAN", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileBatch, err = getInt("RECONCILE_BATCH", 50); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
