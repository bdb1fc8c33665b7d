// Package config loads the control plane's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/controlplane/catalog"
)

// Config is the root configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Cache   CacheConfig   `yaml:"cache"`
	Billing BillingConfig `yaml:"billing"`
	Tracing TracingConfig `yaml:"tracing"`
	AWS     AWSConfig     `yaml:"aws"`
}

// ServerConfig configures the HTTP listener and token verification.
type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	JWTSecret        string        `yaml:"jwt_secret"` //nolint:gosec // config field
	JWTIssuer        string        `yaml:"jwt_issuer"`
	AdminRateLimit   int           `yaml:"admin_rate_limit"`
	WebhookRateLimit int           `yaml:"webhook_rate_limit"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendNone     = "none"
)

// StoreConfig selects the record store and optional overrides for the quota
// ledger and billing event records. Empty overrides use the record store.
type StoreConfig struct {
	Backend     string         `yaml:"backend"`
	DynamoDB    DynamoDBConfig `yaml:"dynamodb"`
	Quota       string         `yaml:"quota"`
	Events      string         `yaml:"events"`
	SQLitePath  string         `yaml:"sqlite_path"`
	PostgresDSN string         `yaml:"postgres_dsn"`
}

// DynamoDBConfig locates the single table holding every record type.
type DynamoDBConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` //nolint:gosec // config field
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CacheConfig configures the entitlement cache.
type CacheConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Size    int           `yaml:"size"`
}

// BillingConfig configures both event channels.
type BillingConfig struct {
	WebhookSecret  string            `yaml:"webhook_secret"` //nolint:gosec // config field
	EventRetention time.Duration     `yaml:"event_retention"`
	Prices         map[string]string `yaml:"prices"`
	Partner        PartnerConfig     `yaml:"partner"`
}

// PartnerConfig configures the queue-delivered channel. An empty QueueURL
// disables it.
type PartnerConfig struct {
	QueueURL     string        `yaml:"queue_url"`
	Endpoint     string        `yaml:"endpoint"`
	SourcePrefix string        `yaml:"source_prefix"`
	Account      string        `yaml:"account"`
	WaitTime     time.Duration `yaml:"wait_time"`
	BatchSize    int32         `yaml:"batch_size"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// Environment and InstanceID are reported on every span. An empty
	// InstanceID uses the hostname.
	Environment string `yaml:"environment"`
	InstanceID  string `yaml:"instance_id"`
}

// Default returns a Config suitable for a single-node development server.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			JWTIssuer:        "controlplane",
			AdminRateLimit:   60,
			WebhookRateLimit: 600,
			ShutdownTimeout:  15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Backend:    BackendMemory,
			DynamoDB:   DynamoDBConfig{Table: "controlplane"},
			SQLitePath: "controlplane.db",
		},
		Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "cp:"},
		Cache:   CacheConfig{Backend: BackendLocal, TTL: 30 * time.Second, Size: 10000},
		Billing: BillingConfig{EventRetention: 30 * 24 * time.Hour},
		Tracing: TracingConfig{Endpoint: "localhost:4318", Insecure: true, ServiceName: "controlplane", SampleRate: 1.0},
		AWS:     AWSConfig{Region: "us-east-1"},
	}
}

// Load reads the YAML file at path over the defaults, expands ${VAR} and
// ${VAR:-default} references and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} with the environment value of VAR, and
// ${VAR:-default} with default when VAR is unset or empty. Bare $VAR is left
// alone so secrets may contain dollar signs.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})
}

// Validate checks the configuration, reporting every problem found.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.JWTSecret != "", "server.jwt_secret is required")
	check(c.Server.AdminRateLimit >= 0, "server.admin_rate_limit must not be negative")
	check(c.Server.WebhookRateLimit >= 0, "server.webhook_rate_limit must not be negative")

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	check(oneOf(c.Logging.Format, "text", "json"), "logging.format must be text or json, got %q", c.Logging.Format)

	check(oneOf(c.Store.Backend, BackendMemory, BackendDynamoDB),
		"store.backend must be memory or dynamodb, got %q", c.Store.Backend)
	check(c.Store.Backend != BackendDynamoDB || c.Store.DynamoDB.Table != "", "store.dynamodb.table is required")
	check(oneOf(c.Store.Quota, "", BackendRedis), "store.quota must be empty or redis, got %q", c.Store.Quota)
	check(oneOf(c.Store.Events, "", BackendSQLite, BackendPostgres),
		"store.events must be empty, sqlite or postgres, got %q", c.Store.Events)
	check(c.Store.Events != BackendSQLite || c.Store.SQLitePath != "", "store.sqlite_path is required for sqlite events")
	check(c.Store.Events != BackendPostgres || c.Store.PostgresDSN != "", "store.postgres_dsn is required for postgres events")

	check(oneOf(c.Cache.Backend, BackendNone, BackendLocal, BackendRedis),
		"cache.backend must be none, local or redis, got %q", c.Cache.Backend)
	check(c.Cache.TTL >= 0, "cache.ttl must not be negative")
	check(c.Store.Backend != BackendDynamoDB || c.Cache.Backend != BackendLocal,
		"cache.backend local cannot be shared by replicas of a dynamodb store, use redis or none")
	needsRedis := c.Store.Quota == BackendRedis || c.Cache.Backend == BackendRedis
	check(!needsRedis || c.Redis.Addr != "", "redis.addr is required when a redis backend is selected")

	check(c.Billing.EventRetention > 0, "billing.event_retention must be positive")
	if _, err := c.Billing.PriceMap(); err != nil {
		errs = append(errs, err)
	}
	check(c.Billing.Partner.BatchSize >= 0 && c.Billing.Partner.BatchSize <= 10,
		"billing.partner.batch_size must be between 1 and 10")
	check(c.Billing.Partner.WaitTime >= 0 && c.Billing.Partner.WaitTime <= 20*time.Second,
		"billing.partner.wait_time must be at most 20s")

	check(c.Tracing.SampleRate >= 0 && c.Tracing.SampleRate <= 1, "tracing.sample_rate must be between 0 and 1")
	check(!c.Tracing.Enabled || c.Tracing.Endpoint != "", "tracing.endpoint is required when tracing is enabled")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PriceMap converts the configured price identifiers to tiers.
func (b BillingConfig) PriceMap() (catalog.PriceMap, error) {
	m := make(catalog.PriceMap, len(b.Prices))
	for price, name := range b.Prices {
		t, ok := catalog.ParseTier(name)
		if !ok {
			return nil, fmt.Errorf("billing.prices[%s]: unknown tier %q", price, name)
		}
		m[price] = t
	}
	return m, nil
}

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}
