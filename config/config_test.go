package config

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/controlplane/catalog"
)

const fullYAML = `
server:
  addr: ":9090"
  jwt_secret: "${CP_TEST_JWT_SECRET}"
  admin_rate_limit: 30
logging:
  level: debug
  format: json
store:
  backend: dynamodb
  dynamodb:
    table: cp-records
    endpoint: "${CP_TEST_DYNAMO:-http://localhost:8000}"
  quota: redis
  events: postgres
  postgres_dsn: "postgres://cp@localhost/cp"
redis:
  addr: "localhost:6380"
  prefix: "test:"
cache:
  backend: redis
  ttl: 45s
billing:
  webhook_secret: "whsec_$literal"
  event_retention: 720h
  prices:
    price_pro_monthly: pro
    price_basic_monthly: Basic
  partner:
    queue_url: "https://sqs.us-east-1.amazonaws.com/123/cp-events"
    source_prefix: "aws.partner/billing"
    wait_time: 10s
    batch_size: 5
tracing:
  enabled: true
  endpoint: "otel:4318"
  sample_rate: 0.5
  environment: staging
`

func TestParse_Full(t *testing.T) {
	t.Setenv("CP_TEST_JWT_SECRET", "from-env")

	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.JWTSecret != "from-env" || cfg.Server.AdminRateLimit != 30 {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Server.JWTIssuer != "controlplane" || cfg.Server.WebhookRateLimit != 600 {
		t.Errorf("defaults should survive a partial section, got %+v", cfg.Server)
	}
	if cfg.Store.DynamoDB.Endpoint != "http://localhost:8000" {
		t.Errorf("expected the fallback endpoint, got %q", cfg.Store.DynamoDB.Endpoint)
	}
	if cfg.Billing.WebhookSecret != "whsec_$literal" {
		t.Errorf("bare $ must not be expanded, got %q", cfg.Billing.WebhookSecret)
	}
	if cfg.Cache.TTL != 45*time.Second || cfg.Billing.EventRetention != 720*time.Hour {
		t.Errorf("durations not decoded: %v %v", cfg.Cache.TTL, cfg.Billing.EventRetention)
	}
	if cfg.Billing.Partner.BatchSize != 5 || cfg.Billing.Partner.WaitTime != 10*time.Second {
		t.Errorf("unexpected partner config %+v", cfg.Billing.Partner)
	}
	prices, err := cfg.Billing.PriceMap()
	if err != nil {
		t.Fatalf("PriceMap: %v", err)
	}
	if prices["price_pro_monthly"] != catalog.TierPro || prices["price_basic_monthly"] != catalog.TierBasic {
		t.Errorf("unexpected prices %v", prices)
	}
	if cfg.Tracing.Environment != "staging" || cfg.Tracing.InstanceID != "" || cfg.Tracing.ServiceName != "controlplane" {
		t.Errorf("unexpected tracing config %+v", cfg.Tracing)
	}
	if lvl, _ := cfg.Logging.SlogLevel(); lvl != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", lvl)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controlplane.yaml")
	if err := os.WriteFile(path, []byte("server:\n  jwt_secret: s3cret\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Cache.Backend != BackendLocal {
		t.Errorf("expected development defaults, got %+v %+v", cfg.Store, cfg.Cache)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.Server.JWTSecret = "" }, "server.jwt_secret"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"bad events", func(c *Config) { c.Store.Events = "mysql" }, "store.events"},
		{"postgres without dsn", func(c *Config) { c.Store.Events = BackendPostgres }, "store.postgres_dsn"},
		{"redis without addr", func(c *Config) { c.Cache.Backend = BackendRedis; c.Redis.Addr = "" }, "redis.addr"},
		{"unknown tier", func(c *Config) { c.Billing.Prices = map[string]string{"price_x": "platinum"} }, "unknown tier"},
		{"batch too large", func(c *Config) { c.Billing.Partner.BatchSize = 11 }, "batch_size"},
		{"wait too long", func(c *Config) { c.Billing.Partner.WaitTime = time.Minute }, "wait_time"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
		{"local cache with shared store", func(c *Config) { c.Store.Backend = BackendDynamoDB }, "cache.backend local"},
		{"no retention", func(c *Config) { c.Billing.EventRetention = 0 }, "event_retention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.JWTSecret = "s3cret"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}

	cfg := Default()
	cfg.Server.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults with a secret should validate: %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "xml"
	cfg.Store.Backend = "etcd"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"jwt_secret", "logging.format", "store.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CP_TEST_SET", "value")
	t.Setenv("CP_TEST_EMPTY", "")
	tests := []struct {
		in, want string
	}{
		{"${CP_TEST_SET}", "value"},
		{"${CP_TEST_UNSET}", ""},
		{"${CP_TEST_UNSET:-fallback}", "fallback"},
		{"${CP_TEST_EMPTY:-fallback}", "fallback"},
		{"$CP_TEST_SET", "$CP_TEST_SET"},
		{"a-${CP_TEST_SET}-b", "a-value-b"},
	}
	for _, tt := range tests {
		if got := ExpandEnv(tt.in); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAWSConfig_Load(t *testing.T) {
	aws := AWSConfig{Region: "eu-west-1", AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}
	cfg, err := aws.Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "eu-west-1" {
		t.Errorf("expected configured region, got %q", cfg.Region)
	}
	creds, err := cfg.Credentials.Retrieve(context.Background())
	if err != nil || creds.AccessKeyID != "AKIDEXAMPLE" {
		t.Errorf("expected static credentials, got %+v %v", creds, err)
	}

	cfg, err = aws.Load(context.Background(), "ap-south-1")
	if err != nil || cfg.Region != "ap-south-1" {
		t.Errorf("explicit region should win, got %q %v", cfg.Region, err)
	}

	client := &http.Client{}
	aws.HTTPClient = client
	cfg, err = aws.Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPClient != client {
		t.Error("expected the supplied http client")
	}
}
