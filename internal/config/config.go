package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Backend names shared by the cache, limiter and ledger.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

type Config struct {
	// Server
	Port string `yaml:"port" envconfig:"PORT" default:"8080"`
	Host string `yaml:"host" envconfig:"HOST" default:"0.0.0.0"`

	// Auth
	AuthKey string `yaml:"auth_key" envconfig:"AUTH_KEY"` // Bearer token, empty = no auth

	// Logging
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT" default:"json"`

	// Result cache. The in-memory tier is always on; Backend adds a durable tier.
	CacheTTL     time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"24h"`
	CacheBackend string        `yaml:"cache_backend" envconfig:"CACHE_BACKEND" default:"memory"`
	CacheDSN     string        `yaml:"cache_dsn" envconfig:"CACHE_DSN" default:"data/imei-cache.db"`

	// Per-caller rate limit
	RateLimitWindow  time.Duration `yaml:"rate_limit_window" envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
	RateLimitMax     int           `yaml:"rate_limit_max" envconfig:"RATE_LIMIT_MAX" default:"5"`
	RateLimitBackend string        `yaml:"rate_limit_backend" envconfig:"RATE_LIMIT_BACKEND" default:"memory"`
	RateLimitByASN   bool          `yaml:"rate_limit_by_asn" envconfig:"RATE_LIMIT_BY_ASN"`
	ASNDBPath        string        `yaml:"asn_db_path" envconfig:"ASN_DB_PATH" default:"data/GeoLite2-ASN.mmdb"`
	TrustProxy       bool          `yaml:"trust_proxy" envconfig:"TRUST_PROXY"`

	// Credit ledger
	LedgerBackend string         `yaml:"ledger_backend" envconfig:"LEDGER_BACKEND" default:"memory"`
	LedgerDSN     string         `yaml:"ledger_dsn" envconfig:"LEDGER_DSN" default:"data/imei-ledger.db"`
	Tenants       map[string]int `yaml:"tenants" envconfig:"TENANT_PLANS"` // tenant -> plan credits, seeded at start

	// Redis, shared by every redis backend
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB"`

	// Polling
	PollMaxAttempts int           `yaml:"poll_max_attempts" envconfig:"POLL_MAX_ATTEMPTS" default:"12"`
	PollInterval    time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL" default:"2s"`

	// Provider chain, primary first
	Providers      []ProviderConfig `yaml:"providers" ignored:"true"`
	PrimaryAPIKey  string           `yaml:"-" envconfig:"IMEI_PRIMARY_API_KEY"`
	PrimaryBaseURL string           `yaml:"-" envconfig:"IMEI_PRIMARY_BASE_URL"`

	// Events
	KafkaBrokers []string `yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `yaml:"kafka_topic" envconfig:"KAFKA_TOPIC" default:"imei.verifications"`
}

// ProviderConfig describes one upstream verification service.
type ProviderConfig struct {
	Name            string        `yaml:"name"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	BasicServiceID  string        `yaml:"basic_service_id"`
	FullServiceID   string        `yaml:"full_service_id"`
	Enabled         *bool         `yaml:"enabled"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"` // 0 = no outbound cap
	Timeout         time.Duration `yaml:"timeout"`
}

// IsEnabled defaults to true when the file does not say otherwise.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// DefaultProviders is used when no config file lists providers.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:           "imeicheck",
			BaseURL:        "https://api.imeicheck.net/v1",
			BasicServiceID: "1",
			FullServiceID:  "12",
			Timeout:        15 * time.Second,
		},
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Defaults first so the file only has to name what it changes.
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			// Environment wins over the file.
			if err := processSetEnv(cfg); err != nil {
				return nil, err
			}
		}
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	if cfg.PrimaryAPIKey != "" {
		cfg.Providers[0].APIKey = cfg.PrimaryAPIKey
	}
	if cfg.PrimaryBaseURL != "" {
		cfg.Providers[0].BaseURL = cfg.PrimaryBaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// processSetEnv re-applies only the variables that are actually set, so
// envconfig defaults do not clobber values from the file.
func processSetEnv(cfg *Config) error {
	fromEnv := &Config{}
	if err := envconfig.Process("", fromEnv); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	set := func(name string) bool {
		_, ok := os.LookupEnv(name)
		return ok
	}

	if set("PORT") {
		cfg.Port = fromEnv.Port
	}
	if set("HOST") {
		cfg.Host = fromEnv.Host
	}
	if set("AUTH_KEY") {
		cfg.AuthKey = fromEnv.AuthKey
	}
	if set("LOG_LEVEL") {
		cfg.LogLevel = fromEnv.LogLevel
	}
	if set("LOG_FORMAT") {
		cfg.LogFormat = fromEnv.LogFormat
	}
	if set("CACHE_TTL") {
		cfg.CacheTTL = fromEnv.CacheTTL
	}
	if set("CACHE_BACKEND") {
		cfg.CacheBackend = fromEnv.CacheBackend
	}
	if set("CACHE_DSN") {
		cfg.CacheDSN = fromEnv.CacheDSN
	}
	if set("RATE_LIMIT_WINDOW") {
		cfg.RateLimitWindow = fromEnv.RateLimitWindow
	}
	if set("RATE_LIMIT_MAX") {
		cfg.RateLimitMax = fromEnv.RateLimitMax
	}
	if set("RATE_LIMIT_BACKEND") {
		cfg.RateLimitBackend = fromEnv.RateLimitBackend
	}
	if set("RATE_LIMIT_BY_ASN") {
		cfg.RateLimitByASN = fromEnv.RateLimitByASN
	}
	if set("ASN_DB_PATH") {
		cfg.ASNDBPath = fromEnv.ASNDBPath
	}
	if set("TRUST_PROXY") {
		cfg.TrustProxy = fromEnv.TrustProxy
	}
	if set("LEDGER_BACKEND") {
		cfg.LedgerBackend = fromEnv.LedgerBackend
	}
	if set("LEDGER_DSN") {
		cfg.LedgerDSN = fromEnv.LedgerDSN
	}
	if set("TENANT_PLANS") {
		cfg.Tenants = fromEnv.Tenants
	}
	if set("REDIS_ADDR") {
		cfg.RedisAddr = fromEnv.RedisAddr
	}
	if set("REDIS_PASSWORD") {
		cfg.RedisPassword = fromEnv.RedisPassword
	}
	if set("REDIS_DB") {
		cfg.RedisDB = fromEnv.RedisDB
	}
	if set("POLL_MAX_ATTEMPTS") {
		cfg.PollMaxAttempts = fromEnv.PollMaxAttempts
	}
	if set("POLL_INTERVAL") {
		cfg.PollInterval = fromEnv.PollInterval
	}
	if set("KAFKA_BROKERS") {
		cfg.KafkaBrokers = fromEnv.KafkaBrokers
	}
	if set("KAFKA_TOPIC") {
		cfg.KafkaTopic = fromEnv.KafkaTopic
	}
	cfg.PrimaryAPIKey = fromEnv.PrimaryAPIKey
	cfg.PrimaryBaseURL = fromEnv.PrimaryBaseURL
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if c.CacheTTL <= 0 {
		errs = append(errs, "CACHE_TTL must be positive")
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMax <= 0 {
		errs = append(errs, "RATE_LIMIT_WINDOW and RATE_LIMIT_MAX must be positive")
	}
	if c.PollMaxAttempts <= 0 || c.PollInterval < 0 {
		errs = append(errs, "POLL_MAX_ATTEMPTS must be positive and POLL_INTERVAL non-negative")
	}
	if !oneOf(c.CacheBackend, BackendMemory, BackendRedis, BackendSQLite, BackendMySQL) {
		errs = append(errs, fmt.Sprintf("unknown CACHE_BACKEND %q", c.CacheBackend))
	}
	if !oneOf(c.RateLimitBackend, BackendMemory, BackendRedis) {
		errs = append(errs, fmt.Sprintf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}
	if !oneOf(c.LedgerBackend, BackendMemory, BackendRedis, BackendSQLite, BackendMySQL) {
		errs = append(errs, fmt.Sprintf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" || p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: name and base_url are required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.BasicServiceID == "" || p.FullServiceID == "" {
			errs = append(errs, fmt.Sprintf("provider %s: basic_service_id and full_service_id are required", p.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
