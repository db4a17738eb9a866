// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Store         StoreConfig         `yaml:"store"`
	Guest         GuestConfig         `yaml:"guest"`
	Verification  VerificationConfig  `yaml:"verification"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings for staff
// routes.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CatalogConfig points at an optional status catalog override. An empty
// File uses the catalog compiled into the binary.
type CatalogConfig struct {
	File string `yaml:"file"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
	Retry           RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds transaction retries after a conflict.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// GuestConfig describes the unauthenticated guest feedback path.
type GuestConfig struct {
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// IdempotencyConfig describes where guest replay results are cached.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// VerificationConfig describes the human-verification provider.
type VerificationConfig struct {
	Provider       string               `yaml:"provider"`
	Endpoint       string               `yaml:"endpoint"`
	SecretEnv      string               `yaml:"secret_env"`
	MinScore       float64              `yaml:"min_score"`
	ExpectedAction string               `yaml:"expected_action"`
	Timeout        time.Duration        `yaml:"timeout"`
	StaticAllow    bool                 `yaml:"static_allow"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// NotifyConfig describes where committed transitions are announced.
type NotifyConfig struct {
	Sink      string `yaml:"sink"`
	Topic     string `yaml:"topic"`
	QueueSize int    `yaml:"queue_size"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Verification-Token"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "PEERFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
			Retry: RetryConfig{
				MaxAttempts:    5,
				BackoffInitial: 10 * time.Millisecond,
				BackoffMax:     250 * time.Millisecond,
			},
		},
		Guest: GuestConfig{
			Idempotency: IdempotencyConfig{
				Enabled: true,
				Driver:  "memory",
				AddrEnv: "PEERFLOW_REDIS_ADDR",
				TTL:     24 * time.Hour,
			},
		},
		Verification: VerificationConfig{
			Provider:  "recaptcha",
			Endpoint:  "https://www.google.com/recaptcha/api/siteverify",
			SecretEnv: "PEERFLOW_RECAPTCHA_SECRET",
			MinScore:  0.5,
			Timeout:   5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Notify: NotifyConfig{
			Sink:      "watermill",
			Topic:     "peerflow.transitions",
			QueueSize: 256,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	if !slices.Contains([]string{"memory", "postgres"}, c.Store.Driver) {
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for the postgres driver")
	}
	if c.Store.Retry.MaxAttempts < 1 {
		errs = append(errs, "store.retry.max_attempts must be at least 1")
	}

	if c.Guest.Idempotency.Enabled {
		if !slices.Contains([]string{"memory", "redis"}, c.Guest.Idempotency.Driver) {
			errs = append(errs, fmt.Sprintf("guest.idempotency.driver %q is not one of memory, redis", c.Guest.Idempotency.Driver))
		}
		if c.Guest.Idempotency.TTL <= 0 {
			errs = append(errs, "guest.idempotency.ttl must be positive")
		}
	}

	switch c.Verification.Provider {
	case "recaptcha":
		if c.Verification.Endpoint == "" {
			errs = append(errs, "verification.endpoint is required for the recaptcha provider")
		}
		if c.Verification.SecretEnv == "" {
			errs = append(errs, "verification.secret_env is required for the recaptcha provider")
		}
	case "static":
	default:
		errs = append(errs, fmt.Sprintf("verification.provider %q is not one of recaptcha, static", c.Verification.Provider))
	}

	if !slices.Contains([]string{"watermill", "log", "none"}, c.Notify.Sink) {
		errs = append(errs, fmt.Sprintf("notify.sink %q is not one of watermill, log, none", c.Notify.Sink))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PEERFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PEERFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PEERFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("PEERFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("PEERFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("PEERFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("PEERFLOW_CATALOG_FILE"); v != "" {
		cfg.Catalog.File = v
	}
	if v := os.Getenv("PEERFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("PEERFLOW_VERIFICATION_PROVIDER"); v != "" {
		cfg.Verification.Provider = v
	}
	if v := os.Getenv("PEERFLOW_NOTIFY_SINK"); v != "" {
		cfg.Notify.Sink = v
	}
}
