package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Audience != "peerflow-api" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Catalog.File != "/etc/peerflow/catalog.yaml" {
		t.Errorf("Catalog.File = %q", cfg.Catalog.File)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Store.Retry.MaxAttempts != 3 {
		t.Errorf("Store.Retry.MaxAttempts = %d, want 3", cfg.Store.Retry.MaxAttempts)
	}
	if cfg.Store.Retry.BackoffInitial != 5*time.Millisecond {
		t.Errorf("Store.Retry.BackoffInitial = %v, want 5ms", cfg.Store.Retry.BackoffInitial)
	}
	if cfg.Guest.Idempotency.Driver != "redis" || cfg.Guest.Idempotency.TTL != 12*time.Hour {
		t.Errorf("Guest.Idempotency = %+v", cfg.Guest.Idempotency)
	}
	if cfg.Verification.MinScore != 0.7 {
		t.Errorf("Verification.MinScore = %v, want 0.7", cfg.Verification.MinScore)
	}
	if cfg.Verification.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.Verification.CircuitBreaker.FailureThreshold)
	}
	// Untouched nested defaults survive a partial file.
	if cfg.Verification.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Verification.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Notify.Sink != "log" {
		t.Errorf("Notify.Sink = %q, want log", cfg.Notify.Sink)
	}
}

func TestLoad_missing_file(t *testing.T) {
	if _, err := Load("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	if _, err := Load("testdata/missing_identity.yaml"); err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestLoad_invalid_choices(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown drivers should return error")
	}
	for _, want := range []string{"store.driver", "verification.provider", "notify.sink"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Guest.Idempotency.TTL != 24*time.Hour {
		t.Errorf("default idempotency TTL = %v, want 24h", cfg.Guest.Idempotency.TTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PEERFLOW_SERVER_PORT", "3000")
	t.Setenv("PEERFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("PEERFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("PEERFLOW_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("PEERFLOW_STORE_DRIVER", "memory")
	t.Setenv("PEERFLOW_VERIFICATION_PROVIDER", "static")
	t.Setenv("PEERFLOW_CATALOG_FILE", "/tmp/catalog.yaml")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory (env override)", cfg.Store.Driver)
	}
	if cfg.Verification.Provider != "static" {
		t.Errorf("Verification.Provider = %q, want static (env override)", cfg.Verification.Provider)
	}
	if cfg.Catalog.File != "/tmp/catalog.yaml" {
		t.Errorf("Catalog.File = %q, want env override", cfg.Catalog.File)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "peerflow-api"
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_retry_attempts(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "peerflow-api"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults error = %v", err)
	}
	cfg.Store.Retry.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with zero retry attempts should return error")
	}
}
