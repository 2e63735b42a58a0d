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
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "closing-api" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Identity.Claims.Tenant != "org_id" {
		t.Errorf("Identity.Claims.Tenant = %q, want org_id", cfg.Identity.Claims.Tenant)
	}
	if cfg.Identity.Claims.Subject != "sub" {
		t.Errorf("Identity.Claims.Subject = %q, want default sub", cfg.Identity.Claims.Subject)
	}
	if cfg.Templates.ActiveVersion != "purchase-v1" {
		t.Errorf("Templates.ActiveVersion = %q", cfg.Templates.ActiveVersion)
	}
	if cfg.Cases.EnforceOrder {
		t.Error("Cases.EnforceOrder = true, want false")
	}
	if cfg.Cases.Store.Driver != DriverPostgres {
		t.Errorf("Cases.Store.Driver = %q, want postgres", cfg.Cases.Store.Driver)
	}
	if cfg.Cases.Store.MaxOpenConns != 10 {
		t.Errorf("Cases.Store.MaxOpenConns = %d, want 10", cfg.Cases.Store.MaxOpenConns)
	}
	if cfg.Idempotency.Store.DefaultTTL != time.Hour {
		t.Errorf("Idempotency.Store.DefaultTTL = %v, want 1h", cfg.Idempotency.Store.DefaultTTL)
	}
	if cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing.Exporter = %q", cfg.Observability.Tracing.Exporter)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer") {
		t.Errorf("error = %v, want identity.issuer mention", err)
	}
}

func TestLoad_bad_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown store driver should return error")
	}
}

func TestLoad_empty_path_uses_defaults(t *testing.T) {
	t.Setenv("CLOSING_IDENTITY_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Cases.Store.Driver != DriverMemory {
		t.Errorf("Cases.Store.Driver = %q, want memory", cfg.Cases.Store.Driver)
	}
	if !cfg.Templates.Builtin {
		t.Error("Templates.Builtin = false, want true")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if !cfg.Cases.EnforceOrder {
		t.Error("default Cases.EnforceOrder = false, want true")
	}
	if cfg.Idempotency.Store.DefaultTTL != 24*time.Hour {
		t.Errorf("default Idempotency TTL = %v, want 24h", cfg.Idempotency.Store.DefaultTTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLOSING_SERVER_PORT", "3000")
	t.Setenv("CLOSING_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("CLOSING_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("CLOSING_TEMPLATES_ACTIVE_VERSION", "purchase-v2")
	t.Setenv("CLOSING_CASES_STORE_DRIVER", "memory")
	t.Setenv("CLOSING_OBSERVABILITY_LOG_LEVEL", "error")

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
	if cfg.Templates.ActiveVersion != "purchase-v2" {
		t.Errorf("Templates.ActiveVersion = %q, want env override", cfg.Templates.ActiveVersion)
	}
	if cfg.Cases.Store.Driver != DriverMemory {
		t.Errorf("Cases.Store.Driver = %q, want env override", cfg.Cases.Store.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides_ignores_malformed_values(t *testing.T) {
	t.Setenv("CLOSING_SERVER_PORT", "not-a-port")
	t.Setenv("CLOSING_IDENTITY_ENABLED", "maybe")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want file value 9090", cfg.Server.Port)
	}
	if !cfg.Identity.Enabled {
		t.Error("Identity.Enabled = false, want default true")
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Enabled = false
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_no_template_source(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Enabled = false
	cfg.Templates.Builtin = false

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() without template sources should return error")
	}
}

func TestValidate_identity_disabled(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Enabled = false

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
