package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应能加载: %v", err)
	}
	if cfg.LLM.Timeout != 12*time.Second {
		t.Fatalf("expected llm timeout 12s, got %s", cfg.LLM.Timeout)
	}
	if cfg.LLM.MaxOutputTokens != 256 {
		t.Fatalf("expected 256 max tokens, got %d", cfg.LLM.MaxOutputTokens)
	}
	if cfg.LLM.CacheTTL != time.Hour {
		t.Fatalf("expected 1h llm cache ttl, got %s", cfg.LLM.CacheTTL)
	}
	if cfg.RateLimit.Window != time.Minute || cfg.RateLimit.MaxCalls != 6 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Ethereum.RequestTimeout != 6*time.Second {
		t.Fatalf("expected 6s upstream bound, got %s", cfg.Ethereum.RequestTimeout)
	}
	if cfg.LLM.Configured() {
		t.Fatal("llm must not be configured without a key")
	}
	if !cfg.Server.TrustClientIDHeader || !cfg.Server.TrustForwardedFor {
		t.Fatalf("identity headers should be trusted by default: %+v", cfg.Server)
	}
}

func TestLoadUntrustedIdentityHeaders(t *testing.T) {
	t.Setenv("CHAINTRACK_SERVER_TRUST_CLIENT_ID_HEADER", "false")
	t.Setenv("CHAINTRACK_SERVER_TRUST_FORWARDED_FOR", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.TrustClientIDHeader || cfg.Server.TrustForwardedFor {
		t.Fatalf("env should disable identity headers: %+v", cfg.Server)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("LLM_TIMEOUT_MS", "5000")
	t.Setenv("LLM_CACHE_TTL_SECONDS", "120")
	t.Setenv("LLM_RATE_LIMIT_WINDOW_MS", "30000")
	t.Setenv("LLM_RATE_LIMIT_MAX", "3")
	t.Setenv("USE_REAL_LLM", "true")
	t.Setenv("LLM_API_KEY", "secret")
	t.Setenv("ETHERSCAN_API_KEY", "explorer-key")
	t.Setenv("PORT", "8080")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Timeout != 5*time.Second {
		t.Fatalf("LLM_TIMEOUT_MS should map to 5s, got %s", cfg.LLM.Timeout)
	}
	if cfg.LLM.CacheTTL != 2*time.Minute {
		t.Fatalf("LLM_CACHE_TTL_SECONDS should map to 2m, got %s", cfg.LLM.CacheTTL)
	}
	if cfg.RateLimit.Window != 30*time.Second || cfg.RateLimit.MaxCalls != 3 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if !cfg.LLM.Configured() {
		t.Fatal("llm should be configured")
	}
	if cfg.Explorer.APIKey != "explorer-key" {
		t.Fatalf("explorer key not bound: %q", cfg.Explorer.APIKey)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("PORT should become :8080, got %q", cfg.Server.Addr)
	}
}

func TestPrefixedEnvironmentOverrides(t *testing.T) {
	t.Setenv("CHAINTRACK_RATELIMIT_MAX_CALLS", "9")
	t.Setenv("CHAINTRACK_LLM_TIMEOUT", "3s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RateLimit.MaxCalls != 9 {
		t.Fatalf("expected 9, got %d", cfg.RateLimit.MaxCalls)
	}
	if cfg.LLM.Timeout != 3*time.Second {
		t.Fatalf("expected 3s, got %s", cfg.LLM.Timeout)
	}
}

func TestLoadFileAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("storage:\n  driver: postgres\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("postgres driver without dsn must fail validation")
	}

	body = []byte("storage:\n  driver: sqlite\n  sqlite_path: " + filepath.Join(dir, "a.db") + "\nratelimit:\n  max_calls: 2\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load sqlite config: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.RateLimit.MaxCalls != 2 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Storage, cfg.RateLimit)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Storage.Driver = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown driver should be rejected")
	}
}
