package config

import "testing"

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.HTTPSignSkewSec != 300 {
		t.Errorf("expected default skew 300, got %d", cfg.HTTPSignSkewSec)
	}
	if cfg.BridgeRetries != 2 || cfg.BridgeTimeoutMS != 10000 || cfg.BridgeRetryBackoffMS != 100 {
		t.Errorf("unexpected bridge defaults: %+v", cfg)
	}
	if cfg.StorageBackend != "memory" {
		t.Errorf("expected default storage backend memory, got %q", cfg.StorageBackend)
	}
	if cfg.EnableAdmin {
		t.Error("expected admin disabled by default")
	}
}

func TestLoad_ReadsOverridesAndSplitsCSV(t *testing.T) {
	t.Setenv("ODIN_ENFORCE_ROUTES", "/v1/envelope, /v1/translate")
	t.Setenv("ODIN_ENFORCE_REQUIRE", "1")
	t.Setenv("ODIN_ADMIN_TOKEN", "secret")
	t.Setenv("ODIN_ENABLE_ADMIN", "true")

	cfg := Load()
	if len(cfg.EnforceRoutes) != 2 || cfg.EnforceRoutes[0] != "/v1/envelope" || cfg.EnforceRoutes[1] != "/v1/translate" {
		t.Errorf("unexpected enforce routes: %+v", cfg.EnforceRoutes)
	}
	if !cfg.EnforceRequire {
		t.Error("expected EnforceRequire true")
	}
	if cfg.AdminToken != "secret" || !cfg.EnableAdmin {
		t.Errorf("unexpected admin config: %+v", cfg)
	}
}
