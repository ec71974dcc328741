package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "GATEWAY_URL", "LOCAL_MODE", "ADMIN_KEY", "MANIFEST_PUBLIC_KEY",
		"MANIFEST_PRIVATE_KEY", "JWT_SECRET", "NODE_STORE_DSN", "DNS_ZONE",
		"DNS_PROVIDER_URL", "FACILITATOR_URL", "GATEWAY_PRIVATE_KEY",
		"SETTLEMENT_RPC_URL", "NETWORK", "SOLANA_CLUSTER", "GATEWAY_PAY_TO_EVM",
		"GATEWAY_PAY_TO_SOLANA", "USDC_ADDRESS", "USDC_DOMAIN_NAME",
		"USDC_DOMAIN_VERSION", "CLICKHOUSE_DSN", "OTLP_ENDPOINT",
		"TRACE_SAMPLE_RATE", "GATEWAY_CONFIG",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoad_DefaultsWithNoEnv(t *testing.T) {
	clearGatewayEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if !cfg.LocalMode {
		t.Error("expected LocalMode default true")
	}
	if string(cfg.JWTSecret) == "" {
		t.Error("expected a dev-default JWT secret when JWT_SECRET is unset")
	}
	if cfg.Overlay.Pricing.AdmissionMax != 1000 {
		t.Errorf("AdmissionMax default = %d, want 1000", cfg.Overlay.Pricing.AdmissionMax)
	}
	if len(cfg.Overlay.Benchmark.FetchTargets) == 0 {
		t.Error("expected default fetch targets to be populated")
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("PORT", "9090")
	os.Setenv("LOCAL_MODE", "false")
	os.Setenv("GATEWAY_URL", "https://gateway.example")
	defer clearGatewayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LocalMode {
		t.Error("expected LocalMode = false")
	}
	if cfg.GatewayURL != "https://gateway.example" {
		t.Errorf("GatewayURL = %q", cfg.GatewayURL)
	}
}

func TestLoad_JWTSecretMustBeValidHex(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("JWT_SECRET", "not-hex!!")
	defer clearGatewayEnv(t)

	if _, err := Load(); err == nil {
		t.Error("expected an error for a non-hex JWT_SECRET")
	}
}

func TestLoad_JWTSecretDecodesValidHex(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("JWT_SECRET", "deadbeef")
	defer clearGatewayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, _ := hex.DecodeString("deadbeef")
	if string(cfg.JWTSecret) != string(want) {
		t.Errorf("JWTSecret = %x, want %x", cfg.JWTSecret, want)
	}
}

func TestLoad_YAMLOverlayAppliesPricing(t *testing.T) {
	clearGatewayEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yamlBody := []byte("pricing:\n  admission_base: 500\n  admission_increment: 25\n  admission_max: 2000\n  proxy_call_price: 750\n")
	if err := os.WriteFile(path, yamlBody, 0o600); err != nil {
		t.Fatalf("write overlay file: %v", err)
	}
	os.Setenv("GATEWAY_CONFIG", path)
	defer clearGatewayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Overlay.Pricing.AdmissionBase != 500 || cfg.Overlay.Pricing.AdmissionMax != 2000 {
		t.Errorf("unexpected pricing overlay: %+v", cfg.Overlay.Pricing)
	}
	if cfg.Overlay.Pricing.ProxyCallPrice != 750 {
		t.Errorf("ProxyCallPrice = %d, want 750", cfg.Overlay.Pricing.ProxyCallPrice)
	}
}

func TestLoad_MissingGatewayConfigFileErrors(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("GATEWAY_CONFIG", "/nonexistent/path/gateway.yaml")
	defer clearGatewayEnv(t)

	if _, err := Load(); err == nil {
		t.Error("expected an error when GATEWAY_CONFIG points at a missing file")
	}
}

func TestConfig_AdmissionPrice_ScalesAndCaps(t *testing.T) {
	t.Parallel()
	cfg := &Config{Overlay: Overlay{Pricing: PricingOverlay{
		AdmissionBase: 100, AdmissionIncrement: 50, AdmissionMax: 300,
	}}}
	cases := []struct {
		active int
		want   int64
	}{
		{0, 100},
		{2, 200},
		{10, 300}, // capped
	}
	for _, c := range cases {
		if got := cfg.AdmissionPrice(c.active); got != c.want {
			t.Errorf("AdmissionPrice(%d) = %d, want %d", c.active, got, c.want)
		}
	}
}
