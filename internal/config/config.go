// Package config loads gateway configuration from environment variables,
// with an optional YAML overlay for structural settings that don't belong
// in a flat env-var namespace (pricing presets, supported networks, DNS
// zone, benchmark targets).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"
)

// Config holds all gateway configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// GatewayURL is the public URL of this gateway, used in x402 resource fields.
	GatewayURL string

	// LocalMode disables payment gating on /node/join (single-tenant dev/test).
	LocalMode bool

	// AdminKey authorizes POST /admin/manifest via the x-admin-key header.
	AdminKey string

	// ManifestPublicKeyHex is the pinned Ed25519 public key (hex) that
	// POST /admin/manifest verifies submitted manifest signatures against.
	// Signing happens outside the gateway process; an unsigned or
	// wrongly-signed submission is refused.
	ManifestPublicKeyHex string

	// JWTSecret signs session tokens (HMAC-SHA256).
	JWTSecret []byte

	// NodeStoreDSN is the SQLite DSN (file path or ":memory:").
	NodeStoreDSN string

	// DNSZone is the authoritative zone new node domains are provisioned under,
	// e.g. "consensus.example.com". In local mode nodes get "localhost" domains.
	DNSZone string

	// DNSProviderURL is the HTTP endpoint of the DNS collaborator (get/set hosts).
	DNSProviderURL string

	// FacilitatorURL is the x402 facilitator endpoint. Empty + GatewayPrivateKey
	// set means the gateway settles locally; both empty disables payment gating.
	FacilitatorURL string

	// GatewayPrivateKey is the hex-encoded relayer key for local settlement.
	GatewayPrivateKey string

	// SettlementRPCURL is the JSON-RPC endpoint for on-chain settlement.
	SettlementRPCURL string

	// Network is the CAIP-2 network identifier for EVM settlement, e.g. "eip155:84532".
	Network string

	// SolanaCluster is the CAIP-2 cluster id advertised for SVM payment, e.g. "solana:devnet".
	SolanaCluster string

	// PayToEVM / PayToSolana are the gateway's receiving addresses per chain family.
	PayToEVM    string
	PayToSolana string

	// USDCAddress/Name/Version describe the EIP-712 domain for EVM settlement.
	USDCAddress       string
	USDCDomainName    string
	USDCDomainVersion string

	// ClickHouseDSN optionally enables async billing-event export. Empty disables it.
	ClickHouseDSN string

	// OTLPEndpoint optionally enables tracing export. Empty disables tracing.
	OTLPEndpoint     string
	TraceSampleRate  float64

	// Overlay holds the structural settings loaded from an optional YAML file.
	Overlay Overlay
}

// Overlay is the optional YAML-loaded structural configuration.
type Overlay struct {
	Pricing   PricingOverlay   `yaml:"pricing"`
	Benchmark BenchmarkOverlay `yaml:"benchmark"`
}

// PricingOverlay lets an operator retune the admission pricing formula
// (spec §4.4) without a code change.
type PricingOverlay struct {
	AdmissionBase      int64 `yaml:"admission_base"`
	AdmissionIncrement int64 `yaml:"admission_increment"`
	AdmissionMax       int64 `yaml:"admission_max"`

	// ProxyCallPrice is the flat USDC atomic-unit charge for one /proxy call
	// on cache miss (spec §6). Cache hits and already-paid fingerprints are free.
	ProxyCallPrice int64 `yaml:"proxy_call_price"`
}

// BenchmarkOverlay lets an operator retune the fetch-probe target list.
type BenchmarkOverlay struct {
	FetchTargets []string `yaml:"fetch_targets"`
}

// Load reads configuration from environment variables (a .env file in the
// working directory is loaded first if present) and, when GATEWAY_CONFIG
// points at a file, layers a YAML overlay on top for structural settings.
func Load() (*Config, error) {
	_ = godotenv.Load() // no-op if .env absent (production uses real env vars)

	cfg := &Config{
		Port:                  getEnvInt("PORT", 8080),
		GatewayURL:            getEnv("GATEWAY_URL", "http://localhost:8080"),
		LocalMode:             getEnvBool("LOCAL_MODE", true),
		AdminKey:              getEnv("ADMIN_KEY", ""),
		ManifestPublicKeyHex:  getEnv("MANIFEST_PUBLIC_KEY", ""),
		NodeStoreDSN:          getEnv("NODE_STORE_DSN", "gateway.db"),
		DNSZone:               getEnv("DNS_ZONE", "consensus.local"),
		DNSProviderURL:        getEnv("DNS_PROVIDER_URL", ""),
		FacilitatorURL:        getEnv("FACILITATOR_URL", ""),
		GatewayPrivateKey:     getEnv("GATEWAY_PRIVATE_KEY", ""),
		SettlementRPCURL:      getEnv("SETTLEMENT_RPC_URL", "https://sepolia.base.org"),
		Network:               getEnv("NETWORK", "eip155:84532"),
		SolanaCluster:         getEnv("SOLANA_CLUSTER", "solana:devnet"),
		PayToEVM:              getEnv("GATEWAY_PAY_TO_EVM", ""),
		PayToSolana:           getEnv("GATEWAY_PAY_TO_SOLANA", ""),
		USDCAddress:           getEnv("USDC_ADDRESS", "0x036CbD53842c5426634E7929541eC2318f3dCF7e"),
		USDCDomainName:        getEnv("USDC_DOMAIN_NAME", "USDC"),
		USDCDomainVersion:     getEnv("USDC_DOMAIN_VERSION", "2"),
		ClickHouseDSN:         getEnv("CLICKHOUSE_DSN", ""),
		OTLPEndpoint:          getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRate:       getEnvFloat("TRACE_SAMPLE_RATE", 0.1),
	}

	jwtHex := getEnv("JWT_SECRET", "")
	if jwtHex != "" {
		secret, err := hex.DecodeString(jwtHex)
		if err != nil {
			return nil, fmt.Errorf("JWT_SECRET must be valid hex: %w", err)
		}
		cfg.JWTSecret = secret
	} else {
		// Dev default; operators must set JWT_SECRET in any shared environment.
		cfg.JWTSecret = []byte("dev-only-insecure-session-token-secret-00000")
	}

	if path := getEnv("GATEWAY_CONFIG", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading GATEWAY_CONFIG: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Overlay); err != nil {
			return nil, fmt.Errorf("parsing GATEWAY_CONFIG: %w", err)
		}
	}
	if cfg.Overlay.Pricing.AdmissionBase == 0 {
		cfg.Overlay.Pricing = PricingOverlay{AdmissionBase: 100, AdmissionIncrement: 50, AdmissionMax: 1000, ProxyCallPrice: 1000}
	}
	if cfg.Overlay.Pricing.ProxyCallPrice == 0 {
		cfg.Overlay.Pricing.ProxyCallPrice = 1000
	}
	if len(cfg.Overlay.Benchmark.FetchTargets) == 0 {
		cfg.Overlay.Benchmark.FetchTargets = []string{
			"https://speed.cloudflare.com/__down?bytes=1000",
			"https://httpbin.org/get",
			"https://www.google.com/generate_204",
			"https://1.1.1.1/cdn-cgi/trace",
			"https://api.github.com/zen",
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// AdmissionPrice computes the admission payment price (spec §4.4):
// min(MAX, BASE + active_nodes*INCREMENT).
func (c *Config) AdmissionPrice(activeNodes int) int64 {
	p := c.Overlay.Pricing
	price := p.AdmissionBase + int64(activeNodes)*p.AdmissionIncrement
	if price > p.AdmissionMax {
		price = p.AdmissionMax
	}
	return price
}
