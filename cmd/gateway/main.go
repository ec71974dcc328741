package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/ethdenver2026/consensus-gateway/internal/billing"
	"github.com/ethdenver2026/consensus-gateway/internal/config"
	"github.com/ethdenver2026/consensus-gateway/internal/dedupproxy"
	"github.com/ethdenver2026/consensus-gateway/internal/dnsprovider"
	"github.com/ethdenver2026/consensus-gateway/internal/nodestore"
	"github.com/ethdenver2026/consensus-gateway/internal/orchestrator"
	"github.com/ethdenver2026/consensus-gateway/internal/payment"
	"github.com/ethdenver2026/consensus-gateway/internal/router"
	"github.com/ethdenver2026/consensus-gateway/internal/server"
	"github.com/ethdenver2026/consensus-gateway/internal/session"
	"github.com/ethdenver2026/consensus-gateway/internal/telemetry"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	store, err := nodestore.Open(cfg.NodeStoreDSN)
	if err != nil {
		slog.Error("failed to open node store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	resolver := &dnscache.Resolver{}
	proxy, err := dedupproxy.New(resolver)
	if err != nil {
		slog.Error("failed to create dedup proxy", "err", err)
		os.Exit(1)
	}
	defer proxy.Close()

	var dnsProvider dnsprovider.Provider
	if cfg.DNSProviderURL != "" {
		dnsProvider = dnsprovider.NewHTTPProvider(cfg.DNSProviderURL)
	}

	benchmarker := orchestrator.NewBenchmarker(cfg.Overlay.Benchmark.FetchTargets)
	orc := orchestrator.New(orchestrator.Config{
		DNSZone:              cfg.DNSZone,
		LocalMode:            cfg.LocalMode,
		AdmissionBase:        cfg.Overlay.Pricing.AdmissionBase,
		AdmissionIncrement:   cfg.Overlay.Pricing.AdmissionIncrement,
		AdmissionMax:         cfg.Overlay.Pricing.AdmissionMax,
		ManifestPublicKeyHex: cfg.ManifestPublicKeyHex,
	}, store, dnsProvider, benchmarker)
	defer orc.Close()

	rt := router.New(server.NewNodeSource(store))
	sessions := session.NewManager(cfg.JWTSecret, rt, server.NewNodeLookup(store))
	defer sessions.Close()

	facilitator, err := buildFacilitator(cfg)
	if err != nil {
		slog.Error("payment facilitator init failed", "err", err)
		os.Exit(1)
	}
	gate := payment.NewGate(payment.GateConfig{
		GatewayURL: cfg.GatewayURL,
		Networks: payment.NetworkConfig{
			EVMNetwork:    cfg.Network,
			PayToEVM:      cfg.PayToEVM,
			USDCAddress:   cfg.USDCAddress,
			USDCDomain:    cfg.USDCDomainName,
			USDCVersion:   cfg.USDCDomainVersion,
			SolanaNetwork: cfg.SolanaCluster,
			PayToSolana:   cfg.PayToSolana,
		},
		PayTimeoutSeconds: 60,
	}, facilitator)
	defer gate.Close()
	if gate.Enabled() {
		slog.Info("payment gating enabled")
	} else {
		slog.Info("payment gating disabled (dev/local mode)")
	}

	billingSink, closeBilling := buildBillingSink(cfg)
	if closeBilling != nil {
		defer closeBilling()
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(context.Background(), cfg.OTLPEndpoint, cfg.TraceSampleRate)
		if err != nil {
			slog.Error("tracing setup failed", "err", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	handler := server.New(server.Deps{
		GatewayURL:     cfg.GatewayURL,
		AdminKey:       cfg.AdminKey,
		LocalMode:      cfg.LocalMode,
		ProxyCallPrice: cfg.Overlay.Pricing.ProxyCallPrice,

		Proxy:        proxy,
		PaymentGate:  gate,
		Router:       rt,
		Sessions:     sessions,
		Orchestrator: orc,
		Store:        store,
		Billing:      billingSink,

		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Tracer:         telemetry.Tracer("consensus-gateway"),
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting",
		"addr", addr,
		"local_mode", cfg.LocalMode,
		"dns_zone", cfg.DNSZone,
	)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "err", err)
	}
}

// buildFacilitator selects the payment settlement path, mirroring the
// precedence the teacher gateway used for its single-price RPC proxy:
// remote facilitator first, self-hosted local settlement second, disabled
// if neither is configured.
func buildFacilitator(cfg *config.Config) (payment.FacilitatorClient, error) {
	switch {
	case cfg.FacilitatorURL != "":
		slog.Info("payment mode: remote facilitator", "url", cfg.FacilitatorURL)
		return payment.NewRemoteFacilitator(cfg.FacilitatorURL), nil

	case cfg.GatewayPrivateKey != "":
		chainIDStr := strings.TrimPrefix(cfg.Network, "eip155:")
		chainID := new(big.Int)
		if _, ok := chainID.SetString(chainIDStr, 10); !ok {
			return nil, fmt.Errorf("invalid NETWORK for local facilitator: %q", cfg.Network)
		}
		lf, err := payment.NewLocalFacilitator(cfg.SettlementRPCURL, cfg.GatewayPrivateKey, chainID)
		if err != nil {
			return nil, fmt.Errorf("local facilitator init failed: %w", err)
		}
		slog.Info("payment mode: local facilitator",
			"settlement_rpc", cfg.SettlementRPCURL,
			"relayer", lf.Address().Hex(),
		)
		return lf, nil

	default:
		slog.Info("payment mode: disabled (set FACILITATOR_URL or GATEWAY_PRIVATE_KEY to enable)")
		return nil, nil
	}
}

func buildBillingSink(cfg *config.Config) (billing.Sink, func()) {
	if cfg.ClickHouseDSN == "" {
		return billing.NopSink{}, nil
	}
	sink, err := billing.NewClickHouseSink(billing.ClickHouseConfig{Addr: cfg.ClickHouseDSN, Table: "billing_events"})
	if err != nil {
		slog.Error("clickhouse billing sink init failed, falling back to no-op", "err", err)
		return billing.NopSink{}, nil
	}
	return sink, func() { sink.Close() }
}

