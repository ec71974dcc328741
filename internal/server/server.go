// Package server implements the gateway's HTTP and WebSocket transport
// layer: request routing, payment gating, and translation between wire
// JSON and the DedupProxy/Router/SessionManager/Orchestrator engines.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethdenver2026/consensus-gateway/internal/billing"
	"github.com/ethdenver2026/consensus-gateway/internal/dedupproxy"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/orchestrator"
	"github.com/ethdenver2026/consensus-gateway/internal/payment"
	"github.com/ethdenver2026/consensus-gateway/internal/router"
	"github.com/ethdenver2026/consensus-gateway/internal/session"
	"github.com/ethdenver2026/consensus-gateway/internal/telemetry"
)

const serverVersion = "1.0.0"

// NodeStore is the subset of nodestore.Store the HTTP layer reads directly
// (beyond what Orchestrator/Router/SessionManager already wrap).
type NodeStore interface {
	NodeDirectory
	GetNode(ctx context.Context, nodeID string) (*domain.Node, error)
	ListNodes(ctx context.Context) ([]*domain.Node, error)
}

// Deps holds every dependency the HTTP server wires into routes.
type Deps struct {
	GatewayURL     string
	AdminKey       string
	LocalMode      bool
	ProxyCallPrice int64

	Proxy        *dedupproxy.Proxy
	PaymentGate  *payment.Gate
	Router       *router.Router
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Store        NodeStore
	Billing      billing.Sink

	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	Tracer         trace.Tracer
}

type server struct {
	deps Deps
}

// New builds the gateway's http.Handler with every route and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Billing == nil {
		deps.Billing = billing.NopSink{}
	}
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/", s.handleDescriptor)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Post("/proxy", s.handleProxy)

	r.Get("/ws", s.handleWSIssue)
	r.Get("/ws-connect", s.deps.Sessions.HandleUpgrade)

	r.Post("/node/join", s.handleNodeJoin)
	r.Post("/node/verify/{join_id}", s.handleNodeVerify)
	r.Post("/node/heartbeat/{node_id}", s.handleHeartbeat)
	r.Post("/node/verify-integrity/{node_id}", s.handleVerifyIntegrity)
	r.Get("/node/status/{node_id}", s.handleNodeStatus)
	r.Get("/nodes", s.handleListNodes)

	r.Get("/update/latest", s.handleLatestManifest)

	r.Group(func(r chi.Router) {
		r.Use(adminAuth(deps.AdminKey))
		r.Post("/admin/manifest", s.handlePublishManifest)
	})

	return r
}
