package server

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/orchestrator"
	"github.com/ethdenver2026/consensus-gateway/internal/payment"
)

const nodeJoinResource = "/node/join"

type nodeJoinRequest struct {
	PubKeyPEM     string `json:"pubkey_pem"`
	Alg           string `json:"alg"`
	Region        string `json:"region,omitempty"`
	IPv6          string `json:"ipv6"`
	IPv4          string `json:"ipv4,omitempty"`
	Port          int    `json:"port"`
	TestEndpoint  string `json:"test_endpoint"`
	Contact       string `json:"contact"`
	EVMAddress    string `json:"evm_address"`
	SolanaAddress string `json:"solana_address"`
	TLSMode       string `json:"tls_mode,omitempty"`

	// TwoStep requests the challenge/response variant: the response is a
	// JoinChallenge instead of an admitted node, and the candidate must
	// complete admission via POST /node/verify/:join_id.
	TwoStep bool `json:"two_step,omitempty"`
}

func (req nodeJoinRequest) toAdmitRequest() orchestrator.AdmitRequest {
	return orchestrator.AdmitRequest{
		PubKeyPEM: req.PubKeyPEM, Alg: domain.SigAlg(req.Alg), Region: req.Region,
		IPv6: req.IPv6, IPv4: req.IPv4, Port: req.Port, TestEndpoint: req.TestEndpoint,
		Contact: req.Contact, EVMAddress: req.EVMAddress, SolanaAddress: req.SolanaAddress,
		TLSMode: req.TLSMode,
	}
}

// handleNodeJoin implements the admission entry point: the single-shot
// flow by default, or the two-step challenge flow when the body requests
// it. x402 payment gates the call unless the gateway runs in local mode.
func (s *server) handleNodeJoin(w http.ResponseWriter, r *http.Request) {
	var req nodeJoinRequest
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, "invalid request body: "+err.Error()))
		return
	}

	if !s.deps.LocalMode && s.deps.PaymentGate.Enabled() {
		price, err := s.deps.Orchestrator.AdmissionPrice(r.Context())
		if err != nil {
			apierror.Write(w, apierror.New(apierror.Internal, "failed to compute admission price"))
			return
		}
		charge := payment.Charge{
			Resource: nodeJoinResource, Amount: price,
			Description: "node admission", MimeType: "application/json",
		}
		sig := r.Header.Get(payment.PaymentSignatureHeader)
		if sig == "" {
			recordChallenge(s.deps.Metrics, charge.Resource)
			s.deps.PaymentGate.Send402(w, charge, "payment required to join the fleet")
			return
		}
		if _, err := s.deps.PaymentGate.VerifyAndSettle(r.Context(), sig, charge); err != nil {
			recordVerifyFailure(s.deps.Metrics, "")
			apierror.Write(w, apierror.New(apierror.PaymentVerifyFailed, err.Error()))
			return
		}
	}

	if req.TwoStep {
		challenge, err := s.deps.Orchestrator.BeginJoin(r.Context(), req.toAdmitRequest())
		if err != nil {
			recordAdmission(s.deps.Metrics, "rejected")
			apierror.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, challenge)
		return
	}

	node, err := s.deps.Orchestrator.Admit(r.Context(), req.toAdmitRequest())
	if err != nil {
		recordAdmission(s.deps.Metrics, "rejected")
		apierror.Write(w, err)
		return
	}
	recordAdmission(s.deps.Metrics, "admitted")
	writeJSON(w, http.StatusCreated, node)
}

type nodeVerifyRequest struct {
	SignatureB64 string `json:"signature"`
}

// handleNodeVerify completes the two-step admission flow: it consumes the
// join_id, verifies the candidate's signature over the issued nonce, then
// runs the same admission pipeline the single-shot route runs directly.
func (s *server) handleNodeVerify(w http.ResponseWriter, r *http.Request) {
	joinID := chi.URLParam(r, "join_id")
	var req nodeVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, "invalid request body: "+err.Error()))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.SignatureB64)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, "invalid signature encoding"))
		return
	}

	node, err := s.deps.Orchestrator.CompleteJoin(r.Context(), joinID, sig)
	if err != nil {
		recordAdmission(s.deps.Metrics, "rejected")
		apierror.Write(w, err)
		return
	}
	recordAdmission(s.deps.Metrics, "admitted")
	writeJSON(w, http.StatusCreated, node)
}

type heartbeatRequest struct {
	RPS     float64 `json:"rps"`
	P95ms   float64 `json:"p95_ms"`
	Version string  `json:"version"`
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, "invalid request body: "+err.Error()))
		return
	}
	resp, err := s.deps.Orchestrator.Heartbeat(r.Context(), nodeID, orchestrator.HeartbeatRequest{
		RPS: req.RPS, P95ms: req.P95ms, Version: req.Version,
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type verifyIntegrityRequest struct {
	Version      string `json:"version"`
	Platform     string `json:"platform"`
	SHA256       string `json:"sha256"`
	TimestampMs  int64  `json:"timestamp_ms"`
	SignatureB64 string `json:"signature"`
}

func (s *server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	var req verifyIntegrityRequest
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, "invalid request body: "+err.Error()))
		return
	}
	err := s.deps.Orchestrator.VerifyIntegrity(r.Context(), nodeID, orchestrator.AttestationRequest{
		Version: req.Version, Platform: req.Platform, SHA256: req.SHA256,
		TimestampMs: req.TimestampMs, SignatureB64: req.SignatureB64,
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	node, err := s.deps.Store.GetNode(r.Context(), nodeID)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.NotFound, "node not found"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Store.ListNodes(r.Context())
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to list nodes"))
		return
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit >= 0 && limit < len(nodes) {
			nodes = nodes[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}
