package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/dnsprovider"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/signing"
)

func randomNonce() ([32]byte, error) {
	var nonce [32]byte
	_, err := rand.Read(nonce[:])
	return nonce, err
}

// AdmitRequest is the candidate's declared identity and capability, the
// body shape the core single-shot /node/join route accepts directly.
type AdmitRequest struct {
	PubKeyPEM     string
	Alg           domain.SigAlg
	Region        string
	IPv6          string
	IPv4          string
	Port          int
	TestEndpoint  string
	Contact       string
	EVMAddress    string
	SolanaAddress string
	TLSMode       string
}

// Admit runs the core, single-shot /node/join flow: total fail-fast field
// validation, then steps 2-5 of the admission state machine (benchmark,
// node_id/domain assignment, DNS provisioning, store commit). This is the
// default path exercised when a /node/join body carries no join_id —
// payment is assumed already cleared by the caller's payment gate.
func (o *Orchestrator) Admit(ctx context.Context, req AdmitRequest) (*domain.Node, error) {
	if err := validateAdmissionFields(req); err != nil {
		return nil, err
	}
	der, err := signing.ParsePublicKeyPEM(req.PubKeyPEM, req.Alg)
	if err != nil {
		return nil, apierror.New(apierror.BadRequest, "invalid public key: "+err.Error())
	}
	return o.runAdmission(ctx, req, der, req.Alg)
}

// JoinChallenge is the optional two-step flow's Phase 1 response: a nonce
// the candidate must sign to prove control of PubKeyPEM before the rest of
// the admission pipeline (steps 2-5) runs.
type JoinChallenge struct {
	JoinID    string `json:"join_id"`
	Nonce     string `json:"nonce"`
	ExpiresIn int64  `json:"expires_in"`
}

// BeginJoin implements the optional two-step flow's Phase 1: validate the
// declared fields, mint a nonce, and persist a short-lived JoinRequest.
// CompleteJoin (Phase 2, /node/verify/:join_id) proves possession of the
// private key and then runs the same admission steps Admit runs directly.
func (o *Orchestrator) BeginJoin(ctx context.Context, req AdmitRequest) (*JoinChallenge, error) {
	if err := validateAdmissionFields(req); err != nil {
		return nil, err
	}
	if _, err := signing.ParsePublicKeyPEM(req.PubKeyPEM, req.Alg); err != nil {
		return nil, apierror.New(apierror.BadRequest, "invalid public key: "+err.Error())
	}

	joinID, err := randomHex(16)
	if err != nil {
		return nil, apierror.New(apierror.Internal, "failed to generate join id")
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, apierror.New(apierror.Internal, "failed to generate nonce")
	}
	nonceHex := hex.EncodeToString(nonce[:])

	jr := &domain.JoinRequest{
		JoinID:    joinID,
		PubKeyPEM: req.PubKeyPEM,
		Alg:       req.Alg,
		Nonce:     nonce,
		ExpiresAt: time.Now().Add(joinRequestTTL),
		CreatedAt: time.Now(),
	}
	if err := o.store.CreateJoinRequest(ctx, jr); err != nil {
		return nil, apierror.New(apierror.Internal, "failed to persist join request")
	}

	o.pending.store(joinID, req)

	return &JoinChallenge{JoinID: joinID, Nonce: nonceHex, ExpiresIn: int64(joinRequestTTL.Seconds())}, nil
}

// CompleteJoin implements the optional two-step flow's Phase 2: consume the
// JoinRequest, verify the candidate signed its nonce with the declared key,
// then run the same admission steps 2-5 Admit runs for the single-shot path.
func (o *Orchestrator) CompleteJoin(ctx context.Context, joinID string, signature []byte) (*domain.Node, error) {
	jr, err := o.store.ConsumeJoin(ctx, joinID, time.Now())
	if err != nil {
		return nil, apierror.New(apierror.Gone, "join request not found or already used: "+err.Error())
	}

	req, ok := o.pending.load(joinID)
	if !ok {
		return nil, apierror.New(apierror.Gone, "join request capability data expired")
	}
	defer o.pending.delete(joinID)

	der, err := signing.ParsePublicKeyPEM(jr.PubKeyPEM, jr.Alg)
	if err != nil {
		return nil, apierror.New(apierror.Internal, "stored public key no longer parses")
	}
	ok, err = signing.Verify(der, jr.Alg, jr.Nonce[:], signature)
	if err != nil || !ok {
		return nil, apierror.New(apierror.Unauthorized, "nonce signature verification failed")
	}

	return o.runAdmission(ctx, req, der, jr.Alg)
}

// runAdmission executes the admission state machine's steps 2-5: reject a
// duplicate ipv6 (409), benchmark (score < 60 -> reject), assign
// node_id/domain, provision DNS, and commit the node as active. No step
// after a failure runs, and nothing is persisted unless every step passes.
func (o *Orchestrator) runAdmission(ctx context.Context, req AdmitRequest, der []byte, alg domain.SigAlg) (*domain.Node, error) {
	if existing, err := o.store.GetNodeByIPv6(ctx, req.IPv6); err == nil && existing != nil {
		return nil, apierror.New(apierror.Conflict, "a node is already registered for this ipv6 address")
	}

	result, err := o.benchmarker.Run(ctx, req.TestEndpoint)
	if err != nil {
		return nil, apierror.New(apierror.UpstreamUnreachable, "benchmark run failed: "+err.Error())
	}
	if result.CompositeScore < admissionThreshold {
		return nil, apierror.Newf(apierror.PerformanceRejected, "benchmark score below admission threshold",
			map[string]any{"composite_score": result.CompositeScore, "threshold": admissionThreshold})
	}

	nodeID, err := randomHex(6)
	if err != nil {
		return nil, apierror.New(apierror.Internal, "failed to generate node id")
	}
	domainName := o.domainFor(nodeID)

	if !o.cfg.LocalMode {
		if err := dnsprovider.UpsertHost(ctx, o.dns, o.cfg.DNSZone, nodeID, req.IPv6, req.IPv4, 300); err != nil {
			slog.Error("dns provisioning failed, admission aborted", "node_id", nodeID, "err", err)
			return nil, apierror.New(apierror.Internal, "dns provisioning failed")
		}
	}

	now := time.Now()
	node := &domain.Node{
		ID:           nodeID,
		PublicKeyDER: der,
		Alg:          alg,
		Region:       req.Region,
		Capabilities: domain.Capabilities{
			IPv6:           req.IPv6,
			IPv4:           req.IPv4,
			Port:           req.Port,
			BenchmarkScore: result.CompositeScore,
			FetchScore:     result.FetchScore,
			CPUScore:       result.CPUScore,
			MemoryScore:    result.MemoryScore,
		},
		EVMAddress:     req.EVMAddress,
		SolanaAddress:  req.SolanaAddress,
		Domain:         domainName,
		TLSMode:        req.TLSMode,
		Status:         domain.NodeActive,
		Verified:       true,
		CreatedAt:      now,
		LastVerifiedAt: &now,
	}

	if err := o.store.UpsertNode(ctx, node); err != nil {
		return nil, apierror.New(apierror.Internal, fmt.Sprintf("failed to persist node: %v", err))
	}
	return node, nil
}
