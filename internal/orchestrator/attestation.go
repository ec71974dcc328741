package orchestrator

import (
	"context"
	"encoding/base64"
	"math"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/signing"
)

const attestationSkew = 300 * time.Second

// AttestationRequest is a node's signed claim that its running binary
// matches a specific manifest asset.
type AttestationRequest struct {
	Version     string
	Platform    string
	SHA256      string
	TimestampMs int64
	SignatureB64 string
}

// VerifyIntegrity checks a node's self-reported build against the manifest
// it claims to run (spec §4.4): the signature covers the request's first
// five fields as canonical JSON, the timestamp must fall within
// attestationSkew of now, and the (platform, sha256) pair must match an
// asset of the claimed manifest version. Any failure clears verified;
// success sets it.
func (o *Orchestrator) VerifyIntegrity(ctx context.Context, nodeID string, req AttestationRequest) error {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return apierror.New(apierror.NotFound, "node not found")
	}

	now := time.Now()
	reportedAt := time.UnixMilli(req.TimestampMs)
	if math.Abs(now.Sub(reportedAt).Seconds()) > attestationSkew.Seconds() {
		_ = o.store.ClearNodeVerification(ctx, nodeID)
		return apierror.New(apierror.Unauthorized, "attestation timestamp outside allowed clock skew")
	}

	manifest, err := o.store.GetManifestByVersion(ctx, req.Version)
	if err != nil {
		_ = o.store.ClearNodeVerification(ctx, nodeID)
		return apierror.New(apierror.NotFound, "unknown manifest version")
	}
	if err := hydrateAssets(manifest); err != nil {
		return apierror.New(apierror.Internal, "failed to decode manifest body")
	}

	matched := false
	for _, asset := range manifest.Assets {
		if asset.Platform == req.Platform && asset.SHA256 == req.SHA256 {
			matched = true
			break
		}
	}
	if !matched {
		_ = o.store.ClearNodeVerification(ctx, nodeID)
		return apierror.New(apierror.Unauthorized, "reported build does not match any manifest asset")
	}

	payload, err := signing.CanonicalFields(map[string]any{
		"node_id":      nodeID,
		"version":      req.Version,
		"platform":     req.Platform,
		"sha256":       req.SHA256,
		"timestamp_ms": req.TimestampMs,
	})
	if err != nil {
		return apierror.New(apierror.Internal, "failed to build canonical attestation payload")
	}
	sig, err := base64.StdEncoding.DecodeString(req.SignatureB64)
	if err != nil {
		return apierror.New(apierror.BadRequest, "invalid signature encoding")
	}

	ok, err := signing.Verify(node.PublicKeyDER, node.Alg, payload, sig)
	if err != nil || !ok {
		_ = o.store.ClearNodeVerification(ctx, nodeID)
		return apierror.New(apierror.Unauthorized, "attestation signature verification failed")
	}

	if err := o.store.UpdateNodeVerification(ctx, nodeID, true, now); err != nil {
		return apierror.New(apierror.Internal, "failed to update node verification")
	}
	return nil
}
