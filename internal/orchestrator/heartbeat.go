package orchestrator

import (
	"context"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

// HeartbeatRequest is a node's liveness report.
type HeartbeatRequest struct {
	RPS     float64
	P95ms   float64
	Version string
}

// UpdateAvailable describes the release a node should upgrade to.
type UpdateAvailable struct {
	Version        string `json:"version"`
	GitHubReleaseURL string `json:"github_release_url"`
}

// HeartbeatResponse is returned from /node/heartbeat/:node_id.
type HeartbeatResponse struct {
	Accepted        bool             `json:"accepted"`
	UpdateAvailable *UpdateAvailable `json:"update_available,omitempty"`
}

// Heartbeat appends a liveness report and checks the reported version
// against the required manifest (spec §4.4: a version-drifted node is
// marked unverified and told where to fetch the update).
func (o *Orchestrator) Heartbeat(ctx context.Context, nodeID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, apierror.New(apierror.NotFound, "node not found")
	}

	if err := o.store.InsertHeartbeat(ctx, nodeID, domain.Heartbeat{
		RPS: req.RPS, P95ms: req.P95ms, Version: req.Version, At: time.Now().UTC(),
	}); err != nil {
		return nil, apierror.New(apierror.Internal, "failed to record heartbeat")
	}

	required, err := o.store.GetRequiredManifest(ctx)
	if err != nil || required == nil {
		return &HeartbeatResponse{Accepted: true}, nil
	}

	if req.Version == required.Version {
		return &HeartbeatResponse{Accepted: true}, nil
	}

	if node.Verified {
		if err := o.store.ClearNodeVerification(ctx, nodeID); err != nil {
			return nil, apierror.New(apierror.Internal, "failed to clear node verification")
		}
	}
	return &HeartbeatResponse{
		Accepted: true,
		UpdateAvailable: &UpdateAvailable{
			Version:          required.Version,
			GitHubReleaseURL: required.ReleaseURL,
		},
	}, nil
}
