package server

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/orchestrator"
)

func (s *server) handleLatestManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Orchestrator.LatestManifest(r.Context())
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// publishManifestRequest is the admin submission shape: the release
// description plus a base64 Ed25519 signature over its canonical JSON,
// produced outside the gateway process by whoever holds the manifest
// signing key.
type publishManifestRequest struct {
	Version    string                 `json:"version"`
	Assets     []domain.ManifestAsset `json:"assets"`
	ReleasedAt time.Time              `json:"released_at"`
	ReleaseURL string                 `json:"release_url"`
	Required   bool                   `json:"required"`
	Signature  string                 `json:"signature"`
}

// handlePublishManifest is gated by adminAuth at the route level. It only
// stores the submission after PublishManifest verifies Signature against
// the pinned manifest public key; an unsigned or wrongly-signed body is
// refused before it ever reaches the store.
func (s *server) handlePublishManifest(w http.ResponseWriter, r *http.Request) {
	var req publishManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, "invalid request body: "+err.Error()))
		return
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, "signature must be base64-encoded: "+err.Error()))
		return
	}

	m, err := s.deps.Orchestrator.PublishManifest(r.Context(), orchestrator.PublishManifestRequest{
		Version: req.Version, Assets: req.Assets, ReleasedAt: req.ReleasedAt,
		ReleaseURL: req.ReleaseURL, Required: req.Required, Signature: sig,
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
