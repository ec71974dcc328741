package orchestrator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/signing"
)

// PublishManifestRequest is the admin-submitted release description. The
// caller signs {version, assets, released_at, release_url} as canonical
// JSON externally and submits the signature alongside it; the gateway never
// holds a manifest-signing private key.
type PublishManifestRequest struct {
	Version    string
	Assets     []domain.ManifestAsset
	ReleasedAt time.Time
	ReleaseURL string
	Required   bool
	Signature  []byte
}

// PublishManifest verifies req.Signature against the pinned manifest public
// key before storing anything. An unsigned or wrongly-signed submission is
// refused outright. When required=true, UpsertManifest atomically clears
// every other manifest's required flag.
func (o *Orchestrator) PublishManifest(ctx context.Context, req PublishManifestRequest) (*domain.VersionManifest, error) {
	if o.manifestPubKey == nil {
		return nil, apierror.New(apierror.Internal, "manifest verification key not configured")
	}
	if len(req.Signature) == 0 {
		return nil, apierror.New(apierror.Unauthorized, "manifest submission is missing a signature")
	}

	body, err := signing.CanonicalFields(map[string]any{
		"version":     req.Version,
		"assets":      req.Assets,
		"released_at": req.ReleasedAt.UTC().Format(time.RFC3339),
		"release_url": req.ReleaseURL,
	})
	if err != nil {
		return nil, apierror.New(apierror.Internal, "failed to build canonical manifest body")
	}

	if !ed25519.Verify(o.manifestPubKey, body, req.Signature) {
		return nil, apierror.New(apierror.Unauthorized, "manifest signature does not verify against the pinned key")
	}

	m := &domain.VersionManifest{
		Version:    req.Version,
		Body:       body,
		Assets:     req.Assets,
		ReleasedAt: req.ReleasedAt,
		ReleaseURL: req.ReleaseURL,
		Required:   req.Required,
		Signature:  base64.StdEncoding.EncodeToString(req.Signature),
	}
	if err := o.store.UpsertManifest(ctx, m); err != nil {
		return nil, apierror.New(apierror.Internal, "failed to store manifest")
	}
	return m, nil
}

// LatestManifest returns the manifest currently flagged required, populating
// its Assets from the stored canonical body (UpsertManifest only persists
// the raw body; Assets is reconstructed on read for API responses).
func (o *Orchestrator) LatestManifest(ctx context.Context) (*domain.VersionManifest, error) {
	m, err := o.store.GetRequiredManifest(ctx)
	if err != nil {
		return nil, apierror.New(apierror.NotFound, "no required manifest published")
	}
	if err := hydrateAssets(m); err != nil {
		return nil, apierror.New(apierror.Internal, "failed to decode manifest body")
	}
	return m, nil
}

func hydrateAssets(m *domain.VersionManifest) error {
	var body struct {
		Assets []domain.ManifestAsset `json:"assets"`
	}
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return err
	}
	m.Assets = body.Assets
	return nil
}
