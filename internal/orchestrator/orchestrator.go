package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/dnsprovider"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/walletaddr"
)

// NodeStore is the subset of nodestore.Store the orchestrator depends on.
type NodeStore interface {
	UpsertNode(ctx context.Context, n *domain.Node) error
	GetNode(ctx context.Context, nodeID string) (*domain.Node, error)
	GetNodeByIPv6(ctx context.Context, ipv6 string) (*domain.Node, error)
	ListNodes(ctx context.Context) ([]*domain.Node, error)
	ListActiveNodes(ctx context.Context) ([]*domain.Node, error)
	CountActive(ctx context.Context) (int, error)
	SetDomain(ctx context.Context, nodeID, domainName string) error
	SetStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error
	UpdateNodeVerification(ctx context.Context, nodeID string, verified bool, at time.Time) error
	ClearNodeVerification(ctx context.Context, nodeID string) error
	InsertHeartbeat(ctx context.Context, nodeID string, hb domain.Heartbeat) error
	CreateJoinRequest(ctx context.Context, jr *domain.JoinRequest) error
	GetJoin(ctx context.Context, joinID string) (*domain.JoinRequest, error)
	ConsumeJoin(ctx context.Context, joinID string, now time.Time) (*domain.JoinRequest, error)
	UpsertManifest(ctx context.Context, m *domain.VersionManifest) error
	GetRequiredManifest(ctx context.Context) (*domain.VersionManifest, error)
	GetManifestByVersion(ctx context.Context, version string) (*domain.VersionManifest, error)
}

const joinRequestTTL = 300 * time.Second

// admissionThreshold is the composite benchmark score required to admit a
// node via /node/join. The higher 80 threshold is reserved for standalone
// benchmarking reports, not admission.
const admissionThreshold = 60.0

// Config carries the orchestrator's static settings.
type Config struct {
	DNSZone            string
	LocalMode          bool
	AdmissionBase      int64
	AdmissionIncrement int64
	AdmissionMax       int64

	// ManifestPublicKeyHex is the pinned Ed25519 public key (hex) that
	// admin-submitted manifests must be signed against. Empty disables
	// manifest publishing entirely.
	ManifestPublicKeyHex string
}

// Orchestrator drives node admission, benchmarking, heartbeat, attestation,
// and manifest distribution.
type Orchestrator struct {
	cfg            Config
	store          NodeStore
	dns            dnsprovider.Provider
	benchmarker    *Benchmarker
	pending        *pendingCapabilities
	manifestPubKey ed25519.PublicKey

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds an Orchestrator and starts its background pending-join sweeper.
// An invalid ManifestPublicKeyHex disables manifest publishing rather than
// failing startup, matching how the rest of the gateway degrades missing
// optional configuration.
func New(cfg Config, store NodeStore, dns dnsprovider.Provider, benchmarker *Benchmarker) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		store:       store,
		dns:         dns,
		benchmarker: benchmarker,
		pending:     newPendingCapabilities(),
		stop:        make(chan struct{}),
	}
	if cfg.ManifestPublicKeyHex != "" {
		if raw, err := hex.DecodeString(cfg.ManifestPublicKeyHex); err == nil && len(raw) == ed25519.PublicKeySize {
			o.manifestPubKey = ed25519.PublicKey(raw)
		}
	}
	go o.sweepLoop()
	return o
}

// Close stops the background sweeper.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *Orchestrator) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.pending.sweep()
		case <-o.stop:
			return
		}
	}
}

// AdmissionPrice implements `min(MAX, BASE + active_nodes*INCREMENT)`.
func (o *Orchestrator) AdmissionPrice(ctx context.Context) (int64, error) {
	active, err := o.store.CountActive(ctx)
	if err != nil {
		return 0, err
	}
	price := o.cfg.AdmissionBase + int64(active)*o.cfg.AdmissionIncrement
	if price > o.cfg.AdmissionMax {
		price = o.cfg.AdmissionMax
	}
	return price, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validateAdmissionFields runs every admission field check up front so a
// bad request fails before any side effect happens.
func validateAdmissionFields(req AdmitRequest) error {
	if req.PubKeyPEM == "" {
		return apierror.New(apierror.BadRequest, "pubkey_pem is required")
	}
	switch req.Alg {
	case domain.AlgSecp256k1, domain.AlgEd25519:
	default:
		return apierror.New(apierror.BadRequest, "alg must be secp256k1 or ed25519")
	}
	if req.IPv6 == "" || req.Port == 0 || req.TestEndpoint == "" || req.Contact == "" {
		return apierror.New(apierror.BadRequest, "ipv6, port, test_endpoint, and contact are required")
	}
	if err := walletaddr.ValidateEVM(req.EVMAddress); err != nil {
		return apierror.New(apierror.BadRequest, err.Error())
	}
	if err := walletaddr.ValidateSolana(req.SolanaAddress); err != nil {
		return apierror.New(apierror.BadRequest, err.Error())
	}
	return nil
}

func (o *Orchestrator) domainFor(nodeID string) string {
	if o.cfg.LocalMode {
		return "localhost"
	}
	return fmt.Sprintf("%s.consensus.%s", nodeID, o.cfg.DNSZone)
}
