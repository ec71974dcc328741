package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/nodestore"
	"github.com/ethdenver2026/consensus-gateway/internal/signing"
)

type spki struct {
	Algorithm        asn1.RawValue
	SubjectPublicKey asn1.BitString
}

func ed25519PEM(t *testing.T, pub ed25519.PublicKey) string {
	t.Helper()
	der, err := asn1.Marshal(spki{
		Algorithm:        asn1.RawValue{FullBytes: []byte{0x30, 0x00}},
		SubjectPublicKey: asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	if err != nil {
		t.Fatalf("marshal SPKI: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func newValidAdmitRequest(t *testing.T, ipv6 string) (AdmitRequest, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return AdmitRequest{
		PubKeyPEM:     ed25519PEM(t, pub),
		Alg:           domain.AlgEd25519,
		Region:        "us-east-1",
		IPv6:          ipv6,
		Port:          8080,
		TestEndpoint:  "", // filled by caller once the benchmark server is up
		Contact:       "ops@example.com",
		EVMAddress:    "0x0000000000000000000000000000000000dEaD",
		SolanaAddress: "11111111111111111111111111111111",
		TLSMode:       "auto",
	}, priv
}

func TestValidateAdmissionFields(t *testing.T) {
	t.Parallel()
	base, _ := newValidAdmitRequest(t, "2001:db8::1")
	base.TestEndpoint = "http://127.0.0.1:9"

	cases := []struct {
		name   string
		mutate func(*AdmitRequest)
	}{
		{"missing pubkey", func(r *AdmitRequest) { r.PubKeyPEM = "" }},
		{"bad alg", func(r *AdmitRequest) { r.Alg = domain.SigAlg("rsa") }},
		{"missing ipv6", func(r *AdmitRequest) { r.IPv6 = "" }},
		{"missing port", func(r *AdmitRequest) { r.Port = 0 }},
		{"missing test endpoint", func(r *AdmitRequest) { r.TestEndpoint = "" }},
		{"missing contact", func(r *AdmitRequest) { r.Contact = "" }},
		{"bad evm address", func(r *AdmitRequest) { r.EVMAddress = "not-an-address" }},
		{"bad solana address", func(r *AdmitRequest) { r.SolanaAddress = "short" }},
	}
	for _, c := range cases {
		req := base
		c.mutate(&req)
		if err := validateAdmissionFields(req); err == nil {
			t.Errorf("%s: expected a validation error", c.name)
		}
	}

	if err := validateAdmissionFields(base); err != nil {
		t.Errorf("valid request should pass validation: %v", err)
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *nodestore.Store) {
	t.Helper()
	store, err := nodestore.Open(":memory:")
	if err != nil {
		t.Fatalf("nodestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{LocalMode: true, AdmissionBase: 1000, AdmissionIncrement: 10, AdmissionMax: 5000}
	bm := NewBenchmarker([]string{"http://well-known.example/probe"})
	o := New(cfg, store, nil, bm)
	t.Cleanup(o.Close)
	return o, store
}

// newTestOrchestratorWithManifestKey is newTestOrchestrator plus a pinned
// manifest verification key, returning the matching private key so tests
// can sign PublishManifest submissions.
func newTestOrchestratorWithManifestKey(t *testing.T) (*Orchestrator, *nodestore.Store, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store, err := nodestore.Open(":memory:")
	if err != nil {
		t.Fatalf("nodestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		LocalMode: true, AdmissionBase: 1000, AdmissionIncrement: 10, AdmissionMax: 5000,
		ManifestPublicKeyHex: hex.EncodeToString(pub),
	}
	bm := NewBenchmarker([]string{"http://well-known.example/probe"})
	o := New(cfg, store, nil, bm)
	t.Cleanup(o.Close)
	return o, store, priv
}

// signManifestRequest computes the canonical body PublishManifest verifies
// against and signs it with priv, mirroring what admin tooling does outside
// the gateway process.
func signManifestRequest(t *testing.T, priv ed25519.PrivateKey, req PublishManifestRequest) []byte {
	t.Helper()
	body, err := signing.CanonicalFields(map[string]any{
		"version":     req.Version,
		"assets":      req.Assets,
		"released_at": req.ReleasedAt.UTC().Format(time.RFC3339),
		"release_url": req.ReleaseURL,
	})
	if err != nil {
		t.Fatalf("CanonicalFields: %v", err)
	}
	return ed25519.Sign(priv, body)
}

// passingBenchmarkServer reports strong scores across all three legs so the
// composite clears admissionThreshold.
func passingBenchmarkServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/benchmark/fetch":
			json.NewEncoder(w).Encode(map[string]any{"latency_ms": 10.0, "ok": true})
		case "/benchmark/cpu":
			json.NewEncoder(w).Encode(map[string]any{"hashes_per_second": 500000.0})
		case "/benchmark/memory-test":
			json.NewEncoder(w).Encode(map[string]any{"success": true, "duration_ms": 100.0})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// failingBenchmarkServer reports scores weak enough across all three legs
// that the composite falls below admissionThreshold.
func failingBenchmarkServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/benchmark/fetch":
			json.NewEncoder(w).Encode(map[string]any{"latency_ms": 0.0, "ok": false})
		case "/benchmark/cpu":
			json.NewEncoder(w).Encode(map[string]any{"hashes_per_second": 10.0})
		case "/benchmark/memory-test":
			json.NewEncoder(w).Encode(map[string]any{"success": false})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestAdmit_HappyPath(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	req, _ := newValidAdmitRequest(t, "2001:db8::100")
	req.TestEndpoint = srv.URL

	node, err := o.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if node.Status != domain.NodeActive || !node.Verified {
		t.Errorf("expected an active, verified node, got %+v", node)
	}
	if node.Domain != "localhost" {
		t.Errorf("domain = %q, want localhost in LocalMode", node.Domain)
	}
}

func TestAdmit_DuplicateIPv6Rejected(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	req, _ := newValidAdmitRequest(t, "2001:db8::200")
	req.TestEndpoint = srv.URL

	if _, err := o.Admit(context.Background(), req); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	req2, _ := newValidAdmitRequest(t, "2001:db8::200")
	req2.TestEndpoint = srv.URL
	_, err := o.Admit(context.Background(), req2)
	apiErr, ok := err.(*apierror.Error)
	if !ok || apiErr.Code != apierror.Conflict {
		t.Fatalf("err = %v, want apierror.Conflict", err)
	}
}

func TestAdmit_BenchmarkBelowThresholdRejected(t *testing.T) {
	t.Parallel()
	srv := failingBenchmarkServer(t)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	req, _ := newValidAdmitRequest(t, "2001:db8::300")
	req.TestEndpoint = srv.URL

	_, err := o.Admit(context.Background(), req)
	apiErr, ok := err.(*apierror.Error)
	if !ok || apiErr.Code != apierror.PerformanceRejected {
		t.Fatalf("err = %v, want apierror.PerformanceRejected", err)
	}
}

func TestBeginJoinCompleteJoin_HappyPath(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	req, priv := newValidAdmitRequest(t, "2001:db8::400")
	req.TestEndpoint = srv.URL

	challenge, err := o.BeginJoin(context.Background(), req)
	if err != nil {
		t.Fatalf("BeginJoin: %v", err)
	}

	nonce, err := decodeHex(challenge.Nonce)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	sig := ed25519.Sign(priv, nonce)

	node, err := o.CompleteJoin(context.Background(), challenge.JoinID, sig)
	if err != nil {
		t.Fatalf("CompleteJoin: %v", err)
	}
	if node.Status != domain.NodeActive {
		t.Errorf("expected active node, got %+v", node)
	}

	if _, err := o.CompleteJoin(context.Background(), challenge.JoinID, sig); err == nil {
		t.Error("expected a second CompleteJoin for the same join_id to fail")
	}
}

func TestBeginJoinCompleteJoin_BadSignatureRejected(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	req, _ := newValidAdmitRequest(t, "2001:db8::500")
	req.TestEndpoint = srv.URL

	challenge, err := o.BeginJoin(context.Background(), req)
	if err != nil {
		t.Fatalf("BeginJoin: %v", err)
	}

	_, err = o.CompleteJoin(context.Background(), challenge.JoinID, []byte("not a real signature"))
	apiErr, ok := err.(*apierror.Error)
	if !ok || apiErr.Code != apierror.Unauthorized {
		t.Fatalf("err = %v, want apierror.Unauthorized", err)
	}
}

func TestHeartbeat_VersionDriftClearsVerification(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	o, store := newTestOrchestrator(t)
	req, _ := newValidAdmitRequest(t, "2001:db8::600")
	req.TestEndpoint = srv.URL

	node, err := o.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if err := store.UpsertManifest(context.Background(), &domain.VersionManifest{
		Version: "2.0.0", Body: []byte(`{}`), ReleaseURL: "https://example.com/2.0.0", Required: true, Signature: "sig",
	}); err != nil {
		t.Fatalf("UpsertManifest: %v", err)
	}

	resp, err := o.Heartbeat(context.Background(), node.ID, HeartbeatRequest{RPS: 1, P95ms: 1, Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if resp.UpdateAvailable == nil || resp.UpdateAvailable.Version != "2.0.0" {
		t.Errorf("expected an update_available pointing to 2.0.0, got %+v", resp.UpdateAvailable)
	}

	got, err := store.GetNode(context.Background(), node.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Verified {
		t.Error("expected a version-drifted node to be marked unverified")
	}
}

func TestHeartbeat_MatchingVersionStaysVerified(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	o, store := newTestOrchestrator(t)
	req, _ := newValidAdmitRequest(t, "2001:db8::700")
	req.TestEndpoint = srv.URL

	node, err := o.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if err := store.UpsertManifest(context.Background(), &domain.VersionManifest{
		Version: "1.0.0", Body: []byte(`{}`), ReleaseURL: "https://example.com/1.0.0", Required: true, Signature: "sig",
	}); err != nil {
		t.Fatalf("UpsertManifest: %v", err)
	}

	resp, err := o.Heartbeat(context.Background(), node.ID, HeartbeatRequest{RPS: 1, P95ms: 1, Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if resp.UpdateAvailable != nil {
		t.Errorf("expected no update for a matching version, got %+v", resp.UpdateAvailable)
	}
}

func TestPublishManifestAndVerifyIntegrity_HappyPath(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	o, _, manifestPriv := newTestOrchestratorWithManifestKey(t)
	req, nodePriv := newValidAdmitRequest(t, "2001:db8::800")
	req.TestEndpoint = srv.URL
	node, err := o.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	asset := domain.ManifestAsset{Platform: "linux-amd64", URL: "https://example.com/bin", SHA256: "abc123"}
	publishReq := PublishManifestRequest{
		Version:    "1.1.0",
		Assets:     []domain.ManifestAsset{asset},
		ReleasedAt: time.Now().UTC(),
		ReleaseURL: "https://example.com/1.1.0",
		Required:   true,
	}
	publishReq.Signature = signManifestRequest(t, manifestPriv, publishReq)
	manifest, err := o.PublishManifest(context.Background(), publishReq)
	if err != nil {
		t.Fatalf("PublishManifest: %v", err)
	}
	if len(manifest.Assets) != 1 {
		t.Fatalf("expected PublishManifest to return the asset list it was given, got %+v", manifest.Assets)
	}

	latest, err := o.LatestManifest(context.Background())
	if err != nil {
		t.Fatalf("LatestManifest: %v", err)
	}
	if len(latest.Assets) != 1 || latest.Assets[0].SHA256 != "abc123" {
		t.Errorf("LatestManifest did not hydrate assets from the stored body: %+v", latest.Assets)
	}

	attestReq := AttestationRequest{
		Version:     "1.1.0",
		Platform:    "linux-amd64",
		SHA256:      "abc123",
		TimestampMs: time.Now().UnixMilli(),
	}
	payload, err := signing.CanonicalFields(map[string]any{
		"node_id":      node.ID,
		"version":      attestReq.Version,
		"platform":     attestReq.Platform,
		"sha256":       attestReq.SHA256,
		"timestamp_ms": attestReq.TimestampMs,
	})
	if err != nil {
		t.Fatalf("CanonicalFields: %v", err)
	}
	attestReq.SignatureB64 = base64.StdEncoding.EncodeToString(ed25519.Sign(nodePriv, payload))

	if err := o.VerifyIntegrity(context.Background(), node.ID, attestReq); err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
}

func TestPublishManifest_RejectsUnsignedSubmission(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestratorWithManifestKey(t)
	_, err := o.PublishManifest(context.Background(), PublishManifestRequest{
		Version: "1.0.0", ReleaseURL: "https://example.com/1.0.0",
	})
	if err == nil {
		t.Fatal("expected an unsigned manifest submission to be refused")
	}
}

func TestPublishManifest_RejectsWrongKeySignature(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestratorWithManifestKey(t)
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate wrong key: %v", err)
	}
	req := PublishManifestRequest{Version: "1.0.0", ReleaseURL: "https://example.com/1.0.0"}
	req.Signature = signManifestRequest(t, wrongPriv, req)
	if _, err := o.PublishManifest(context.Background(), req); err == nil {
		t.Fatal("expected a manifest signed by the wrong key to be refused")
	}
}

func TestPublishManifest_NoVerificationKeyConfiguredRejectsEverything(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t) // no ManifestPublicKeyHex
	if _, err := o.PublishManifest(context.Background(), PublishManifestRequest{Version: "1.0.0"}); err == nil {
		t.Fatal("expected PublishManifest to refuse when no verification key is configured")
	}
}

func TestVerifyIntegrity_AssetMismatchClearsVerification(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	o, store, manifestPriv := newTestOrchestratorWithManifestKey(t)
	req, nodePriv := newValidAdmitRequest(t, "2001:db8::900")
	req.TestEndpoint = srv.URL
	node, err := o.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	publishReq := PublishManifestRequest{
		Version:    "1.1.0",
		Assets:     []domain.ManifestAsset{{Platform: "linux-amd64", URL: "https://example.com/bin", SHA256: "abc123"}},
		ReleasedAt: time.Now().UTC(),
		ReleaseURL: "https://example.com/1.1.0",
		Required:   true,
	}
	publishReq.Signature = signManifestRequest(t, manifestPriv, publishReq)
	if _, err := o.PublishManifest(context.Background(), publishReq); err != nil {
		t.Fatalf("PublishManifest: %v", err)
	}

	attestReq := AttestationRequest{
		Version:     "1.1.0",
		Platform:    "linux-amd64",
		SHA256:      "wrong-digest",
		TimestampMs: time.Now().UnixMilli(),
	}
	payload, err := signing.CanonicalFields(map[string]any{
		"node_id":      node.ID,
		"version":      attestReq.Version,
		"platform":     attestReq.Platform,
		"sha256":       attestReq.SHA256,
		"timestamp_ms": attestReq.TimestampMs,
	})
	if err != nil {
		t.Fatalf("CanonicalFields: %v", err)
	}
	attestReq.SignatureB64 = base64.StdEncoding.EncodeToString(ed25519.Sign(nodePriv, payload))

	if err := o.VerifyIntegrity(context.Background(), node.ID, attestReq); err == nil {
		t.Fatal("expected a mismatched asset digest to be rejected")
	}

	got, err := store.GetNode(context.Background(), node.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Verified {
		t.Error("expected node to be unverified after a failed attestation")
	}
}

func TestAdmissionPrice_ScalesWithActiveNodesAndCaps(t *testing.T) {
	t.Parallel()
	srv := passingBenchmarkServer(t)
	defer srv.Close()

	store, err := nodestore.Open(":memory:")
	if err != nil {
		t.Fatalf("nodestore.Open: %v", err)
	}
	defer store.Close()

	cfg := Config{LocalMode: true, AdmissionBase: 1000, AdmissionIncrement: 100, AdmissionMax: 1300}
	o := New(cfg, store, nil, NewBenchmarker([]string{"http://well-known.example/probe"}))
	defer o.Close()

	price, err := o.AdmissionPrice(context.Background())
	if err != nil {
		t.Fatalf("AdmissionPrice: %v", err)
	}
	if price != 1000 {
		t.Errorf("price = %d, want 1000 with zero active nodes", price)
	}

	for i := 0; i < 5; i++ {
		req, _ := newValidAdmitRequest(t, "2001:db8::"+string(rune('a'+i)))
		req.TestEndpoint = srv.URL
		if _, err := o.Admit(context.Background(), req); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
	}

	price, err = o.AdmissionPrice(context.Background())
	if err != nil {
		t.Fatalf("AdmissionPrice: %v", err)
	}
	if price != 1300 {
		t.Errorf("price = %d, want capped at 1300", price)
	}
}
