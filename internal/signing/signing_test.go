package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/asn1"
	"encoding/pem"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

func encodeSPKI(t *testing.T, raw []byte) string {
	t.Helper()
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm:        asn1.RawValue{FullBytes: []byte{0x30, 0x00}},
		SubjectPublicKey: asn1.BitString{Bytes: raw, BitLength: len(raw) * 8},
	})
	if err != nil {
		t.Fatalf("marshal SPKI: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestVerify_Ed25519RoundTrip(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemStr := encodeSPKI(t, pub)

	message := []byte("node manifest payload")
	sig := ed25519.Sign(priv, message)

	der, err := ParsePublicKeyPEM(pemStr, domain.AlgEd25519)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	ok, err := Verify(der, domain.AlgEd25519, message, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("expected a valid ed25519 signature to verify")
	}

	if ok, _ := Verify(der, domain.AlgEd25519, []byte("tampered"), sig); ok {
		t.Error("signature over a different message must not verify")
	}
}

func TestVerify_Secp256k1RoundTrip(t *testing.T) {
	t.Parallel()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rawPub := crypto.FromECDSAPub(&key.PublicKey)
	pemStr := encodeSPKI(t, rawPub)

	message := []byte("node manifest payload")
	hash := crypto.Keccak256(message)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	der, err := ParsePublicKeyPEM(pemStr, domain.AlgSecp256k1)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}

	ok, err := Verify(der, domain.AlgSecp256k1, message, sig)
	if err != nil {
		t.Fatalf("Verify (65-byte sig): %v", err)
	}
	if !ok {
		t.Error("expected a valid 65-byte secp256k1 signature to verify")
	}

	ok, err = Verify(der, domain.AlgSecp256k1, message, sig[:64])
	if err != nil {
		t.Fatalf("Verify (64-byte sig): %v", err)
	}
	if !ok {
		t.Error("expected a valid 64-byte secp256k1 signature to verify")
	}

	if ok, _ := Verify(der, domain.AlgSecp256k1, []byte("tampered"), sig); ok {
		t.Error("signature over a different message must not verify")
	}
}

func TestVerify_UnsupportedAlgorithm(t *testing.T) {
	t.Parallel()
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm:        asn1.RawValue{FullBytes: []byte{0x30, 0x00}},
		SubjectPublicKey: asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	if err != nil {
		t.Fatalf("marshal SPKI: %v", err)
	}
	if _, err := Verify(der, domain.SigAlg("bogus"), []byte("m"), []byte("s")); err == nil {
		t.Error("expected an error for an unsupported signature algorithm")
	}
}

func TestParsePublicKeyPEM_InvalidPEM(t *testing.T) {
	t.Parallel()
	if _, err := ParsePublicKeyPEM("not a pem block", domain.AlgEd25519); err == nil {
		t.Error("expected an error for invalid PEM input")
	}
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	t.Parallel()
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2, "c": 3})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if want := `{"a":2,"b":1,"c":3}`; string(a) != want {
		t.Errorf("CanonicalJSON = %s, want %s", a, want)
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	t.Parallel()
	v := map[string]any{"z": 1, "nested": map[string]any{"y": 2, "x": 1}, "a": "hi"}
	first, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	second, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("CanonicalJSON not deterministic: %s vs %s", first, second)
	}
}

func TestCanonicalFields_SortsExplicitFieldSet(t *testing.T) {
	t.Parallel()
	b, err := CanonicalFields(map[string]any{"node_id": "n1", "amount": 100, "alg": "ed25519"})
	if err != nil {
		t.Fatalf("CanonicalFields: %v", err)
	}
	if want := `{"alg":"ed25519","amount":100,"node_id":"n1"}`; string(b) != want {
		t.Errorf("CanonicalFields = %s, want %s", b, want)
	}
}
