package signing

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

// subjectPublicKeyInfo mirrors the ASN.1 SPKI structure well enough to pull
// out the raw key bits regardless of the declared curve OID — Go's
// crypto/x509 only recognizes the NIST curves it registers, and secp256k1
// is deliberately not one of them, so SPKI parsing is done by hand here
// instead of through x509.ParsePKIXPublicKey.
type subjectPublicKeyInfo struct {
	Algorithm        asn1.RawValue
	SubjectPublicKey asn1.BitString
}

// ParsePublicKeyPEM decodes a PEM-encoded SPKI public key for alg and
// returns both the original DER (for storage) and the raw key bytes (for
// verification).
func ParsePublicKeyPEM(pemStr string, alg domain.SigAlg) (der []byte, err error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM public key")
	}
	if _, err := rawKeyBytes(block.Bytes); err != nil {
		return nil, fmt.Errorf("parse SPKI public key: %w", err)
	}
	switch alg {
	case domain.AlgSecp256k1, domain.AlgEd25519:
		return block.Bytes, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}

func rawKeyBytes(der []byte) ([]byte, error) {
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	return spki.SubjectPublicKey.RightAlign(), nil
}

// Verify checks that sig over message was produced by der/alg.
//
// secp256k1 verification is delegated to go-ethereum/crypto (the same
// library the payment gate's local settlement path uses for EIP-3009
// signatures): the SPKI bit string is unwrapped to a raw EC point and
// handed to crypto.Ecrecover/VerifySignature.
//
// ed25519 verification uses the standard library directly: there is no
// third-party Ed25519 implementation in the example fleet that improves on
// crypto/ed25519, the canonical constant-time reference implementation.
func Verify(der []byte, alg domain.SigAlg, message, sig []byte) (bool, error) {
	raw, err := rawKeyBytes(der)
	if err != nil {
		return false, fmt.Errorf("parse SPKI public key: %w", err)
	}

	switch alg {
	case domain.AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return false, fmt.Errorf("unexpected ed25519 key length %d", len(raw))
		}
		return ed25519.Verify(ed25519.PublicKey(raw), message, sig), nil

	case domain.AlgSecp256k1:
		pub, err := unmarshalSecp256k1(raw)
		if err != nil {
			return false, err
		}
		hash := crypto.Keccak256(message)
		switch len(sig) {
		case 65:
			normalized := append([]byte(nil), sig...)
			if normalized[64] >= 27 {
				normalized[64] -= 27
			}
			recoveredPub, err := crypto.SigToPub(hash, normalized)
			if err != nil {
				return false, fmt.Errorf("recover pubkey: %w", err)
			}
			return crypto.PubkeyToAddress(*recoveredPub) == crypto.PubkeyToAddress(*pub), nil
		case 64:
			return crypto.VerifySignature(crypto.FromECDSAPub(pub), hash, sig), nil
		default:
			return false, fmt.Errorf("unexpected secp256k1 signature length %d", len(sig))
		}

	default:
		return false, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}

func unmarshalSecp256k1(raw []byte) (*ecdsa.PublicKey, error) {
	switch len(raw) {
	case 33:
		return crypto.DecompressPubkey(raw)
	case 65:
		return crypto.UnmarshalPubkey(raw)
	default:
		return nil, fmt.Errorf("unexpected secp256k1 public key length %d", len(raw))
	}
}
