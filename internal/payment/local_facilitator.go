package payment

// LocalFacilitator is a self-hosted x402 payment facilitator for the EVM
// settlement path. It:
//  1. Verifies the EIP-3009 TransferWithAuthorization signature locally.
//  2. Submits the transferWithAuthorization transaction directly to the
//     USDC contract on the settlement chain, paying gas from its own key.
//
// This removes any dependency on a third-party facilitator service for the
// EVM leg of payment settlement.

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	authTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// transferWithAuthSig is the 4-byte selector for USDC.transferWithAuthorization.
var transferWithAuthSig = crypto.Keccak256([]byte(
	"transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)",
))[:4]

// LocalFacilitator implements FacilitatorClient for the EVM network without
// any external dependency.
type LocalFacilitator struct {
	rpcURL     string
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewLocalFacilitator creates a LocalFacilitator.
//
//   - rpcURL: JSON-RPC endpoint of the settlement chain (e.g. Base Sepolia).
//   - privateKeyHex: hex-encoded private key of the relayer wallet (pays gas).
//   - chainID: settlement chain ID (e.g. 84532 for Base Sepolia).
func NewLocalFacilitator(rpcURL, privateKeyHex string, chainID *big.Int) (*LocalFacilitator, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway private key: %w", err)
	}
	return &LocalFacilitator{
		rpcURL:     rpcURL,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the Ethereum address of the relayer key.
func (f *LocalFacilitator) Address() common.Address { return f.address }

// localPayload carries only the client's signed authorization. The priced
// terms (network, asset, payTo, amount) are never read from the payload —
// they come from the Requirement the gateway itself configured, passed in
// separately as requirementBytes, so a client cannot self-attest its own
// price.
type localPayload struct {
	Payload struct {
		Signature     string `json:"signature"`
		Authorization struct {
			From        string `json:"from"`
			To          string `json:"to"`
			Value       string `json:"value"`
			ValidAfter  string `json:"validAfter"`
			ValidBefore string `json:"validBefore"`
			Nonce       string `json:"nonce"`
		} `json:"authorization"`
	} `json:"payload"`
}

func parseLocalPayload(raw []byte) (*localPayload, error) {
	var p localPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing payment payload: %w", err)
	}
	return &p, nil
}

func parseRequirement(raw []byte) (*Requirement, error) {
	var r Requirement
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parsing payment requirement: %w", err)
	}
	return &r, nil
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func addrPad(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}

func domainSeparator(name, version string, chainID *big.Int, contract common.Address) common.Hash {
	enc := make([]byte, 5*32)
	copy(enc[0:32], domainTypeHash.Bytes())
	copy(enc[32:64], crypto.Keccak256([]byte(name)))
	copy(enc[64:96], crypto.Keccak256([]byte(version)))
	copy(enc[96:128], pad32(chainID))
	copy(enc[128:160], addrPad(contract))
	return crypto.Keccak256Hash(enc)
}

func authHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	enc := make([]byte, 7*32)
	copy(enc[0:32], authTypeHash.Bytes())
	copy(enc[32:64], addrPad(from))
	copy(enc[64:96], addrPad(to))
	copy(enc[96:128], pad32(value))
	copy(enc[128:160], pad32(validAfter))
	copy(enc[160:192], pad32(validBefore))
	copy(enc[192:224], nonce[:])
	return crypto.Keccak256Hash(enc)
}

// eip712Digest computes the authorization digest and nonce. chainID, the
// USDC contract, and the EIP-712 domain name/version come from req (the
// gateway's own configured Requirement) rather than the client-supplied
// payload, since those are the terms payment must actually satisfy.
func eip712Digest(req *Requirement, p *localPayload) (common.Hash, [32]byte, error) {
	parts := strings.Split(req.Network, ":")
	if len(parts) != 2 {
		return common.Hash{}, [32]byte{}, fmt.Errorf("invalid network: %s", req.Network)
	}
	chainID := new(big.Int)
	if _, ok := chainID.SetString(parts[1], 10); !ok {
		return common.Hash{}, [32]byte{}, fmt.Errorf("invalid chainId: %s", parts[1])
	}

	usdcAddr := common.HexToAddress(req.Asset)
	from := common.HexToAddress(p.Payload.Authorization.From)
	to := common.HexToAddress(p.Payload.Authorization.To)
	value := mustBI(p.Payload.Authorization.Value)
	validAfter := mustBI(p.Payload.Authorization.ValidAfter)
	validBefore := mustBI(p.Payload.Authorization.ValidBefore)

	nonceHex := strings.TrimPrefix(p.Payload.Authorization.Nonce, "0x")
	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil {
		return common.Hash{}, [32]byte{}, fmt.Errorf("invalid nonce: %w", err)
	}
	var nonce [32]byte
	copy(nonce[32-len(nonceBytes):], nonceBytes)

	ds := domainSeparator(req.Extra.Name, req.Extra.Version, chainID, usdcAddr)
	ah := authHash(from, to, value, validAfter, validBefore, nonce)

	digest := crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(ds.Bytes(), ah.Bytes()...)...))
	return digest, nonce, nil
}

func mustBI(s string) *big.Int {
	n := new(big.Int)
	n.SetString(s, 10)
	return n
}

// Verify checks the EIP-3009 signature without touching the chain, and
// checks the authorized to/value against requirementBytes — the gateway's
// own configured Requirement for this charge, never the client's payload.
func (f *LocalFacilitator) Verify(_ context.Context, payloadBytes, requirementBytes []byte) (*VerifyResult, error) {
	p, err := parseLocalPayload(payloadBytes)
	if err != nil {
		return nil, err
	}
	req, err := parseRequirement(requirementBytes)
	if err != nil {
		return nil, err
	}

	validBefore := mustBI(p.Payload.Authorization.ValidBefore)
	if validBefore.Int64() < time.Now().Unix() {
		return nil, fmt.Errorf("authorization expired (validBefore=%d)", validBefore.Int64())
	}

	digest, _, err := eip712Digest(req, p)
	if err != nil {
		return nil, err
	}

	sigHex := strings.TrimPrefix(p.Payload.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(digest.Bytes(), sig)
	if err != nil {
		return nil, fmt.Errorf("ecrecover: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal pubkey: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	expected := common.HexToAddress(p.Payload.Authorization.From)
	if recovered != expected {
		return nil, fmt.Errorf("signature mismatch: signed by %s, claimed %s", recovered.Hex(), expected.Hex())
	}

	authTo := common.HexToAddress(p.Payload.Authorization.To)
	reqPayTo := common.HexToAddress(req.PayTo)
	if authTo != reqPayTo {
		return nil, fmt.Errorf("payTo mismatch: auth=%s req=%s", authTo.Hex(), reqPayTo.Hex())
	}

	authValue := mustBI(p.Payload.Authorization.Value)
	reqAmount := mustBI(req.Amount)
	if authValue.Cmp(reqAmount) < 0 {
		return nil, fmt.Errorf("amount too low: authorized %s, required %s", authValue, reqAmount)
	}

	slog.Info("local verify OK", "payer", recovered.Hex(), "amount", authValue.String())
	return &VerifyResult{Payer: recovered.Hex()}, nil
}

// Settle submits transferWithAuthorization to the USDC contract.
func (f *LocalFacilitator) Settle(ctx context.Context, payloadBytes, requirementBytes []byte) error {
	p, err := parseLocalPayload(payloadBytes)
	if err != nil {
		return err
	}
	req, err := parseRequirement(requirementBytes)
	if err != nil {
		return err
	}

	_, nonce32, err := eip712Digest(req, p)
	if err != nil {
		return err
	}

	from := common.HexToAddress(p.Payload.Authorization.From)
	to := common.HexToAddress(p.Payload.Authorization.To)
	value := mustBI(p.Payload.Authorization.Value)
	validAfter := mustBI(p.Payload.Authorization.ValidAfter)
	validBefore := mustBI(p.Payload.Authorization.ValidBefore)
	usdcAddr := common.HexToAddress(req.Asset)

	sigHex := strings.TrimPrefix(p.Payload.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("invalid signature for settlement")
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	callData := packTransferWithAuth(from, to, value, validAfter, validBefore, nonce32, v, r, s)

	client, err := ethclient.DialContext(ctx, f.rpcURL)
	if err != nil {
		return fmt.Errorf("rpc connect: %w", err)
	}
	defer client.Close()

	txNonce, err := client.PendingNonceAt(ctx, f.address)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}

	gasLimit := uint64(100_000)
	if est, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: f.address,
		To:   &usdcAddr,
		Data: callData,
	}); err == nil {
		gasLimit = est * 12 / 10
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("latest header: %w", err)
	}
	tip := big.NewInt(1e9)
	feeCap := new(big.Int).Add(header.BaseFee, tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     txNonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &usdcAddr,
		Value:     new(big.Int),
		Data:      callData,
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(f.chainID), f.privateKey)
	if err != nil {
		return fmt.Errorf("signing settlement tx: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("transaction_failed: %w", err)
	}

	slog.Info("settlement tx submitted",
		"hash", signed.Hash().Hex(), "from", from.Hex(), "to", to.Hex(), "value", value.String())
	return nil
}

func packTransferWithAuth(
	from, to common.Address,
	value, validAfter, validBefore *big.Int,
	nonce [32]byte,
	v uint8,
	r, s [32]byte,
) []byte {
	data := make([]byte, 4+9*32)
	copy(data[:4], transferWithAuthSig)
	offset := 4
	copy(data[offset+12:offset+32], from.Bytes())
	offset += 32
	copy(data[offset+12:offset+32], to.Bytes())
	offset += 32
	copy(data[offset:offset+32], pad32(value))
	offset += 32
	copy(data[offset:offset+32], pad32(validAfter))
	offset += 32
	copy(data[offset:offset+32], pad32(validBefore))
	offset += 32
	copy(data[offset:offset+32], nonce[:])
	offset += 32
	data[offset+31] = v
	offset += 32
	copy(data[offset:offset+32], r[:])
	offset += 32
	copy(data[offset:offset+32], s[:])
	return data
}
