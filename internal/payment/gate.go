package payment

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// PaymentRequiredHeader is the response header carrying the base64(Descriptor)
// payload (spec: "PAYMENT-REQUIRED" header).
const PaymentRequiredHeader = "Payment-Required"

// PaymentSignatureHeader is the request header the client sends its signed
// payment payload in.
const PaymentSignatureHeader = "Payment-Signature"

// replayWindow bounds how long a settled payment hash is remembered for
// duplicate-submission rejection before it is swept from memory.
const replayWindow = 15 * time.Minute

// Charge describes one payment-gated operation: a resource path, its price
// in USDC atomic units, and a human description for the 402 descriptor.
type Charge struct {
	Resource    string
	Amount      int64
	Description string
	MimeType    string
}

// GateConfig configures the networks and timeouts a Gate advertises.
type GateConfig struct {
	GatewayURL        string
	Networks          NetworkConfig
	PayTimeoutSeconds int
}

// Gate is a thin adapter over an external facilitator: it decides
// required/paid/settled for a resource+amount+chain tuple. When Facilitator
// is nil the gate is disabled (local/dev mode) and every charge is treated
// as pre-paid.
type Gate struct {
	cfg         GateConfig
	facilitator FacilitatorClient

	seenMu   sync.Mutex
	seen     map[[32]byte]time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

// NewGate builds a Gate. facilitator may be nil to disable payment gating.
func NewGate(cfg GateConfig, facilitator FacilitatorClient) *Gate {
	if cfg.PayTimeoutSeconds == 0 {
		cfg.PayTimeoutSeconds = 60
	}
	g := &Gate{
		cfg:         cfg,
		facilitator: facilitator,
		seen:        make(map[[32]byte]time.Time),
		stop:        make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// Enabled reports whether payment verification is active.
func (g *Gate) Enabled() bool { return g.facilitator != nil }

// Close stops the replay-window sweeper.
func (g *Gate) Close() { g.stopOnce.Do(func() { close(g.stop) }) }

func (g *Gate) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case now := <-ticker.C:
			g.seenMu.Lock()
			for h, at := range g.seen {
				if now.Sub(at) > replayWindow {
					delete(g.seen, h)
				}
			}
			g.seenMu.Unlock()
		}
	}
}

// Descriptor builds the x402 challenge payload for charge.
func (g *Gate) Descriptor(charge Charge) Descriptor {
	return Descriptor{
		X402Version: 2,
		Error:       "Payment required",
		Resource: Resource{
			URL:         g.cfg.GatewayURL + charge.Resource,
			Description: charge.Description,
			MimeType:    charge.MimeType,
		},
		Accepts: g.cfg.Networks.buildAccepts(charge.Amount, g.cfg.PayTimeoutSeconds),
	}
}

// Send402 writes a standard 402 Payment Required response for charge.
func (g *Gate) Send402(w http.ResponseWriter, charge Charge, reason string) {
	desc := g.Descriptor(charge)
	desc.Reason = reason

	payloadJSON, err := json.Marshal(desc)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set(PaymentRequiredHeader, base64.StdEncoding.EncodeToString(payloadJSON))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(desc)
}

// acceptedProbe reads just enough of a payment payload to find the network
// the client actually paid on, so the matching Requirement can be sent to
// the facilitator.
type acceptedProbe struct {
	Accepted struct {
		Network string `json:"network"`
	} `json:"accepted"`
}

// VerifyAndSettle decodes paymentHeaderB64, matches it to one of charge's
// accepted networks, and runs verify→settle against the facilitator.
// Returns the payer address on success. Payloads are rejected on replay
// (same payload bytes seen within the replay window).
func (g *Gate) VerifyAndSettle(ctx context.Context, paymentHeaderB64 string, charge Charge) (payer string, err error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(paymentHeaderB64)
	if err != nil {
		return "", fmt.Errorf("invalid %s encoding", PaymentSignatureHeader)
	}

	hash := sha256.Sum256(payloadBytes)
	g.seenMu.Lock()
	_, dup := g.seen[hash]
	if !dup {
		g.seen[hash] = time.Now()
	}
	g.seenMu.Unlock()
	if dup {
		return "", fmt.Errorf("payment already processed")
	}

	var probe acceptedProbe
	if err := json.Unmarshal(payloadBytes, &probe); err != nil {
		g.forget(hash)
		return "", fmt.Errorf("parsing payment payload: %w", err)
	}

	var matched *Requirement
	for _, req := range g.cfg.Networks.buildAccepts(charge.Amount, g.cfg.PayTimeoutSeconds) {
		if req.Network == probe.Accepted.Network {
			r := req
			matched = &r
			break
		}
	}
	if matched == nil {
		g.forget(hash)
		return "", fmt.Errorf("unsupported network: %s", probe.Accepted.Network)
	}

	requirementBytes, err := json.Marshal(matched)
	if err != nil {
		g.forget(hash)
		return "", err
	}

	result, err := g.facilitator.Verify(ctx, payloadBytes, requirementBytes)
	if err != nil {
		// Verification failure is not a charge — let the client retry.
		g.forget(hash)
		return "", fmt.Errorf("payment verification failed: %w", err)
	}

	if err := g.facilitator.Settle(ctx, payloadBytes, requirementBytes); err != nil {
		// Do not forget the hash: the payment may have partially settled on
		// chain even though this call reported failure.
		return "", fmt.Errorf("payment settlement failed: %w", err)
	}

	return result.Payer, nil
}

func (g *Gate) forget(hash [32]byte) {
	g.seenMu.Lock()
	delete(g.seen, hash)
	g.seenMu.Unlock()
}
