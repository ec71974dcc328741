package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"
)

type fakeFacilitator struct {
	verifyErr error
	settleErr error
	payer     string
	verified  int
	settled   int
}

func (f *fakeFacilitator) Verify(ctx context.Context, payloadBytes, requirementBytes []byte) (*VerifyResult, error) {
	f.verified++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &VerifyResult{Payer: f.payer}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payloadBytes, requirementBytes []byte) error {
	f.settled++
	return f.settleErr
}

func testNetworks() NetworkConfig {
	return NetworkConfig{
		EVMNetwork:  "eip155:84532",
		PayToEVM:    "0x1111111111111111111111111111111111111111",
		USDCAddress: "0x2222222222222222222222222222222222222222",
		USDCDomain:  "USDC",
		USDCVersion: "2",
	}
}

func paymentHeader(t *testing.T, network string) string {
	t.Helper()
	payload := map[string]any{
		"x402Version": 2,
		"accepted":    map[string]string{"network": network},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestGate_Disabled(t *testing.T) {
	t.Parallel()
	g := NewGate(GateConfig{Networks: testNetworks()}, nil)
	defer g.Close()
	if g.Enabled() {
		t.Error("a gate with a nil facilitator must report disabled")
	}
}

func TestGate_VerifyAndSettle_Success(t *testing.T) {
	t.Parallel()
	fac := &fakeFacilitator{payer: "0xabc"}
	g := NewGate(GateConfig{GatewayURL: "https://gw.example", Networks: testNetworks()}, fac)
	defer g.Close()

	charge := Charge{Resource: "/proxy", Amount: 1000}
	payer, err := g.VerifyAndSettle(context.Background(), paymentHeader(t, "eip155:84532"), charge)
	if err != nil {
		t.Fatalf("VerifyAndSettle: %v", err)
	}
	if payer != "0xabc" {
		t.Errorf("payer = %q, want 0xabc", payer)
	}
	if fac.verified != 1 || fac.settled != 1 {
		t.Errorf("verified=%d settled=%d, want 1/1", fac.verified, fac.settled)
	}
}

func TestGate_VerifyAndSettle_RejectsReplay(t *testing.T) {
	t.Parallel()
	fac := &fakeFacilitator{payer: "0xabc"}
	g := NewGate(GateConfig{Networks: testNetworks()}, fac)
	defer g.Close()

	charge := Charge{Resource: "/proxy", Amount: 1000}
	header := paymentHeader(t, "eip155:84532")

	if _, err := g.VerifyAndSettle(context.Background(), header, charge); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := g.VerifyAndSettle(context.Background(), header, charge); err == nil {
		t.Error("replayed payment payload should be rejected")
	}
	if fac.verified != 1 {
		t.Errorf("facilitator.Verify called %d times, want 1 (replay must short-circuit)", fac.verified)
	}
}

func TestGate_VerifyAndSettle_UnsupportedNetwork(t *testing.T) {
	t.Parallel()
	fac := &fakeFacilitator{}
	g := NewGate(GateConfig{Networks: testNetworks()}, fac)
	defer g.Close()

	charge := Charge{Resource: "/proxy", Amount: 1000}
	if _, err := g.VerifyAndSettle(context.Background(), paymentHeader(t, "solana:devnet"), charge); err == nil {
		t.Error("expected an error for a network the gate doesn't accept")
	}
	if fac.verified != 0 {
		t.Error("facilitator should never be called for an unmatched network")
	}
}

func TestGate_VerifyAndSettle_VerifyFailureAllowsRetry(t *testing.T) {
	t.Parallel()
	fac := &fakeFacilitator{verifyErr: errFake("invalid signature")}
	g := NewGate(GateConfig{Networks: testNetworks()}, fac)
	defer g.Close()

	charge := Charge{Resource: "/proxy", Amount: 1000}
	header := paymentHeader(t, "eip155:84532")

	if _, err := g.VerifyAndSettle(context.Background(), header, charge); err == nil {
		t.Fatal("expected verify failure to propagate")
	}

	// A failed verification must not be treated as replay on retry.
	fac.verifyErr = nil
	if _, err := g.VerifyAndSettle(context.Background(), header, charge); err != nil {
		t.Fatalf("retry after verify failure should succeed: %v", err)
	}
}

func TestGate_VerifyAndSettle_SettleFailureIsNotForgotten(t *testing.T) {
	t.Parallel()
	fac := &fakeFacilitator{settleErr: errFake("settlement timeout")}
	g := NewGate(GateConfig{Networks: testNetworks()}, fac)
	defer g.Close()

	charge := Charge{Resource: "/proxy", Amount: 1000}
	header := paymentHeader(t, "eip155:84532")

	if _, err := g.VerifyAndSettle(context.Background(), header, charge); err == nil {
		t.Fatal("expected settle failure to propagate")
	}

	// A settle failure might still have landed on-chain: the same payload
	// retried must be rejected as a replay, not re-verified/settled.
	fac.settleErr = nil
	if _, err := g.VerifyAndSettle(context.Background(), header, charge); err == nil {
		t.Error("expected replay rejection after a settle failure")
	}
}

func TestGate_Send402_SetsHeaderAndBody(t *testing.T) {
	t.Parallel()
	g := NewGate(GateConfig{GatewayURL: "https://gw.example", Networks: testNetworks()}, &fakeFacilitator{})
	defer g.Close()

	rec := httptest.NewRecorder()
	g.Send402(rec, Charge{Resource: "/proxy", Amount: 500, Description: "test"}, "payment required")

	if rec.Code != 402 {
		t.Errorf("status = %d, want 402", rec.Code)
	}
	if rec.Header().Get(PaymentRequiredHeader) == "" {
		t.Error("expected Payment-Required header to be set")
	}

	var desc Descriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(desc.Accepts) != 1 || desc.Accepts[0].Amount != "500" {
		t.Errorf("unexpected accepts: %+v", desc.Accepts)
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }
