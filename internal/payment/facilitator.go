// Package payment implements the x402 payment gate: building 402 challenge
// descriptors for a resource+amount+chain tuple, verifying client payment
// payloads against an external facilitator (or a local EIP-3009 settlement
// path), and guarding against payment replay.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// FacilitatorClient verifies and settles x402 payments against a single
// Requirement. Implementations exist for a remote facilitator REST API and
// for local EIP-3009 settlement; pass nil to a Gate to disable payment
// gating entirely (local/dev mode).
type FacilitatorClient interface {
	Verify(ctx context.Context, payloadBytes, requirementBytes []byte) (*VerifyResult, error)
	Settle(ctx context.Context, payloadBytes, requirementBytes []byte) error
}

// VerifyResult holds the outcome of a verify call.
type VerifyResult struct {
	// Payer is the chain address that authorised the payment.
	Payer string
}

// RemoteFacilitator talks to an x402 facilitator REST API.
type RemoteFacilitator struct {
	url    string
	client *http.Client
}

// NewRemoteFacilitator creates a RemoteFacilitator that calls facilitatorURL.
func NewRemoteFacilitator(facilitatorURL string) *RemoteFacilitator {
	return &RemoteFacilitator{
		url:    facilitatorURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify checks that the payment payload is valid against requirementBytes
// (the JSON of a single Requirement).
func (f *RemoteFacilitator) Verify(ctx context.Context, payloadBytes, requirementBytes []byte) (*VerifyResult, error) {
	body, err := f.buildBody(payloadBytes, requirementBytes)
	if err != nil {
		return nil, err
	}

	var resp struct {
		IsValid        bool   `json:"isValid"`
		InvalidReason  string `json:"invalidReason"`
		InvalidMessage string `json:"invalidMessage"`
		Payer          string `json:"payer"`
	}
	if err := f.post(ctx, "/verify", body, &resp); err != nil {
		return nil, fmt.Errorf("facilitator verify: %w", err)
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if resp.InvalidMessage != "" {
			reason += ": " + resp.InvalidMessage
		}
		return nil, fmt.Errorf("payment invalid: %s", reason)
	}
	return &VerifyResult{Payer: resp.Payer}, nil
}

// Settle finalises the on-chain payment. Call after a successful Verify.
func (f *RemoteFacilitator) Settle(ctx context.Context, payloadBytes, requirementBytes []byte) error {
	body, err := f.buildBody(payloadBytes, requirementBytes)
	if err != nil {
		return err
	}

	var resp struct {
		Success      bool   `json:"success"`
		ErrorReason  string `json:"errorReason"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := f.post(ctx, "/settle", body, &resp); err != nil {
		return fmt.Errorf("facilitator settle: %w", err)
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if resp.ErrorMessage != "" {
			reason += ": " + resp.ErrorMessage
		}
		return fmt.Errorf("settlement failed: %s", reason)
	}
	return nil
}

func (f *RemoteFacilitator) buildBody(payloadBytes, requirementBytes []byte) ([]byte, error) {
	var versionProbe struct {
		X402Version int `json:"x402Version"`
	}
	if err := json.Unmarshal(payloadBytes, &versionProbe); err != nil {
		return nil, fmt.Errorf("parsing payment payload: %w", err)
	}
	version := versionProbe.X402Version
	if version == 0 {
		version = 1
	}

	body := map[string]any{
		"x402Version":         version,
		"paymentPayload":      json.RawMessage(payloadBytes),
		"paymentRequirements": json.RawMessage(requirementBytes),
	}
	return json.Marshal(body)
}

func (f *RemoteFacilitator) post(ctx context.Context, path string, body []byte, dst any) error {
	url := f.url + path
	slog.Debug("facilitator request", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	slog.Debug("facilitator response", "url", url, "status", resp.StatusCode)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("facilitator returned %d: %s", resp.StatusCode, respBody)
	}
	return json.Unmarshal(respBody, dst)
}
