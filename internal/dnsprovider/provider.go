// Package dnsprovider adapts the DNS host's record-management API: reading
// the current authoritative record set and replacing it atomically. The
// concrete wire format is a thin REST client, grounded on the same
// verify/settle-style request shape the payment facilitator uses.
package dnsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Record is one authoritative DNS record.
type Record struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // "AAAA" | "A"
	Value string `json:"value"`
	TTL   int    `json:"ttl"`
}

// Provider manages authoritative records for a zone.
type Provider interface {
	GetHosts(ctx context.Context, zone string) ([]Record, error)
	SetHosts(ctx context.Context, zone string, records []Record) error
}

// HTTPProvider implements Provider against a get-hosts/set-hosts REST API.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds an HTTPProvider against baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{baseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

// GetHosts fetches the current record set for zone.
func (p *HTTPProvider) GetHosts(ctx context.Context, zone string) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/hosts?zone="+zone, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dns provider get-hosts: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("dns provider returned %d: %s", resp.StatusCode, body)
	}

	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decoding dns records: %w", err)
	}
	return records, nil
}

// SetHosts replaces the full record set for zone. Callers must merge new
// records with the existing set themselves — the API has no partial-update
// semantics (spec: "preserving all other authoritative records").
func (p *HTTPProvider) SetHosts(ctx context.Context, zone string, records []Record) error {
	body, err := json.Marshal(map[string]any{"zone": zone, "records": records})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/hosts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("dns provider set-hosts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dns provider returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// UpsertHost merges an AAAA (and optional A) record for name into the zone's
// record set, preserving every other record, then writes the set back.
func UpsertHost(ctx context.Context, p Provider, zone, name, ipv6, ipv4 string, ttl int) error {
	existing, err := p.GetHosts(ctx, zone)
	if err != nil {
		return err
	}

	filtered := existing[:0:0]
	for _, r := range existing {
		if r.Name == name && (r.Type == "AAAA" || r.Type == "A") {
			continue
		}
		filtered = append(filtered, r)
	}

	filtered = append(filtered, Record{Name: name, Type: "AAAA", Value: ipv6, TTL: ttl})
	if ipv4 != "" {
		filtered = append(filtered, Record{Name: name, Type: "A", Value: ipv4, TTL: ttl})
	}

	return p.SetHosts(ctx, zone, filtered)
}
