package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/billing"
	"github.com/ethdenver2026/consensus-gateway/internal/dedupproxy"
	"github.com/ethdenver2026/consensus-gateway/internal/payment"
)

type proxyRequest struct {
	TargetURL string              `json:"target_url"`
	Method    string              `json:"method,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body,omitempty"`
}

type proxyBilling struct {
	Cost             int64  `json:"cost"`
	Reason           string `json:"reason"`
	IdempotencyKey   string `json:"idempotency_key"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

type proxyMeta struct {
	Timestamp    string `json:"timestamp"`
	ServerVersion string `json:"server_version"`
}

type proxyResponse struct {
	Status     int                 `json:"status"`
	StatusText string              `json:"statusText"`
	Headers    map[string][]string `json:"headers"`
	Data       any                 `json:"data"`
	Billing    *proxyBilling       `json:"billing,omitempty"`
	Meta       *proxyMeta          `json:"meta,omitempty"`
}

const proxyResource = "/proxy"

func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	var body proxyRequest
	if err := decodeJSON(r, &body); err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, "invalid request body: "+err.Error()))
		return
	}
	if body.TargetURL == "" {
		apierror.Write(w, apierror.New(apierror.BadRequest, "target_url is required"))
		return
	}
	method := body.Method
	if method == "" {
		method = http.MethodGet
	}

	fingerprint := r.Header.Get("x-idempotency-key")
	if fingerprint == "" {
		apierror.Write(w, apierror.New(apierror.BadRequest, "x-idempotency-key header is required"))
		return
	}

	charge := payment.Charge{
		Resource:    proxyResource,
		Amount:      s.deps.ProxyCallPrice,
		Description: "dedup-proxy outbound call",
		MimeType:    "application/json",
	}

	cost := int64(0)
	reason := "cached"
	if s.deps.Proxy.NeedsPayment(fingerprint) {
		reason = "paid"
		if s.deps.PaymentGate.Enabled() {
			sig := r.Header.Get(payment.PaymentSignatureHeader)
			if sig == "" {
				recordChallenge(s.deps.Metrics, charge.Resource)
				s.deps.PaymentGate.Send402(w, charge, "payment required for this idempotency key")
				return
			}
			if _, err := s.deps.PaymentGate.VerifyAndSettle(r.Context(), sig, charge); err != nil {
				recordVerifyFailure(s.deps.Metrics, "")
				apierror.Write(w, apierror.New(apierror.PaymentVerifyFailed, err.Error()))
				return
			}
		}
		s.deps.Proxy.MarkPaid(fingerprint)
		cost = charge.Amount
	}

	headers := make(http.Header, len(body.Headers))
	for k, vals := range body.Headers {
		headers[k] = vals
	}

	start := time.Now()
	result, err := s.deps.Proxy.Handle(r.Context(), dedupproxy.Request{
		Fingerprint: fingerprint,
		TargetURL:   body.TargetURL,
		Method:      strings.ToUpper(method),
		Headers:     headers,
		Body:        body.Body,
	})
	elapsed := time.Since(start)

	billing.EmitAsync(s.deps.Billing, billing.Event{
		IdempotencyKey:   fingerprint,
		Resource:         proxyResource,
		CostAtomicUnits:  cost,
		Paid:             cost > 0,
		Cached:           result != nil && result.Cached,
		ProcessingTimeMs: elapsed.Milliseconds(),
		At:               time.Now(),
	})

	headers := map[string][]string(result.Headers)
	if headers == nil {
		headers = map[string][]string{}
	}
	if _, ok := result.Headers["Content-Type"]; !ok && result.ContentType != "" {
		headers["Content-Type"] = []string{result.ContentType}
	}

	resp := proxyResponse{
		Status:     result.Status,
		StatusText: http.StatusText(result.Status),
		Headers:    headers,
		Data:       result.Data,
	}
	if strings.EqualFold(r.Header.Get("x-verbose"), "true") {
		resp.Billing = &proxyBilling{
			Cost: cost, Reason: reason, IdempotencyKey: fingerprint,
			ProcessingTimeMs: elapsed.Milliseconds(),
		}
		resp.Meta = &proxyMeta{Timestamp: time.Now().UTC().Format(time.RFC3339), ServerVersion: serverVersion}
	}

	// The gateway's own HTTP status is always 200 here; the upstream's
	// actual status travels in the body's "status" field.
	writeJSON(w, http.StatusOK, resp)
}
