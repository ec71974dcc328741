package dedupproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/dnscache"
	"golang.org/x/sync/singleflight"
)

const (
	cacheTTL        = 300 * time.Second
	paidMarkTTL     = 5 * time.Minute
	outboundTimeout = 30 * time.Second
	maxRedirects    = 5
)

// ErrMissingIdempotencyKey is returned when a caller omits x-idempotency-key.
var ErrMissingIdempotencyKey = fmt.Errorf("x-idempotency-key header is required")

// Proxy coalesces concurrent identical outbound calls (by fingerprint) into
// one in-flight request, caches completed results, and tracks which
// fingerprints have already cleared payment.
type Proxy struct {
	client *http.Client

	cache *otter.Cache[string, cacheEntry]
	paid  *otter.Cache[string, time.Time]
	sf    singleflight.Group

	resolverStop chan struct{}
	sweepStop    chan struct{}
	sweepOnce    sync.Once
}

// New builds a Proxy. Pass a dnscache.Resolver (or nil to use the default
// net resolver on every dial).
func New(resolver *dnscache.Resolver) (*Proxy, error) {
	cache, err := otter.New[string, cacheEntry](&otter.Options[string, cacheEntry]{
		MaximumSize:      50_000,
		ExpiryCalculator: otter.ExpiryWriting[string, cacheEntry](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}

	paid, err := otter.New[string, time.Time](&otter.Options[string, time.Time]{
		MaximumSize:      50_000,
		ExpiryCalculator: otter.ExpiryAccessing[string, time.Time](paidMarkTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create paid-mark cache: %w", err)
	}

	p := &Proxy{
		client: &http.Client{
			Timeout: outboundTimeout,
			Transport: newTransport(resolver),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		cache:        cache,
		paid:         paid,
		resolverStop: make(chan struct{}),
		sweepStop:    make(chan struct{}),
	}

	if resolver != nil {
		go startResolverRefresh(resolver, time.Minute, p.resolverStop)
	}
	go p.sweepLoop()
	return p, nil
}

// Close stops the proxy's background sweepers.
func (p *Proxy) Close() {
	p.sweepOnce.Do(func() {
		close(p.sweepStop)
		close(p.resolverStop)
	})
}

// sweepLoop evicts PaidMarks past their sliding TTL every 60s. otter already
// lazily expires entries on access, so this mostly keeps memory bounded for
// fingerprints that are never looked up again.
func (p *Proxy) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.paid.CleanUp()
		}
	}
}

// NeedsPayment reports whether fingerprint requires a fresh payment
// challenge: it does unless a CachedResponse or PaidMark already covers it.
func (p *Proxy) NeedsPayment(fingerprint string) bool {
	if _, ok := p.cache.GetIfPresent(fingerprint); ok {
		return false
	}
	if _, ok := p.paid.GetIfPresent(fingerprint); ok {
		return false
	}
	return true
}

// MarkPaid records that fingerprint has cleared payment, independent of
// whether Handle has been called yet for it.
func (p *Proxy) MarkPaid(fingerprint string) {
	p.paid.Set(fingerprint, time.Now())
}

// Handle executes the dedup/cache/coalesce algorithm for req. The caller
// must already have cleared payment for req.Fingerprint (via NeedsPayment +
// the payment gate) before calling Handle.
func (p *Proxy) Handle(ctx context.Context, req Request) (*CachedResponse, error) {
	if req.Fingerprint == "" {
		return nil, ErrMissingIdempotencyKey
	}

	if entry, ok := p.cache.GetIfPresent(req.Fingerprint); ok {
		return &CachedResponse{
			Status: entry.Status, Data: entry.Data, ContentType: entry.ContentType, Headers: entry.Headers,
			Cached: true, PaymentRequired: false,
		}, nil
	}

	v, err, shared := p.sf.Do(req.Fingerprint, func() (any, error) {
		// Re-check: another goroutine may have populated the cache between
		// the outer GetIfPresent and singleflight admission.
		if entry, ok := p.cache.GetIfPresent(req.Fingerprint); ok {
			return entry, nil
		}

		p.MarkPaid(req.Fingerprint)

		entry, dispatchErr := p.dispatch(ctx, req)
		if dispatchErr != nil {
			// Pure transport fault: no response was ever received. Do not
			// pollute the cache, and let the next attempt re-pay.
			p.paid.Invalidate(req.Fingerprint)
			return nil, dispatchErr
		}

		p.cache.Set(req.Fingerprint, *entry)
		return *entry, nil
	})
	if err != nil {
		return &CachedResponse{
			Status: http.StatusBadGateway,
			Data: map[string]any{
				"error":   "UpstreamUnreachable",
				"message": err.Error(),
				"code":    "UPSTREAM_UNREACHABLE",
				"url":     req.TargetURL,
			},
			Cached: false,
		}, err
	}

	entry := v.(cacheEntry)
	// shared is true for every caller that joined an in-flight call rather
	// than executing it itself, including ones that caught a cache hit
	// re-checked inside the singleflight function.
	return &CachedResponse{
		Status: entry.Status, Data: entry.Data, ContentType: entry.ContentType, Headers: entry.Headers,
		Cached: shared,
	}, nil
}

// dispatch performs the actual outbound HTTP call. It returns an error only
// for transport-level faults (DNS/connect/timeout) that never produced an
// HTTP response — any response the upstream actually sends, including 4xx
// and 5xx, is captured into a cacheEntry with a nil error.
func (p *Proxy) dispatch(ctx context.Context, req Request) (*cacheEntry, error) {
	headers := cleanseHeaders(req.Headers)

	var bodyReader io.Reader
	if forwardsBody(req.Method) && len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
		if headers.Get("Content-Type") == "" && looksLikeJSONObject(req.Body) {
			headers.Set("Content-Type", "application/json")
		}
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.TargetURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building outbound request: %w", err)
	}
	outReq.Header = headers

	resp, err := p.client.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("outbound request failed: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	data, err := decodeBody(rawBody, resp.Header.Get("Content-Encoding"))
	if err != nil {
		// The upstream claimed an encoding it didn't actually use (or sent a
		// truncated/corrupt body). We never received a usable response, so
		// this must not be cached — treat it like a transport fault.
		return nil, fmt.Errorf("decoding upstream response body: %w", err)
	}

	return &cacheEntry{
		Status:      resp.StatusCode,
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     resp.Header.Clone(),
	}, nil
}

func looksLikeJSONObject(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}
