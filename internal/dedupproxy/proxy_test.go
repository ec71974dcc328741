package dedupproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestHandle_MissingFingerprint(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t)
	_, err := p.Handle(context.Background(), Request{TargetURL: "http://example.com"})
	if err != ErrMissingIdempotencyKey {
		t.Fatalf("err = %v, want ErrMissingIdempotencyKey", err)
	}
}

func TestHandle_CachesSecondCallWithoutHittingUpstream(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newTestProxy(t)
	req := Request{Fingerprint: "fp-1", TargetURL: srv.URL, Method: http.MethodGet}

	first, err := p.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if first.Cached {
		t.Error("first call should not be reported as cached")
	}

	second, err := p.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if !second.Cached {
		t.Error("second call with the same fingerprint should be served from cache")
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", hits.Load())
	}
}

func TestHandle_CoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newTestProxy(t)
	req := Request{Fingerprint: "fp-concurrent", TargetURL: srv.URL, Method: http.MethodGet}

	const n = 10
	results := make([]*CachedResponse, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			r, err := p.Handle(context.Background(), req)
			if err != nil {
				t.Errorf("Handle: %v", err)
				return
			}
			results[i] = r
		}()
	}
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1 (coalesced)", hits.Load())
	}

	var cachedCount int
	for _, r := range results {
		if r != nil && r.Cached {
			cachedCount++
		}
	}
	// Exactly one goroutine actually executes the outbound call; every other
	// one joins that in-flight call and must see Cached: true.
	if cachedCount != n-1 {
		t.Errorf("cached responses = %d, want %d (all joiners of the in-flight call)", cachedCount, n-1)
	}
}

func TestHandle_MalformedGzipIsNotCachedAndSurfacesAsFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("not actually gzip"))
	}))
	defer srv.Close()

	p := newTestProxy(t)
	req := Request{Fingerprint: "fp-bad-gzip", TargetURL: srv.URL, Method: http.MethodGet}

	result, err := p.Handle(context.Background(), req)
	if err == nil {
		t.Fatal("expected a decode error for malformed gzip")
	}
	if result == nil || result.Status < 500 {
		t.Errorf("expected a 5xx-shaped failure result, got %+v", result)
	}
	if _, ok := p.cache.GetIfPresent(req.Fingerprint); ok {
		t.Error("a malformed response must not be cached")
	}
	if !p.NeedsPayment(req.Fingerprint) {
		t.Error("a failed dispatch must not leave the fingerprint marked paid")
	}
}

func TestHandle_PropagatesUpstreamHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom-Header", "value")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newTestProxy(t)
	req := Request{Fingerprint: "fp-headers", TargetURL: srv.URL, Method: http.MethodGet}

	result, err := p.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := result.Headers.Get("X-Custom-Header"); got != "value" {
		t.Errorf("X-Custom-Header = %q, want %q", got, "value")
	}
}

func TestHandle_TransportFaultReturnsNonNilResultAndResetsPaidMark(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t)
	req := Request{Fingerprint: "fp-fault", TargetURL: "http://127.0.0.1:1", Method: http.MethodGet}

	result, err := p.Handle(context.Background(), req)
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if result == nil {
		t.Fatal("expected a non-nil result describing the failure")
	}
	if result.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", result.Status, http.StatusBadGateway)
	}
	if p.NeedsPayment(req.Fingerprint) == false {
		t.Error("a failed dispatch must not leave the fingerprint marked paid")
	}
}

func TestNeedsPaymentAndMarkPaid(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t)
	if !p.NeedsPayment("fp") {
		t.Error("unknown fingerprint should need payment")
	}
	p.MarkPaid("fp")
	if p.NeedsPayment("fp") {
		t.Error("marked-paid fingerprint should not need payment again")
	}
}

func TestHandle_UpstreamErrorStatusIsCached(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	p := newTestProxy(t)
	req := Request{Fingerprint: "fp-404", TargetURL: srv.URL, Method: http.MethodGet}

	result, err := p.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("a 404 from upstream is not a transport fault: %v", err)
	}
	if result.Status != http.StatusNotFound {
		t.Errorf("status = %d, want %d", result.Status, http.StatusNotFound)
	}
}
