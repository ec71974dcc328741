// Package dedupproxy implements idempotency-keyed request coalescing,
// response caching, and payment-mark bookkeeping for outbound HTTP calls.
package dedupproxy

import "net/http"

// CachedResponse is the result of Handle, whether served from cache, from a
// shared in-flight call, or freshly fetched.
type CachedResponse struct {
	Status          int
	Data            any
	ContentType     string
	Headers         http.Header
	Cached          bool
	PaymentRequired bool
}

// Request is the normalized shape Handle operates on.
type Request struct {
	Fingerprint string
	TargetURL   string
	Method      string
	Headers     http.Header
	Body        []byte
}

type cacheEntry struct {
	Status      int
	Data        any
	ContentType string
	Headers     http.Header
}
