package dedupproxy

import (
	"net/http"
	"strings"
)

// strippedHeaders are removed from the inbound request before it is
// forwarded upstream. Matched case-insensitively.
var strippedHeaders = map[string]struct{}{
	"host":               {},
	"content-length":     {},
	"content-encoding":   {},
	"transfer-encoding":  {},
	"connection":         {},
	"x-idempotency-key":  {},
	"x-payment":          {},
	"x-verbose":          {},
}

// cleanseHeaders copies src into a new header set, dropping strippedHeaders.
func cleanseHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, vals := range src {
		if _, strip := strippedHeaders[strings.ToLower(k)]; strip {
			continue
		}
		out[k] = vals
	}
	return out
}

// forwardsBody reports whether method carries a request body upstream.
func forwardsBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPut, http.MethodPost, http.MethodPatch:
		return true
	default:
		return false
	}
}
