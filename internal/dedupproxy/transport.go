package dedupproxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// newTransport returns a tuned *http.Transport with connection pooling and
// DNS answer caching, matching the shape proxied outbound HTTP calls need:
// many short-lived requests to a long tail of target hosts.
func newTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// startResolverRefresh periodically refreshes dnscache's answers and evicts
// entries unused since the last cycle, matching the library's intended usage.
func startResolverRefresh(resolver *dnscache.Resolver, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
