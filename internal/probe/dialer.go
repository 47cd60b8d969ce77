package probe

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultResolverRefresh = 5 * time.Minute

// CachingDialer dials through a dnscache resolver so the health checks do not
// hit DNS on every scan.
type CachingDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer
	refresh  time.Duration

	startOnce sync.Once
}

// NewCachingDialer creates a dialer. refresh <= 0 uses the default interval.
func NewCachingDialer(timeout, refresh time.Duration) *CachingDialer {
	if refresh <= 0 {
		refresh = defaultResolverRefresh
	}
	return &CachingDialer{
		resolver: &dnscache.Resolver{},
		dialer:   &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
		refresh:  refresh,
	}
}

// Start refreshes the resolver cache until ctx is done. Calling it more than
// once has no effect.
func (d *CachingDialer) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(d.refresh)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					d.resolver.Refresh(true)
					log.Debug().Dur("ttl", d.refresh).Msg("DNS cache refreshed")
				}
			}
		}()
	})
}

// DialContext resolves host through the cache and dials the first address.
func (d *CachingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	if ip := net.ParseIP(host); ip != nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// HTTPClient returns a client that dials through d, with timeout applied to
// each request.
func (d *CachingDialer) HTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext:         d.DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
