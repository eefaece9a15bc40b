package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSRefresh = 5 * time.Minute

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
	resolverMu         sync.Mutex
	resolverRefreshTTL = defaultDNSRefresh
)

// GetDNSResolver returns the process-wide caching resolver, starting its
// refresh loop on first use.
func GetDNSResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		resolverMu.Lock()
		ttl := resolverRefreshTTL
		resolverMu.Unlock()

		globalResolver = &dnscache.Resolver{}
		log.Debug().Dur("ttl", ttl).Msg("Initializing DNS resolver cache")

		go func() {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for range ticker.C {
				globalResolver.Refresh(true)
			}
		}()
	})
	return globalResolver
}

// SetDNSCacheTTL sets the refresh interval. It only has an effect before the
// first HTTP client is created.
func SetDNSCacheTTL(ttl time.Duration) {
	resolverMu.Lock()
	defer resolverMu.Unlock()
	if ttl <= 0 {
		ttl = defaultDNSRefresh
	}
	resolverRefreshTTL = ttl
}

// DialContextWithCache resolves the host through the caching resolver and
// dials the addresses in order until one connects.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := GetDNSResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
