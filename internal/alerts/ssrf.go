package alerts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// The alert webhook URL is operator-supplied configuration, which makes
// the sink an SSRF vector: a compromised or mistyped URL must not let
// the service reach localhost, private ranges, or the cloud metadata
// endpoint. The guarded client below validates every resolved address
// before dialing and re-validates on each redirect hop.

// ErrBlockedAddress is returned when a webhook request targets a
// blocked IP range.
var ErrBlockedAddress = errors.New("alerts: webhook address in blocked range")

// ErrTooManyRedirects is returned when the webhook redirect limit is
// exceeded.
var ErrTooManyRedirects = errors.New("alerts: too many webhook redirects")

// dnsTimeout bounds DNS resolution during dialing so a slow resolver
// cannot eat the delivery budget.
const dnsTimeout = 500 * time.Millisecond

// defaultMaxRedirects is the redirect hop limit for webhook delivery.
const defaultMaxRedirects = 3

// blockedPrefixes are the address ranges webhook delivery must never
// reach: loopback, private networks, link-local (including the cloud
// metadata service at 169.254.169.254), CGNAT, and their IPv6
// equivalents.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// addrResolver abstracts DNS resolution for tests.
type addrResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// isBlockedAddr checks the address against the blocklist. IPv4-mapped
// IPv6 addresses are unmapped first so ::ffff:127.0.0.1 cannot slip
// through.
func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// guardedDialer validates every resolved address before connecting.
type guardedDialer struct {
	resolver addrResolver
	dialer   *net.Dialer
}

// DialContext resolves the host, rejects the dial if any resolved
// address is blocked, and otherwise connects to the first address. All
// addresses are checked before any connection, so a DNS answer mixing
// one public IP with one private IP is rejected outright.
func (g *guardedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("alerts: invalid webhook address %q: %w", addr, err)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		return g.dialer.DialContext(ctx, network, addr)
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := g.resolver.LookupNetIP(dnsCtx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("alerts: resolving webhook host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("alerts: webhook host %q resolved to no addresses", host)
	}
	for _, ip := range ips {
		if isBlockedAddr(ip) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, ip, host)
		}
	}

	return g.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// checkRedirect enforces the hop limit and re-validates each redirect
// target's host. The dial-time check still runs for the new host; this
// pre-flight exists to fail with a clear error instead of a generic
// transport one.
func checkRedirect(maxRedirects int, resolver addrResolver) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}

		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrBlockedAddress)
		}
		if ip, err := netip.ParseAddr(host); err == nil {
			if isBlockedAddr(ip) {
				return fmt.Errorf("%w: redirect to %s", ErrBlockedAddress, ip)
			}
			return nil
		}

		dnsCtx, cancel := context.WithTimeout(req.Context(), dnsTimeout)
		defer cancel()

		ips, err := resolver.LookupNetIP(dnsCtx, "ip", host)
		if err != nil {
			return fmt.Errorf("alerts: resolving redirect host %q: %w", host, err)
		}
		for _, ip := range ips {
			if isBlockedAddr(ip) {
				return fmt.Errorf("%w: redirect to %s (resolved from %s)", ErrBlockedAddress, ip, host)
			}
		}
		return nil
	}
}

// NewSafeHTTPClient creates an http.Client for webhook delivery with
// SSRF-guarded dialing and redirect checking. This is the client the
// webhook sink should run on in every deployment.
func NewSafeHTTPClient(timeout time.Duration) *http.Client {
	resolver := net.DefaultResolver
	transport := &http.Transport{
		DialContext: (&guardedDialer{
			resolver: resolver,
			dialer:   &net.Dialer{},
		}).DialContext,
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: checkRedirect(defaultMaxRedirects, resolver),
	}
}

// ValidateWebhookURL checks an operator-supplied webhook URL against
// the blocklist at configuration time, so a bad URL fails startup
// instead of the first critical alert.
func ValidateWebhookURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return fmt.Errorf("alerts: invalid webhook URL %q", rawURL)
	}
	host := parsed.Hostname()

	if ip, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(ip) {
			return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("alerts: resolving webhook host %q: %w", host, err)
	}
	for _, ip := range ips {
		if isBlockedAddr(ip) {
			return fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, ip, host)
		}
	}
	return nil
}
