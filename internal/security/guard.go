// Package security guards outbound requests to subscriber-supplied URLs.
//
// Push subscription endpoints are registered by browsers and stored
// verbatim, so the push client must not be steerable at internal
// infrastructure (instance metadata, loopback, private ranges). The guard
// resolves every host at dial time and refuses blocked addresses, which also
// covers DNS rebinding between validation and delivery.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// dnsTimeout bounds a single resolution.
const dnsTimeout = 500 * time.Millisecond

var (
	// ErrBlockedAddress is returned when a host resolves into a blocked range.
	ErrBlockedAddress = errors.New("security: address is in a blocked range")
	// ErrInsecureEndpoint is returned for non-https endpoints.
	ErrInsecureEndpoint = errors.New("security: endpoint must use https")
	// ErrResolve is returned when a host cannot be resolved in time.
	ErrResolve = errors.New("security: resolving host")
	// ErrRedirect is returned when the remote answers with a redirect.
	ErrRedirect = errors.New("security: redirects are not followed")
)

var blockedCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16", // link-local, includes instance metadata
	"172.16.0.0/12",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedNets = mustParseCIDRs(blockedCIDRs)

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("security: bad CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// IsBlockedIP reports whether ip falls into a blocked range.
func IsBlockedIP(ip net.IP) bool {
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates endpoint hosts and dials only permitted addresses.
type Guard struct {
	resolver     Resolver
	allowPrivate bool
	dialer       *net.Dialer
}

// Option customizes a Guard.
type Option func(*Guard)

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// AllowPrivate disables the address blocklist and the https requirement.
// Only for local development against a push service emulator.
func AllowPrivate(allow bool) Option {
	return func(g *Guard) { g.allowPrivate = allow }
}

// NewGuard builds a Guard.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckEndpoint validates the scheme and resolved addresses of rawURL.
func (g *Guard) CheckEndpoint(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: unparseable endpoint", ErrBlockedAddress)
	}
	if g.allowPrivate {
		return nil
	}
	if u.Scheme != "https" {
		return ErrInsecureEndpoint
	}
	_, err = g.resolve(ctx, u.Hostname())
	return err
}

// resolve returns the addresses of host, failing if any is blocked.
func (g *Guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !g.allowPrivate && IsBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		return []net.IP{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	addrs, err := g.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w %q: no addresses", ErrResolve, host)
	}

	// Every address must pass; a mixed answer is treated as hostile.
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if !g.allowPrivate && IsBlockedIP(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, a.IP, host)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// DialContext resolves addr, validates it and dials the first address.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("security: invalid address %q: %w", addr, err)
	}
	ips, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return g.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// NewHTTPClient returns a client whose connections go through the guard and
// which refuses redirects.
func (g *Guard) NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = g.DialContext
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return ErrRedirect
		},
	}
}
