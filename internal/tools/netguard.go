package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/pkg/models"
)

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// IsBlockedAddr reports whether addr lies in a private, loopback or
// link-local range. IPv4-mapped IPv6 addresses are checked as IPv4 and
// zone identifiers are ignored.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if !addr.IsValid() || addr.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// NetGuard enforces an effective allowlist and the private-range block on
// every outbound connection.
type NetGuard struct {
	perm     models.ToolPermission
	resolver Resolver
	limiter  *rate.Limiter
	dialer   *net.Dialer
}

// NewNetGuard builds a guard for the given effective permission. limiter may
// be nil.
func NewNetGuard(perm models.ToolPermission, resolver Resolver, limiter *rate.Limiter) *NetGuard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &NetGuard{
		perm:     perm,
		resolver: resolver,
		limiter:  limiter,
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   controlBlocked,
		},
	}
}

// Check validates host against the allowlist and returns the resolved
// addresses, all of which are outside the blocked ranges.
func (g *NetGuard) Check(ctx context.Context, host string) ([]netip.Addr, error) {
	if !g.perm.AllowsHost(host) {
		return nil, apperrors.Denied("host_not_allowed", "%s is not on the network allowlist", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(addr) {
			return nil, apperrors.BlockedHost(host)
		}
		return []netip.Addr{addr}, nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("failed to resolve %s: %w", host, err))
	}
	if len(addrs) == 0 {
		return nil, apperrors.Transient(fmt.Errorf("no addresses for %s", host))
	}
	for _, addr := range addrs {
		if IsBlockedAddr(addr) {
			return nil, apperrors.BlockedHost(fmt.Sprintf("%s (%s)", host, addr))
		}
	}
	return addrs, nil
}

// DialContext resolves and validates the destination, then connects to one of
// the validated addresses directly so a second lookup can't swap in a
// different target.
func (g *NetGuard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, apperrors.Denied("bad_address", "%s", address)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, apperrors.Denied("bad_address", "%s", address)
	}
	addrs, err := g.Check(ctx, host)
	if err != nil {
		return nil, err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
		}
	}

	var lastErr error
	for _, addr := range addrs {
		target := netip.AddrPortFrom(addr, uint16(port)).String()
		conn, err := g.dialer.DialContext(ctx, network, target)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, apperrors.ErrPermissionDenied) {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperrors.Transient(lastErr)
}

// Client returns an HTTP client whose every connection and redirect passes
// through the guard. Environment proxies are ignored.
func (g *NetGuard) Client(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           g.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			if !g.perm.AllowsHost(req.URL.Hostname()) {
				return apperrors.Denied("host_not_allowed", "redirect to %s is not on the network allowlist", req.URL.Hostname())
			}
			return nil
		},
	}
}

// controlBlocked runs on the connecting socket and rejects blocked peers.
func controlBlocked(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return apperrors.Denied("bad_address", "%s", address)
	}
	if IsBlockedAddr(ap.Addr()) {
		return apperrors.BlockedHost(ap.Addr().String())
	}
	return nil
}
