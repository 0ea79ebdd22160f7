package worker

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/pulseiot/pulse/pkg/config"
)

// EgressGuard vets outbound targets before a single packet is sent.
// In PROD the scheme must be https and every address, literal or
// resolved, is inspected. DEV permits http and skips the address
// policy entirely so local endpoints stay reachable. Errors carry the
// bare reason token that lands in last_error behind the url_blocked:
// prefix.
type EgressGuard struct {
	mode    config.Mode
	resolve func(ctx context.Context, host string) ([]net.IPAddr, error)
}

func NewEgressGuard(mode config.Mode) *EgressGuard {
	return &EgressGuard{
		mode:    mode,
		resolve: net.DefaultResolver.LookupIPAddr,
	}
}

// CheckURL validates a webhook-style URL. A blocked literal address
// wins over a scheme violation.
func (g *EgressGuard) CheckURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid_url")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("invalid_url")
	}
	scheme := strings.ToLower(u.Scheme)

	if g.mode != config.ModeProd {
		if scheme != "http" && scheme != "https" {
			return errors.New("bad_scheme:" + scheme)
		}
		return nil
	}

	ip := net.ParseIP(host)
	if ip != nil {
		if reason := blockedAddr(ip); reason != "" {
			return errors.New(reason)
		}
	}
	if scheme != "https" {
		return errors.New("bad_scheme:" + scheme)
	}
	if ip == nil {
		return g.checkResolved(ctx, host)
	}
	return nil
}

// CheckHost validates a bare SMTP or SNMP target host.
func (g *EgressGuard) CheckHost(ctx context.Context, host string) error {
	if g.mode != config.ModeProd {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if reason := blockedAddr(ip); reason != "" {
			return errors.New(reason)
		}
		return nil
	}
	return g.checkResolved(ctx, host)
}

func (g *EgressGuard) checkResolved(ctx context.Context, host string) error {
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return errors.New("resolve_failed")
	}
	for _, a := range addrs {
		if reason := blockedAddr(a.IP); reason != "" {
			return errors.New(reason)
		}
	}
	return nil
}

// blockedAddr returns a non-empty reason when the address belongs to a
// range that must never receive tenant-directed traffic: loopback,
// link-local (the cloud metadata service lives there), multicast,
// unspecified, RFC1918 and ULA private space, deprecated IPv6
// site-local, carrier-grade NAT and class E.
func blockedAddr(ip net.IP) string {
	switch {
	case ip.IsLoopback(),
		ip.IsUnspecified(),
		ip.IsMulticast(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsPrivate(),
		isSiteLocal(ip),
		isCGNAT(ip),
		isClassE(ip):
		return "blocked_ip:" + ip.String()
	}
	return ""
}

// fec0::/10
func isSiteLocal(ip net.IP) bool {
	if ip.To4() != nil {
		return false
	}
	ip = ip.To16()
	return ip != nil && ip[0] == 0xfe && ip[1]&0xc0 == 0xc0
}

// 100.64.0.0/10
func isCGNAT(ip net.IP) bool {
	ip4 := ip.To4()
	return ip4 != nil && ip4[0] == 100 && ip4[1]&0xc0 == 64
}

// 240.0.0.0/4
func isClassE(ip net.IP) bool {
	ip4 := ip.To4()
	return ip4 != nil && ip4[0] >= 240
}
