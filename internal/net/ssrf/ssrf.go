// Package ssrf validates outbound URLs against Server-Side Request Forgery.
// Cloud metadata endpoints and multicast ranges are always blocked; private
// and loopback ranges are blocked unless explicitly allowed. Hostnames are
// resolved and every returned address is checked, so a DNS name cannot
// smuggle a blocked address past the filter.
package ssrf

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// BlockedError is returned when a URL is refused by the SSRF rules.
type BlockedError struct {
	Message string
}

func (e *BlockedError) Error() string { return e.Message }

func blocked(format string, args ...any) *BlockedError {
	return &BlockedError{Message: fmt.Sprintf(format, args...)}
}

// Options relax parts of the envelope for trusted deployments. The metadata
// endpoint and multicast ranges stay blocked regardless.
type Options struct {
	// AllowPrivate permits RFC1918, link-local, and CGNAT ranges.
	AllowPrivate bool

	// AllowLocalhost permits loopback addresses and localhost hostnames.
	AllowLocalhost bool
}

// metadataAddr is the cloud instance metadata endpoint. Never reachable.
var metadataAddr = netip.MustParseAddr("169.254.169.254")

// cgnat is the carrier-grade NAT range, treated as private.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// localHostnames are names that mean loopback without resolving.
var localHostnames = map[string]bool{
	"localhost": true,
}

// internalSuffixes mark hostnames that conventionally point at internal
// resources; blocked alongside private addresses.
var internalSuffixes = []string{".localhost", ".local", ".internal"}

// blockedHostnames are always refused, independent of options.
var blockedHostnames = map[string]bool{
	"metadata.google.internal": true,
}

// ValidateURL checks that a URL is safe to fetch under the given options.
// Only http and https schemes are accepted.
func ValidateURL(rawURL string, opts Options) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return blocked("scheme %q is not allowed", u.Scheme)
	}
	host := normalizeHostname(u.Hostname())
	if host == "" {
		return blocked("url has no host")
	}

	if blockedHostnames[host] {
		return blocked("hostname %s is blocked", host)
	}
	if localHostnames[host] {
		if opts.AllowLocalhost {
			return nil
		}
		return blocked("hostname %s is blocked", host)
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			if opts.AllowPrivate {
				break
			}
			return blocked("hostname %s points at an internal resource", host)
		}
	}

	// Literal IP: check it directly.
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr, opts)
	}

	// Hostname: every resolved address must pass, or a rebinding DNS
	// record could route the request into a blocked range.
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("cannot resolve %s: no addresses", host)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return blocked("%s resolves to an unparseable address", host)
		}
		if err := checkAddr(addr, opts); err != nil {
			return blocked("%s resolves to a blocked address: %v", host, err)
		}
	}
	return nil
}

// CheckAddr applies the address rules to a single IP.
func CheckAddr(addr netip.Addr, opts Options) error {
	return checkAddr(addr, opts)
}

func checkAddr(addr netip.Addr, opts Options) error {
	addr = addr.Unmap()

	if addr == metadataAddr {
		return blocked("metadata endpoint %s is always blocked", addr)
	}
	// 224.0.0.0/4 and ff00::/8.
	if addr.IsMulticast() {
		return blocked("multicast address %s is always blocked", addr)
	}

	if addr.IsLoopback() {
		if opts.AllowLocalhost {
			return nil
		}
		return blocked("loopback address %s is blocked", addr)
	}

	if addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() ||
		(addr.Is4() && cgnat.Contains(addr)) {
		if opts.AllowPrivate {
			return nil
		}
		return blocked("private address %s is blocked", addr)
	}

	return nil
}

// normalizeHostname lowercases, trims the root-label dot, and unwraps IPv6
// brackets.
func normalizeHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}
