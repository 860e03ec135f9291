package worker

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLGuard rejects outbound targets that would let a graph reach the
// engine's own network: non-http schemes, loopback and private hosts,
// cloud metadata addresses. AllowPrivate relaxes the host checks for
// development against local services.
type URLGuard struct {
	AllowPrivate bool
}

var blockedHostNames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

// Validate checks a target URL before the worker connects to it.
func (g *URLGuard) Validate(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed, use http or https", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if g.AllowPrivate {
		return nil
	}
	if blockedHostNames[host] || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("host %q is blocked", host)
	}

	// Literal IPs are checked directly. Resolved addresses of DNS names are
	// checked too, so a record pointing at 169.254.169.254 does not slip
	// through.
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("address %s is blocked: loopback", ip)
	case ip.IsPrivate():
		return fmt.Errorf("address %s is blocked: private network", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("address %s is blocked: link-local", ip)
	case ip.IsMulticast():
		return fmt.Errorf("address %s is blocked: multicast", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("address %s is blocked: unspecified", ip)
	}
	return nil
}
