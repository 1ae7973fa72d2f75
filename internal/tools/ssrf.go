package tools

import (
	"fmt"
	"net"
	"strings"
)

// checkHostResolution resolves the host and blocks private/internal ranges.
// Runs again on every redirect, so a DNS rebind after the first check still
// gets caught.
func checkHostResolution(host string) error {
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP %q for host %q", ipStr, host)
		}
		if isPrivateIP(ip) {
			return fmt.Errorf("blocked: host %q resolves to private IP %s", host, ipStr)
		}
	}

	return nil
}

// isPrivateIP reports whether an IP is loopback, link-local, unspecified,
// or inside an RFC 1918 / ULA range.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}

	privateRanges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
	}
	for _, r := range privateRanges {
		_, cidr, _ := net.ParseCIDR(r)
		if cidr != nil && cidr.Contains(ip) {
			return true
		}
	}

	// Private IPv6 (fc00::/7).
	if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true
	}

	return false
}

// hostAllowed checks the host against the allowlist, case-insensitively.
func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, h := range allowed {
		if strings.ToLower(h) == host {
			return true
		}
	}
	return false
}
