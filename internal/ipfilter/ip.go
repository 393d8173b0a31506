package ipfilter

import (
	"fmt"
	"net"
	"strings"
)

// Canonical parses a single IP address and returns its canonical form.
// IPv4-mapped IPv6 addresses collapse to IPv4. CIDRs are rejected: a ban
// always targets one address.
func Canonical(value string) (string, bool, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		return "", false, fmt.Errorf("CIDR %q not accepted, expected a single address", value)
	}

	ip := net.ParseIP(value)
	if ip == nil {
		return "", false, fmt.Errorf("invalid IP address %q", value)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String(), false, nil
	}
	return ip.String(), true, nil
}

// IsIPv6 reports whether value is an IPv6 address.
func IsIPv6(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	return ip.To4() == nil
}

// IgnoreList is a set of networks whose addresses are never counted.
type IgnoreList []*net.IPNet

// Contains reports whether ip falls in any ignored network.
func (l IgnoreList) Contains(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range l {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ParseIgnoreList parses a slice of IP/CIDR strings. Single addresses
// become /32 or /128 networks.
func ParseIgnoreList(entries []string) (IgnoreList, error) {
	result := make(IgnoreList, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid ignore entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore CIDR %q: %w", e, err)
		}
		result = append(result, cidr)
	}
	return result, nil
}
