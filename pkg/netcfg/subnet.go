package netcfg

import (
	"fmt"
	"net"
	"strings"
)

// DefaultPrefixes lists the campus network segments that have a router at
// 10.<second octet>.0.1.
var DefaultPrefixes = []string{
	"10.0.", "10.7.", "10.20.", "10.24.", "10.28.", "10.29.",
	"10.30.", "10.100.", "10.128.", "10.132.", "10.136.", "10.137.",
	"10.247.", "10.252.", "10.253.",
}

// SubnetMap maps address prefixes to their segment gateway.
type SubnetMap struct {
	prefixes []string
}

// NewSubnetMap creates a map over prefixes. Each prefix must look like
// "10.<n>."; nil selects DefaultPrefixes.
func NewSubnetMap(prefixes []string) (*SubnetMap, error) {
	if prefixes == nil {
		prefixes = DefaultPrefixes
	}
	for _, p := range prefixes {
		parts := strings.Split(p, ".")
		if len(parts) != 3 || parts[2] != "" || net.ParseIP(parts[0]+"."+parts[1]+".0.0") == nil {
			return nil, fmt.Errorf("bad prefix %q: want form a.b.", p)
		}
	}
	return &SubnetMap{prefixes: append([]string(nil), prefixes...)}, nil
}

// Prefixes returns the configured prefixes.
func (m *SubnetMap) Prefixes() []string {
	return append([]string(nil), m.prefixes...)
}

// Contains reports whether ip falls in one of the mapped segments.
func (m *SubnetMap) Contains(ip string) bool {
	_, ok := m.GatewayFor(ip)
	return ok
}

// GatewayFor returns the segment gateway for ip.
func (m *SubnetMap) GatewayFor(ip string) (string, bool) {
	for _, p := range m.prefixes {
		if strings.HasPrefix(ip, p) {
			parts := strings.Split(p, ".")
			return parts[0] + "." + parts[1] + ".0.1", true
		}
	}
	return "", false
}

// SameSubnet reports whether a and b share their first two octets.
func SameSubnet(a, b string) bool {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	if len(pa) < 2 || len(pb) < 2 {
		return false
	}
	return pa[0] == pb[0] && pa[1] == pb[1]
}

// ValidIPv4 reports whether s is a dotted-quad IPv4 address.
func ValidIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && !strings.Contains(s, ":")
}
