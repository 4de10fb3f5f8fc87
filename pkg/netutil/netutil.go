package netutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoAddress is returned when no local address matches the wanted prefixes.
var ErrNoAddress = errors.New("no local address on a mapped segment")

// GetLocalAddresses returns all non-loopback IPv4 addresses of interfaces
// that are up.
func GetLocalAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}

			addresses = append(addresses, ip.To4())
		}
	}

	return addresses, nil
}

// SelectAddress returns the first address that starts with one of prefixes.
func SelectAddress(addrs []net.IP, prefixes []string) (string, error) {
	for _, ip := range addrs {
		s := ip.String()
		for _, p := range prefixes {
			if strings.HasPrefix(s, p) {
				return s, nil
			}
		}
	}
	return "", ErrNoAddress
}

// DiscoverAddress finds this host's address on one of the mapped segments.
func DiscoverAddress(prefixes []string) (string, error) {
	addrs, err := GetLocalAddresses()
	if err != nil {
		return "", err
	}
	return SelectAddress(addrs, prefixes)
}

// IsPrivateIP checks if an IP address is in a private IPv4 range
func IsPrivateIP(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	// 10.0.0.0/8
	if ip4[0] == 10 {
		return true
	}
	// 172.16.0.0/12
	if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
		return true
	}
	// 192.168.0.0/16
	if ip4[0] == 192 && ip4[1] == 168 {
		return true
	}
	// 169.254.0.0/16 (link-local)
	return ip4[0] == 169 && ip4[1] == 254
}

// PreferredAddress returns the local address the kernel would use to reach
// host. No packets are sent.
func PreferredAddress(host string) (string, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(host, "9"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve route to %s: %w", host, err)
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
