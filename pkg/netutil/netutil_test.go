package netutil

import (
	"errors"
	"net"
	"testing"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		expected bool
	}{
		{"10.0.0.0/8 start", "10.0.0.1", true},
		{"10.0.0.0/8 end", "10.255.255.254", true},
		{"172.16.0.0/12 start", "172.16.0.1", true},
		{"172.16.0.0/12 end", "172.31.255.254", true},
		{"192.168.0.0/16", "192.168.4.1", true},
		{"Link-local 169.254.0.0/16", "169.254.1.1", true},

		{"Public IP", "8.8.8.8", false},
		{"Outside 172 range low", "172.15.255.254", false},
		{"Outside 172 range high", "172.32.0.1", false},

		{"IPv6 ULA", "fd00::1", false},
		{"Nil IP", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ip net.IP
			if tt.ip != "" {
				ip = net.ParseIP(tt.ip)
				if ip == nil {
					t.Fatalf("failed to parse IP: %s", tt.ip)
				}
			}

			if result := IsPrivateIP(ip); result != tt.expected {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, result, tt.expected)
			}
		})
	}
}

func TestSelectAddress(t *testing.T) {
	addrs := []net.IP{
		net.ParseIP("192.168.1.10"),
		net.ParseIP("10.2.0.4"),
		net.ParseIP("10.20.1.5"),
		net.ParseIP("10.24.3.3"),
	}
	prefixes := []string{"10.24.", "10.20."}

	got, err := SelectAddress(addrs, prefixes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Interface order wins over prefix order.
	if got != "10.20.1.5" {
		t.Errorf("expected 10.20.1.5, got %s", got)
	}

	if _, err := SelectAddress(addrs[:2], prefixes); !errors.Is(err, ErrNoAddress) {
		t.Errorf("expected ErrNoAddress, got %v", err)
	}
}

func TestGetLocalAddressesIPv4Only(t *testing.T) {
	addrs, err := GetLocalAddresses()
	if err != nil {
		t.Fatalf("GetLocalAddresses: %v", err)
	}
	for _, ip := range addrs {
		if ip.To4() == nil {
			t.Errorf("non-IPv4 address returned: %s", ip)
		}
		if ip.IsLoopback() {
			t.Errorf("loopback address returned: %s", ip)
		}
	}
}
