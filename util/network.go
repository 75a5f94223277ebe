package util

import (
	"fmt"
	"net"
	"strconv"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// ParsePort parses a decimal TCP port in 1-65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", n)
	}
	return uint16(n), nil
}

// ResolveTCPAddr turns host and port into a single TCP address.  Numeric
// hosts are used as-is; names take the first address the resolver
// returns.
func ResolveTCPAddr(host string, port uint16) (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", FormatAddr(host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", FormatAddr(host, port), err)
	}
	return addr, nil
}
