package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

const tcpScheme = "tcp://"

// ParseEndpoint splits an endpoint string into a net network/address pair.
// Endpoints are either a filesystem path to a unix socket or tcp://host:port.
func ParseEndpoint(endpoint string) (network, address string, err error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", "", errors.New("endpoint is empty")
	}
	if strings.HasPrefix(trimmed, tcpScheme) {
		address = strings.TrimPrefix(trimmed, tcpScheme)
		if !strings.Contains(address, ":") {
			return "", "", fmt.Errorf("tcp endpoint %q must include a port", endpoint)
		}
		return "tcp", address, nil
	}
	return "unix", trimmed, nil
}

// FormatEndpoint renders a listener address back into endpoint notation.
func FormatEndpoint(addr net.Addr) string {
	if addr.Network() == "tcp" {
		return tcpScheme + addr.String()
	}
	return addr.String()
}

// Listen binds a listener for the given endpoint. A stale unix socket file
// left by a dead daemon is removed before binding.
func Listen(endpoint string) (net.Listener, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.RemoveAll(address); err != nil {
			return nil, fmt.Errorf("remove existing socket: %w", err)
		}
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	return listener, nil
}

// DialEndpoint opens a raw connection to the endpoint within timeout. It is
// also used by the registry's liveness probe, which only needs connect
// success, not a full transport.
func DialEndpoint(endpoint string, timeout time.Duration) (net.Conn, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}
