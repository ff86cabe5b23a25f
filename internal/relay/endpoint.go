package relay

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is the fixed TCP destination of the relay.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint normalizes a "host:port" string into an Endpoint.
//
// Accepted input formats:
//   - "10.0.0.5:8080"
//   - "ground.local:8080"
//   - "[::1]:8080"
//   - "tcp://10.0.0.5:8080" (scheme is stripped)
func ParseEndpoint(input string) (Endpoint, error) {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "tcp://")
	if input == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	host, portStr, err := net.SplitHostPort(input)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", input, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", input)
	}
	ep := Endpoint{Host: host, Port: port}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Validate checks that the host is set and the port is in 1-65535.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("endpoint host is required")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("endpoint port must be 1-65535, got %d", e.Port)
	}
	return nil
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
