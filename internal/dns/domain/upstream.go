package domain

import (
	"fmt"
	"net"
	"strings"
)

// Transport is the socket flavour used to reach an upstream.
type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// Health is the circuit breaker state of an upstream target.
type Health uint8

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("Health(%d)", h)
}

// UpstreamTarget identifies one configured upstream resolver.
type UpstreamTarget struct {
	Address   string
	Transport Transport
}

func (u UpstreamTarget) String() string {
	return u.Transport.String() + "://" + u.Address
}

// ParseUpstreamTarget accepts "udp://ip:port", "tcp://ip:port", "ip:port" and a
// bare "ip", which defaults to port 53 over UDP.
func ParseUpstreamTarget(s string) (UpstreamTarget, error) {
	s = strings.TrimSpace(s)
	t := UpstreamTarget{Transport: TransportUDP}
	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		switch strings.ToLower(scheme) {
		case "udp":
		case "tcp":
			t.Transport = TransportTCP
		default:
			return UpstreamTarget{}, fmt.Errorf("unsupported upstream scheme %q", scheme)
		}
		s = rest
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = strings.Trim(s, "[]"), "53"
	}
	if net.ParseIP(host) == nil {
		return UpstreamTarget{}, fmt.Errorf("upstream %q: host must be an IP address", s)
	}
	t.Address = net.JoinHostPort(host, port)
	return t, nil
}
