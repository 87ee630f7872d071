package transport

import (
	"fmt"
	"slices"

	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

// NewTransport creates a listener of the given type.
func NewTransport(transportType TransportType, opts Options) (resolver.ServerTransport, error) {
	if !IsTransportSupported(transportType) {
		return nil, fmt.Errorf("unsupported transport type: %s (supported: %v)", transportType, GetSupportedTransports())
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("%s transport: codec is required", transportType)
	}
	switch transportType {
	case TransportUDP:
		return NewUDPTransport(opts), nil
	default:
		return NewTCPTransport(opts), nil
	}
}

// GetSupportedTransports returns a list of currently supported transport types.
func GetSupportedTransports() []TransportType {
	return []TransportType{TransportUDP, TransportTCP}
}

// IsTransportSupported checks if a given transport type is currently supported.
func IsTransportSupported(transportType TransportType) bool {
	return slices.Contains(GetSupportedTransports(), transportType)
}
