package resolver

import (
	"context"
	"time"

	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// UpstreamClient forwards a query to the configured upstream resolvers.
type UpstreamClient interface {
	Forward(ctx context.Context, query domain.Query) (domain.Message, error)
}

// Cache stores upstream answers keyed by question.
type Cache interface {
	Get(key string) (domain.Message, bool)
	// Store caches msg for the TTL derived from its records and reports
	// that TTL, or false if the message is not cacheable.
	Store(key string, msg domain.Message) (time.Duration, bool)
	Len() int
}

// RuleEngine decides what to do with a query before any lookup happens.
type RuleEngine interface {
	Evaluate(query domain.Query) domain.Decision
}

type DNSResponder interface {
	// HandleQuery processes a DNS query and returns the reply to send.
	// The transport handles all network protocol details - the handler only sees domain objects.
	HandleQuery(ctx context.Context, query domain.Query) (domain.Message, error)
}

// ServerTransport defines the interface for DNS server transport implementations.
// Different transport types (UDP, TCP) implement this interface while
// providing the same request handling contract to the service layer.
type ServerTransport interface {
	// Start begins listening for requests and handling them via the provided handler.
	// The transport handles all network protocol concerns and wire format conversion.
	Start(ctx context.Context, handler DNSResponder) error

	// Stop gracefully shuts down the transport, closing connections and cleaning up resources.
	Stop() error

	// Address returns the network address the transport is bound to.
	Address() string
}
