// Package transport provides the network listeners of the proxy. It handles
// framing and wire format conversion, allowing the service layer to work
// purely with domain types.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/gateways/wire"
	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

// TransportType represents the different types of DNS transport protocols supported.
type TransportType string

const (
	// TransportUDP represents standard DNS over UDP (RFC 1035)
	TransportUDP TransportType = "udp"

	// TransportTCP represents DNS over TCP with two-octet length framing (RFC 1035 4.2.2)
	TransportTCP TransportType = "tcp"
)

const (
	DefaultMaxUDPSize  = 1232
	DefaultWorkers     = 512
	DefaultIdleTimeout = 10 * time.Second

	maxTrackedClients = 65536
)

// Options configures a listener. Zero values select the defaults above;
// a zero RateLimit disables per-client limiting.
type Options struct {
	Address string
	Codec   wire.DNSCodec
	Logger  log.Logger

	// MaxUDPSize caps the reply size granted to EDNS clients over UDP.
	MaxUDPSize int
	// Workers bounds the number of UDP queries handled concurrently.
	Workers int
	// IdleTimeout closes TCP connections that send nothing for this long.
	IdleTimeout time.Duration

	// RateLimit is the sustained queries per second allowed per client address.
	RateLimit float64
	RateBurst int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.NewNoopLogger()
	}
	if o.MaxUDPSize < domain.DefaultUDPSize {
		o.MaxUDPSize = DefaultMaxUDPSize
	}
	if o.MaxUDPSize > wire.MaxMessageSize {
		o.MaxUDPSize = wire.MaxMessageSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = max(1, int(o.RateLimit))
	}
	return o
}

var errAlreadyRunning = errors.New("transport already running")

// dispatcher turns request bytes into reply bytes. It is shared by the UDP
// and TCP listeners, which differ only in framing and reply size limits.
type dispatcher struct {
	network string
	codec   wire.DNSCodec
	logger  log.Logger
	limiter *clientLimiter
	handler resolver.DNSResponder
}

// serve handles one request. ok is false when nothing must be sent back:
// malformed input, rate-limited clients and abandoned queries.
func (d *dispatcher) serve(ctx context.Context, data []byte, client net.Addr, limit func(domain.Query) int) (out []byte, ok bool) {
	msg, err := d.codec.Decode(data)
	if err != nil {
		d.logger.Debug(map[string]any{
			"transport": d.network,
			"client":    client.String(),
			"size":      len(data),
			"error":     err.Error(),
		}, "Dropped malformed DNS query")
		return nil, false
	}
	query, err := domain.NewQueryFromMessage(msg, client)
	if err != nil {
		d.logger.Debug(map[string]any{
			"transport": d.network,
			"client":    client.String(),
			"query_id":  msg.Header.ID,
			"error":     err.Error(),
		}, "Dropped malformed DNS query")
		return nil, false
	}
	if !d.limiter.allow(client) {
		d.logger.Debug(map[string]any{
			"transport": d.network,
			"client":    client.String(),
		}, "Client rate limit exceeded")
		return nil, false
	}

	d.logger.Debug(map[string]any{
		"transport": d.network,
		"client":    client.String(),
		"query_id":  query.ID,
		"name":      query.Name,
		"type":      query.Type.String(),
	}, "Received DNS query")

	resp, err := d.handler.HandleQuery(ctx, query)
	if !resp.Header.Response {
		fields := map[string]any{"client": client.String(), "query_id": query.ID}
		if err != nil {
			fields["error"] = err.Error()
		}
		d.logger.Debug(fields, "No reply for DNS query")
		return nil, false
	}

	maxSize := limit(query)
	out, err = d.codec.EncodeTruncated(resp, maxSize)
	if err != nil {
		d.logger.Error(map[string]any{
			"client":   client.String(),
			"query_id": query.ID,
			"error":    err.Error(),
		}, "Failed to encode DNS response")
		return nil, false
	}
	return out, true
}

// clientLimiter keeps a token bucket per client IP. The table is bounded;
// the least recently seen clients are forgotten first.
type clientLimiter struct {
	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// newClientLimiter returns nil when qps is not positive; a nil limiter
// allows everything.
func newClientLimiter(qps float64, burst int) *clientLimiter {
	if qps <= 0 {
		return nil
	}
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &clientLimiter{clients: clients, limit: rate.Limit(qps), burst: burst}
}

func (l *clientLimiter) allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	key := clientIP(addr)
	l.mu.Lock()
	lim, ok := l.clients.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

func clientIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
