package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/gateways/wire"
	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

// UDPTransport implements resolver.ServerTransport for standard DNS over UDP
// (RFC 1035). Each datagram is handled on its own goroutine; a weighted
// semaphore bounds how many run at once.
type UDPTransport struct {
	addr   string
	opts   Options
	logger log.Logger

	conn   net.PacketConn
	sem    *semaphore.Weighted
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Synchronization for graceful shutdown
	mu      sync.RWMutex
	running bool
}

// NewUDPTransport creates a new UDP transport instance.
func NewUDPTransport(opts Options) *UDPTransport {
	opts = opts.withDefaults()
	return &UDPTransport{
		addr:   opts.Address,
		opts:   opts,
		logger: opts.Logger,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Start binds the UDP socket and starts the packet handling loop. Bind
// failures are returned; everything after that is logged.
func (t *UDPTransport) Start(ctx context.Context, handler resolver.DNSResponder) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("udp %s: %w", t.addr, errAlreadyRunning)
	}

	conn, err := net.ListenPacket("udp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", t.addr, err)
	}

	t.conn = conn
	t.addr = conn.LocalAddr().String()
	t.running = true

	ctx, t.cancel = context.WithCancel(ctx)
	d := &dispatcher{
		network: string(TransportUDP),
		codec:   t.opts.Codec,
		logger:  t.logger,
		limiter: newClientLimiter(t.opts.RateLimit, t.opts.RateBurst),
		handler: handler,
	}

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   t.addr,
		"workers":   t.opts.Workers,
	}, "DNS transport started")

	t.wg.Add(1)
	go t.listenLoop(ctx, d)

	return nil
}

// Stop closes the socket, cancels in-flight queries and waits for their
// goroutines to finish.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	closeErr := t.conn.Close()
	t.mu.Unlock()

	if closeErr != nil {
		t.logger.Warn(map[string]any{
			"error": closeErr.Error(),
		}, "Error closing UDP connection")
	}
	t.wg.Wait()

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   t.addr,
	}, "DNS transport stopped")

	return closeErr
}

// Address returns the bound address once started, the configured one before.
func (t *UDPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// listenLoop continuously reads datagrams and hands them to workers.
func (t *UDPTransport) listenLoop(ctx context.Context, d *dispatcher) {
	defer t.wg.Done()
	buffer := make([]byte, wire.MaxMessageSize)

	for {
		n, clientAddr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Failed to read UDP packet")
			continue
		}

		if err := t.sem.Acquire(ctx, 1); err != nil {
			return
		}
		packet := make([]byte, n)
		copy(packet, buffer[:n])

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.sem.Release(1)
			t.handlePacket(ctx, d, packet, clientAddr)
		}()
	}
}

// handlePacket processes a single UDP DNS packet.
func (t *UDPTransport) handlePacket(ctx context.Context, d *dispatcher, data []byte, clientAddr net.Addr) {
	out, ok := d.serve(ctx, data, clientAddr, t.replyLimit)
	if !ok {
		return
	}
	if _, err := t.conn.WriteTo(out, clientAddr); err != nil {
		if ctx.Err() != nil {
			return
		}
		t.logger.Error(map[string]any{
			"client": clientAddr.String(),
			"error":  err.Error(),
		}, "Failed to send DNS response")
		return
	}

	t.logger.Debug(map[string]any{
		"client": clientAddr.String(),
		"size":   len(out),
	}, "Sent DNS response")
}

// replyLimit is 512 octets for plain clients and the advertised EDNS payload
// size, capped by MaxUDPSize, for EDNS clients.
func (t *UDPTransport) replyLimit(q domain.Query) int {
	if q.EDNS == nil {
		return domain.DefaultUDPSize
	}
	return min(q.EDNS.PayloadSize(), t.opts.MaxUDPSize)
}

var _ resolver.ServerTransport = (*UDPTransport)(nil)
