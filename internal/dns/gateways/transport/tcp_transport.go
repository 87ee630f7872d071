package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/gateways/wire"
	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

// TCPTransport implements resolver.ServerTransport for DNS over TCP. Each
// connection is served by one goroutine that answers queries in the order
// they arrive.
type TCPTransport struct {
	addr   string
	opts   Options
	logger log.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	conns   map[net.Conn]struct{}
}

// NewTCPTransport creates a new TCP transport instance.
func NewTCPTransport(opts Options) *TCPTransport {
	opts = opts.withDefaults()
	return &TCPTransport{
		addr:   opts.Address,
		opts:   opts,
		logger: opts.Logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and starts accepting connections.
func (t *TCPTransport) Start(ctx context.Context, handler resolver.DNSResponder) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("tcp %s: %w", t.addr, errAlreadyRunning)
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to bind TCP socket on %s: %w", t.addr, err)
	}
	t.ln = ln
	t.addr = ln.Addr().String()
	t.running = true

	ctx, t.cancel = context.WithCancel(ctx)
	d := &dispatcher{
		network: string(TransportTCP),
		codec:   t.opts.Codec,
		logger:  t.logger,
		limiter: newClientLimiter(t.opts.RateLimit, t.opts.RateBurst),
		handler: handler,
	}

	t.logger.Info(map[string]any{
		"transport":    "tcp",
		"address":      t.addr,
		"idle_timeout": t.opts.IdleTimeout.String(),
	}, "DNS transport started")

	t.wg.Add(1)
	go t.acceptLoop(ctx, d)
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	closeErr := t.ln.Close()
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()

	if closeErr != nil {
		t.logger.Warn(map[string]any{
			"error": closeErr.Error(),
		}, "Error closing TCP listener")
	}
	t.wg.Wait()

	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   t.addr,
	}, "DNS transport stopped")
	return closeErr
}

// Address returns the bound address once started, the configured one before.
func (t *TCPTransport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

func (t *TCPTransport) acceptLoop(ctx context.Context, d *dispatcher) {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Failed to accept TCP connection")
			continue
		}
		if !t.track(conn) {
			_ = conn.Close()
			return
		}
		t.wg.Add(1)
		go t.handleConn(ctx, d, conn)
	}
}

// track registers conn for Stop; it reports false once stopping began.
func (t *TCPTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *TCPTransport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	_ = conn.Close()
}

// handleConn reads length-prefixed queries until the peer closes, the idle
// timeout fires or the transport stops. Malformed frames get no reply but do
// not end the connection.
func (t *TCPTransport) handleConn(ctx context.Context, d *dispatcher, conn net.Conn) {
	defer t.wg.Done()
	defer t.untrack(conn)

	client := conn.RemoteAddr()
	var prefix [2]byte
	for {
		if err := conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout)); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, prefix[:]); err != nil {
			t.logClosed(client, err)
			return
		}
		body := make([]byte, binary.BigEndian.Uint16(prefix[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			t.logClosed(client, err)
			return
		}

		out, ok := d.serve(ctx, body, client, tcpReplyLimit)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		frame := make([]byte, 2+len(out))
		binary.BigEndian.PutUint16(frame, uint16(len(out)))
		copy(frame[2:], out)
		if err := conn.SetWriteDeadline(time.Now().Add(t.opts.IdleTimeout)); err != nil {
			return
		}
		if _, err := conn.Write(frame); err != nil {
			t.logger.Warn(map[string]any{
				"client": client.String(),
				"error":  err.Error(),
			}, "Failed to send DNS response")
			return
		}
	}
}

func (t *TCPTransport) logClosed(client net.Addr, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case errors.Is(err, os.ErrDeadlineExceeded):
		t.logger.Debug(map[string]any{"client": client.String()}, "Closing idle TCP connection")
	default:
		t.logger.Debug(map[string]any{
			"client": client.String(),
			"error":  err.Error(),
		}, "TCP connection read failed")
	}
}

func tcpReplyLimit(domain.Query) int { return wire.MaxMessageSize }

var _ resolver.ServerTransport = (*TCPTransport)(nil)
