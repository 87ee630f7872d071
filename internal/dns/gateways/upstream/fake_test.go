package upstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/gateways/wire"
)

// replyFunc builds the raw answer for a decoded request; nil means no reply.
type replyFunc func(network string, req domain.Message) []byte

// fakeNet is an in-memory stand-in for the network reachable through DialFunc.
type fakeNet struct {
	codec    wire.DNSCodec
	mu       sync.Mutex
	handlers map[string]replyFunc
	calls    []string
	requests []domain.Message
}

func newFakeNet() *fakeNet {
	return &fakeNet{codec: wire.NewCodec(log.NewNoopLogger()), handlers: map[string]replyFunc{}}
}

func (f *fakeNet) handle(addr string, h replyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[addr] = h
}

func (f *fakeNet) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNet) Dial(_ context.Context, network, addr string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, network+"://"+addr)
	h, ok := f.handlers[addr]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	}
	return &fakeConn{net: f, network: network, reply: h, ready: make(chan struct{}), closed: make(chan struct{})}, nil
}

type fakeConn struct {
	net       *fakeNet
	network   string
	reply     replyFunc
	mu        sync.Mutex
	resp      *bytes.Reader
	deadline  time.Time
	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Write(b []byte) (int, error) {
	payload := b
	if c.network == "tcp" {
		payload = b[2:]
	}
	req, err := c.net.codec.Decode(payload)
	if err != nil {
		return 0, err
	}
	c.net.mu.Lock()
	c.net.requests = append(c.net.requests, req)
	c.net.mu.Unlock()

	out := c.reply(c.network, req)
	if out == nil {
		return len(b), nil
	}
	if c.network == "tcp" {
		out = append(binary.BigEndian.AppendUint16(nil, uint16(len(out))), out...)
	}
	c.mu.Lock()
	c.resp = bytes.NewReader(out)
	c.mu.Unlock()
	close(c.ready)
	return len(b), nil
}

func (c *fakeConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	dl := c.deadline
	c.mu.Unlock()
	var timeout <-chan time.Time
	if !dl.IsZero() {
		t := time.NewTimer(time.Until(dl))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-c.ready:
		return c.resp.Read(b)
	case <-c.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return &net.UDPAddr{} }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// answer replies with an A record for the question, echoing ID and question.
func (f *fakeNet) answer(ip byte) replyFunc {
	return func(_ string, req domain.Message) []byte {
		return f.mustEncode(reply(req, ip))
	}
}

func reply(req domain.Message, ip byte) domain.Message {
	resp := domain.Message{
		Header:    domain.Header{ID: req.Header.ID, Response: true, RecursionAvailable: true},
		Questions: req.Questions,
		Additional: []domain.ResourceRecord{
			domain.EDNS{UDPSize: 1232}.Record(),
		},
	}
	if len(req.Questions) == 1 {
		resp.Answers = []domain.ResourceRecord{{
			Name: req.Questions[0].Name, Type: domain.RRTypeA, Class: domain.RRClassIN, TTL: 60,
			Data: []byte{192, 0, 2, ip},
		}}
	}
	return resp
}

func (f *fakeNet) mustEncode(m domain.Message) []byte {
	b, err := f.codec.Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

func hang(string, domain.Message) []byte { return nil }
