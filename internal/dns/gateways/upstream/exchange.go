package upstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/gateways/wire"
)

// exchange performs one attempt against t: a datagram exchange, or a stream
// exchange when the target is TCP or the datagram answer came back truncated.
// The returned message carries the client's transaction ID and no OPT record.
func (p *Pool) exchange(ctx context.Context, t *target, q domain.Query) (domain.Message, error) {
	resp, err := p.roundTrip(ctx, t.Transport, t.Address, q)
	if err == nil && t.Transport == domain.TransportUDP && resp.Header.Truncated {
		p.logger.Debug(map[string]any{
			"server": t.Address,
			"query":  q.Question.String(),
		}, "Upstream answer truncated, retrying over TCP")
		resp, err = p.roundTrip(ctx, domain.TransportTCP, t.Address, q)
	}
	if err != nil {
		return domain.Message{}, err
	}
	resp.Header.ID = q.ID
	return resp.WithoutOPT(), nil
}

func (p *Pool) roundTrip(ctx context.Context, tr domain.Transport, addr string, q domain.Query) (domain.Message, error) {
	id := p.newID()
	payload, err := p.codec.Encode(q.Message(id, p.udpSize))
	if err != nil {
		return domain.Message{}, fmt.Errorf(errEncodeFailed, err)
	}

	conn, err := p.dial(ctx, tr.String(), addr)
	if err != nil {
		return domain.Message{}, classify(fmt.Errorf(errFailedToConnect, err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// unblock reads if the context is cancelled before the deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var raw []byte
	if tr == domain.TransportTCP {
		raw, err = streamRoundTrip(conn, payload)
	} else {
		raw, err = datagramRoundTrip(conn, payload)
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.Message{}, fmt.Errorf("%w: %w", domain.ErrTimeout, ctx.Err())
		}
		return domain.Message{}, classify(err)
	}

	resp, err := p.codec.Decode(raw)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %w", domain.ErrMalformedResponse, err)
	}
	if err := validate(resp, id, q.Question); err != nil {
		return domain.Message{}, err
	}
	return resp, nil
}

func datagramRoundTrip(conn net.Conn, payload []byte) ([]byte, error) {
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf(errWriteFailed, err)
	}
	buf := make([]byte, wire.MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf(errReadFailed, err)
	}
	return buf[:n], nil
}

func streamRoundTrip(conn net.Conn, payload []byte) ([]byte, error) {
	frame := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	if _, err := conn.Write(append(frame, payload...)); err != nil {
		return nil, fmt.Errorf(errWriteFailed, err)
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf(errReadFailed, err)
	}
	buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf(errReadFailed, err)
	}
	return buf, nil
}

// validate rejects answers that do not belong to the query we sent.
func validate(resp domain.Message, id uint16, q domain.Question) error {
	switch {
	case !resp.Header.Response:
		return fmt.Errorf("%w: %w: QR bit not set", domain.ErrMalformedResponse, domain.ErrResponseMismatch)
	case resp.Header.ID != id:
		return fmt.Errorf("%w: %w: expected ID %d, got %d", domain.ErrMalformedResponse, domain.ErrResponseMismatch, id, resp.Header.ID)
	case len(resp.Questions) != 1 || !resp.Questions[0].Matches(q):
		return fmt.Errorf("%w: %w: question section differs", domain.ErrMalformedResponse, domain.ErrResponseMismatch)
	}
	return nil
}

// classify maps transport errors onto the pool's error taxonomy.
func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrUpstreamUnreachable, err)
}
