package domain

import (
	"fmt"
	"net"
)

// Query is an inbound client question, immutable once parsed.
type Query struct {
	ID uint16
	Question
	RecursionDesired bool
	CheckingDisabled bool
	ClientAddr       net.Addr
	EDNS             *EDNS
}

// NewQueryFromMessage extracts a Query from a decoded request. Only standard
// queries with exactly one question are accepted.
func NewQueryFromMessage(m Message, client net.Addr) (Query, error) {
	if m.Header.Response {
		return Query{}, fmt.Errorf("%w: QR bit set on request", ErrMalformedMessage)
	}
	if m.Header.Opcode != OpcodeQuery {
		return Query{}, fmt.Errorf("%w: unsupported opcode %d", ErrMalformedMessage, m.Header.Opcode)
	}
	if len(m.Questions) != 1 {
		return Query{}, fmt.Errorf("%w: expected 1 question, got %d", ErrMalformedMessage, len(m.Questions))
	}
	q := Query{
		ID:               m.Header.ID,
		Question:         m.Questions[0],
		RecursionDesired: m.Header.RecursionDesired,
		CheckingDisabled: m.Header.CheckingDisabled,
		ClientAddr:       client,
	}
	if err := q.Question.Validate(); err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if e, ok := m.EDNS(); ok {
		q.EDNS = &e
	}
	return q, nil
}

// Client returns the client address as a string, or "" if unknown.
func (q Query) Client() string {
	if q.ClientAddr == nil {
		return ""
	}
	return q.ClientAddr.String()
}

// Message renders q as a request message with the given transaction ID.
// advertise > 0 attaches an OPT record announcing that UDP payload size.
func (q Query) Message(id uint16, advertise uint16) Message {
	m := Message{
		Header: Header{
			ID:               id,
			Opcode:           OpcodeQuery,
			RecursionDesired: q.RecursionDesired,
			CheckingDisabled: q.CheckingDisabled,
		},
		Questions: []Question{q.Question},
	}
	if advertise > 0 {
		e := EDNS{UDPSize: advertise}
		if q.EDNS != nil {
			e.DNSSECOK = q.EDNS.DNSSECOK
		}
		m.Additional = []ResourceRecord{e.Record()}
	}
	return m
}

// NewReply builds an empty response to q carrying rcode. The question is echoed
// and, if the client spoke EDNS, an OPT record advertising udpSize is attached.
func NewReply(q Query, rcode RCode, udpSize uint16) Message {
	m := Message{
		Header: Header{
			ID:                 q.ID,
			Response:           true,
			Opcode:             OpcodeQuery,
			RecursionDesired:   q.RecursionDesired,
			RecursionAvailable: true,
			CheckingDisabled:   q.CheckingDisabled,
			RCode:              rcode,
		},
		Questions: []Question{q.Question},
	}
	if q.EDNS != nil {
		if udpSize < DefaultUDPSize {
			udpSize = DefaultUDPSize
		}
		m.Additional = []ResourceRecord{EDNS{UDPSize: udpSize, DNSSECOK: q.EDNS.DNSSECOK}.Record()}
	}
	return m
}
