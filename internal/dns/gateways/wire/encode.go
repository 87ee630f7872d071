package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/haukened/rr-proxy/internal/dns/domain"
)

var (
	errLabelTooLong   = errors.New("label too long")
	errEmptyLabel     = errors.New("empty label")
	errBadEscape      = errors.New("dangling escape in name")
	errMessageTooBig  = errors.New("message exceeds 65535 bytes")
	errRDataTooBig    = errors.New("rdata exceeds 65535 bytes")
	errCannotTruncate = errors.New("message cannot be truncated to fit")
)

// builder accumulates an encoded message. Owner and question names are
// compressed against earlier names; offsets are recorded per lowercased
// suffix so the output is deterministic for a given message.
type builder struct {
	buf   []byte
	names map[string]int
}

func newBuilder(sizeHint int) *builder {
	return &builder{
		buf:   make([]byte, 0, sizeHint),
		names: make(map[string]int),
	}
}

func (b *builder) header(h domain.Header, qd, an, ns, ar int) {
	var flags uint16
	set := func(cond bool, bit uint) {
		if cond {
			flags |= 1 << bit
		}
	}
	set(h.Response, 15)
	flags |= uint16(h.Opcode&0xF) << 11
	set(h.Authoritative, 10)
	set(h.Truncated, 9)
	set(h.RecursionDesired, 8)
	set(h.RecursionAvailable, 7)
	set(h.Zero, 6)
	set(h.AuthenticData, 5)
	set(h.CheckingDisabled, 4)
	flags |= uint16(h.RCode & 0xF)

	b.buf = binary.BigEndian.AppendUint16(b.buf, h.ID)
	b.buf = binary.BigEndian.AppendUint16(b.buf, flags)
	for _, n := range []int{qd, an, ns, ar} {
		b.buf = binary.BigEndian.AppendUint16(b.buf, uint16(n))
	}
}

// name writes a compressed name. Labels are split on unescaped dots; the root is "".
func (b *builder) name(name string) error {
	labels, err := splitLabels(name)
	if err != nil {
		return err
	}
	for i := range labels {
		suffix := suffixKey(labels[i:])
		if ptr, ok := b.names[suffix]; ok {
			b.buf = binary.BigEndian.AppendUint16(b.buf, 0xC000|uint16(ptr))
			return nil
		}
		if len(b.buf) <= 0x3FFF {
			b.names[suffix] = len(b.buf)
		}
		b.buf = append(b.buf, byte(len(labels[i])))
		b.buf = append(b.buf, labels[i]...)
	}
	b.buf = append(b.buf, 0)
	return nil
}

func (b *builder) record(rr domain.ResourceRecord) error {
	if err := b.name(rr.Name); err != nil {
		return fmt.Errorf("record %q: %w", rr.Name, err)
	}
	if len(rr.Data) > 0xFFFF {
		return errRDataTooBig
	}
	b.buf = binary.BigEndian.AppendUint16(b.buf, uint16(rr.Type))
	b.buf = binary.BigEndian.AppendUint16(b.buf, uint16(rr.Class))
	b.buf = binary.BigEndian.AppendUint32(b.buf, rr.TTL)
	b.buf = binary.BigEndian.AppendUint16(b.buf, uint16(len(rr.Data)))
	b.buf = append(b.buf, rr.Data...)
	return nil
}

// splitLabels splits a presentation name into raw labels. A backslash
// escapes the next character, so `a\.b` is the single label "a.b".
func splitLabels(name string) ([]string, error) {
	if name == "" || name == "." {
		return nil, nil
	}
	var (
		labels []string
		cur    []byte
		octets = 1
	)
	closeLabel := func() error {
		if len(cur) == 0 {
			return errEmptyLabel
		}
		if len(cur) > maxLabelLength {
			return fmt.Errorf("%w: %d octets", errLabelTooLong, len(cur))
		}
		octets += len(cur) + 1
		labels = append(labels, string(cur))
		cur = cur[:0]
		return nil
	}
	for i := 0; i < len(name); i++ {
		switch c := name[i]; c {
		case '\\':
			i++
			if i == len(name) {
				return nil, errBadEscape
			}
			cur = append(cur, name[i])
		case '.':
			if err := closeLabel(); err != nil {
				return nil, err
			}
			if i == len(name)-1 {
				cur = nil
			}
		default:
			cur = append(cur, c)
		}
	}
	if cur != nil {
		if err := closeLabel(); err != nil {
			return nil, err
		}
	}
	if octets > maxNameOctets {
		return nil, errNameTooLong
	}
	return labels, nil
}

// suffixKey is the compression table key for labels: lowercased and escaped
// so that distinct label sequences never share a key.
func suffixKey(labels []string) string {
	var sb strings.Builder
	for i, l := range labels {
		if i > 0 {
			sb.WriteByte('.')
		}
		writeLabel(&sb, []byte(strings.ToLower(l)))
	}
	return sb.String()
}

// appendName writes name uncompressed. The name must already be valid.
func appendName(dst []byte, name string) []byte {
	labels, _ := splitLabels(name)
	for _, l := range labels {
		dst = append(dst, byte(len(l)))
		dst = append(dst, l...)
	}
	return append(dst, 0)
}

// Encode renders msg. Section counts are taken from the slices.
func (c *codec) Encode(msg domain.Message) ([]byte, error) {
	b := newBuilder(512)
	b.header(msg.Header, len(msg.Questions), len(msg.Answers), len(msg.Authority), len(msg.Additional))
	for _, q := range msg.Questions {
		if err := b.name(q.Name); err != nil {
			return nil, fmt.Errorf("question %q: %w", q.Name, err)
		}
		b.buf = binary.BigEndian.AppendUint16(b.buf, uint16(q.Type))
		b.buf = binary.BigEndian.AppendUint16(b.buf, uint16(q.Class))
	}
	for _, section := range [][]domain.ResourceRecord{msg.Answers, msg.Authority, msg.Additional} {
		for _, rr := range section {
			if err := b.record(rr); err != nil {
				return nil, err
			}
		}
	}
	if len(b.buf) > MaxMessageSize {
		return nil, errMessageTooBig
	}
	return b.buf, nil
}

// EncodeTruncated drops non-OPT additional records, then authority records,
// then answers from the end until the message fits maxSize. TC is set
// whenever anything had to be dropped.
func (c *codec) EncodeTruncated(msg domain.Message, maxSize int) ([]byte, error) {
	out, err := c.Encode(msg)
	if err != nil || len(out) <= maxSize {
		return out, err
	}
	original := len(out)

	fits := func() (bool, error) {
		out, err = c.Encode(msg)
		return err == nil && len(out) <= maxSize, err
	}

	msg.Header.Truncated = true
	var opt []domain.ResourceRecord
	for _, rr := range msg.Additional {
		if rr.IsOPT() {
			opt = append(opt, rr)
		}
	}
	msg.Additional = opt
	ok, err := fits()
	if !ok && err == nil {
		msg.Authority = nil
		ok, err = fits()
	}
	for !ok && err == nil && len(msg.Answers) > 0 {
		msg.Answers = msg.Answers[:len(msg.Answers)-1]
		ok, err = fits()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errCannotTruncate
	}
	c.logTruncation(msg, original, len(out))
	return out, nil
}

func (c *codec) logTruncation(msg domain.Message, from, to int) {
	c.logger.Debug(map[string]any{
		"id":      msg.Header.ID,
		"from":    from,
		"to":      to,
		"answers": len(msg.Answers),
	}, "Truncated DNS message")
}
