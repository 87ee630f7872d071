package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/haukened/rr-proxy/internal/dns/domain"
)

var (
	errShortHeader     = errors.New("message shorter than header")
	errOffsetBounds    = errors.New("offset out of bounds")
	errLabelBounds     = errors.New("label length exceeds message")
	errLabelType       = errors.New("unsupported label type")
	errPointerForward  = errors.New("compression pointer does not point backward")
	errPointerHops     = errors.New("too many compression pointers")
	errNameTooLong     = errors.New("name exceeds 255 octets")
	errTruncatedRecord = errors.New("truncated record")
	errTruncatedRData  = errors.New("truncated rdata")
	errRDataLength     = errors.New("rdata contents do not match rdlength")
)

func malformed(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
}

// Decode parses data into a Message. Names found inside well-known RDATA are
// expanded so stored records never depend on their original message.
func (c *codec) Decode(data []byte) (domain.Message, error) {
	if len(data) < headerSize {
		return domain.Message{}, malformed(errShortHeader)
	}
	msg := domain.Message{Header: decodeHeader(data)}
	qd := int(binary.BigEndian.Uint16(data[4:6]))
	an := int(binary.BigEndian.Uint16(data[6:8]))
	ns := int(binary.BigEndian.Uint16(data[8:10]))
	ar := int(binary.BigEndian.Uint16(data[10:12]))

	off := headerSize
	if qd > 0 {
		msg.Questions = make([]domain.Question, 0, min(qd, 8))
	}
	for i := 0; i < qd; i++ {
		name, next, err := decodeName(data, off)
		if err != nil {
			return domain.Message{}, malformed(fmt.Errorf("question %d: %w", i, err))
		}
		if next+4 > len(data) {
			return domain.Message{}, malformed(fmt.Errorf("question %d: %w", i, errTruncatedRecord))
		}
		msg.Questions = append(msg.Questions, domain.Question{
			Name:  name,
			Type:  domain.RRType(binary.BigEndian.Uint16(data[next:])),
			Class: domain.RRClass(binary.BigEndian.Uint16(data[next+2:])),
		})
		off = next + 4
	}

	var err error
	sections := []struct {
		name  string
		count int
		dst   *[]domain.ResourceRecord
	}{
		{"answer", an, &msg.Answers},
		{"authority", ns, &msg.Authority},
		{"additional", ar, &msg.Additional},
	}
	for _, s := range sections {
		for i := 0; i < s.count; i++ {
			var rr domain.ResourceRecord
			rr, off, err = decodeRecord(data, off)
			if err != nil {
				return domain.Message{}, malformed(fmt.Errorf("%s record %d: %w", s.name, i, err))
			}
			*s.dst = append(*s.dst, rr)
		}
	}
	return msg, nil
}

func decodeHeader(data []byte) domain.Header {
	flags := binary.BigEndian.Uint16(data[2:4])
	return domain.Header{
		ID:                 binary.BigEndian.Uint16(data[0:2]),
		Response:           flags&(1<<15) != 0,
		Opcode:             domain.Opcode((flags >> 11) & 0xF),
		Authoritative:      flags&(1<<10) != 0,
		Truncated:          flags&(1<<9) != 0,
		RecursionDesired:   flags&(1<<8) != 0,
		RecursionAvailable: flags&(1<<7) != 0,
		Zero:               flags&(1<<6) != 0,
		AuthenticData:      flags&(1<<5) != 0,
		CheckingDisabled:   flags&(1<<4) != 0,
		RCode:              domain.RCode(flags & 0xF),
	}
}

// decodeName reads a possibly compressed name starting at off. It returns the
// presentation name (no trailing dot, dots inside labels escaped as `\.`)
// and the offset just past the name's in-place bytes. Every pointer must land strictly before the segment that
// contains it, so offsets decrease on each hop and loops are impossible.
func decodeName(data []byte, off int) (string, int, error) {
	var (
		sb     strings.Builder
		octets = 1 // root label
		hops   int
		end    = -1
		floor  = off
	)
	for {
		if off >= len(data) {
			return "", 0, errOffsetBounds
		}
		l := int(data[off])
		switch l & 0xC0 {
		case 0x00:
			if l == 0 {
				if end < 0 {
					end = off + 1
				}
				return sb.String(), end, nil
			}
			if off+1+l > len(data) {
				return "", 0, errLabelBounds
			}
			octets += l + 1
			if octets > maxNameOctets {
				return "", 0, errNameTooLong
			}
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			writeLabel(&sb, data[off+1:off+1+l])
			off += l + 1
		case 0xC0:
			if off+1 >= len(data) {
				return "", 0, errOffsetBounds
			}
			ptr := int(binary.BigEndian.Uint16(data[off:]) & 0x3FFF)
			if ptr >= floor {
				return "", 0, errPointerForward
			}
			hops++
			if hops > maxPointerHops {
				return "", 0, errPointerHops
			}
			if end < 0 {
				end = off + 2
			}
			off, floor = ptr, ptr
		default:
			return "", 0, errLabelType
		}
	}
}

// writeLabel appends a label in presentation form. Literal dots and
// backslashes inside the label are escaped so the name splits back into the
// same labels.
func writeLabel(sb *strings.Builder, label []byte) {
	for _, c := range label {
		if c == '.' || c == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
}

func decodeRecord(data []byte, off int) (domain.ResourceRecord, int, error) {
	name, next, err := decodeName(data, off)
	if err != nil {
		return domain.ResourceRecord{}, 0, err
	}
	if next+10 > len(data) {
		return domain.ResourceRecord{}, 0, errTruncatedRecord
	}
	rr := domain.ResourceRecord{
		Name:  name,
		Type:  domain.RRType(binary.BigEndian.Uint16(data[next:])),
		Class: domain.RRClass(binary.BigEndian.Uint16(data[next+2:])),
		TTL:   binary.BigEndian.Uint32(data[next+4:]),
	}
	rdlen := int(binary.BigEndian.Uint16(data[next+8:]))
	start := next + 10
	end := start + rdlen
	if end > len(data) {
		return domain.ResourceRecord{}, 0, errTruncatedRData
	}
	if rr.Type.EmbedsNames() {
		rr.Data, err = expandRData(data, start, end, rr.Type)
		if err != nil {
			return domain.ResourceRecord{}, 0, fmt.Errorf("%s rdata: %w", rr.Type, err)
		}
	} else {
		rr.Data = append([]byte(nil), data[start:end]...)
	}
	return rr, end, nil
}

// expandRData rewrites the RDATA of name-bearing types with every embedded
// name written out in full.
func expandRData(data []byte, start, end int, t domain.RRType) ([]byte, error) {
	var (
		out []byte
		off = start
	)
	fixed := func(n int) error {
		if off+n > end {
			return errTruncatedRData
		}
		out = append(out, data[off:off+n]...)
		off += n
		return nil
	}
	name := func() error {
		n, next, err := decodeName(data[:end], off)
		if err != nil {
			return err
		}
		out = appendName(out, n)
		off = next
		return nil
	}

	var err error
	switch t {
	case domain.RRTypeNS, domain.RRTypeCNAME, domain.RRTypePTR, domain.RRTypeDNAME:
		err = name()
	case domain.RRTypeMX:
		if err = fixed(2); err == nil {
			err = name()
		}
	case domain.RRTypeSRV:
		if err = fixed(6); err == nil {
			err = name()
		}
	case domain.RRTypeSOA:
		if err = name(); err == nil {
			if err = name(); err == nil {
				err = fixed(20)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if off != end {
		return nil, errRDataLength
	}
	return out, nil
}
