// Package rrdata converts record data between presentation text and
// uncompressed wire RDATA. It backs synthesized answers (sinkhole addresses,
// rewrite CNAMEs) and the textual rendering of records in logs.
package rrdata

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// Encode converts a presentation value for rrType into RDATA.
// Types without a presentation encoder accept the RFC 3597 "\# len hex" form.
func Encode(rrType domain.RRType, data string) ([]byte, error) {
	switch rrType {
	case domain.RRTypeA:
		return encodeAddr(data, true)
	case domain.RRTypeAAAA:
		return encodeAddr(data, false)
	case domain.RRTypeNS, domain.RRTypeCNAME, domain.RRTypePTR, domain.RRTypeDNAME:
		return EncodeDomainName(data)
	case domain.RRTypeMX:
		return encodeMX(data)
	case domain.RRTypeTXT:
		return encodeTXT(data)
	case domain.RRTypeSOA:
		return encodeSOA(data)
	case domain.RRTypeSRV:
		return encodeSRV(data)
	}
	return encodeGeneric(data)
}

// Decode renders RDATA in presentation form. Unknown types use "\# len hex".
func Decode(rrType domain.RRType, data []byte) (string, error) {
	switch rrType {
	case domain.RRTypeA:
		if len(data) != 4 {
			return "", fmt.Errorf("invalid A rdata length: %d", len(data))
		}
		return netip.AddrFrom4([4]byte(data)).String(), nil
	case domain.RRTypeAAAA:
		if len(data) != 16 {
			return "", fmt.Errorf("invalid AAAA rdata length: %d", len(data))
		}
		return netip.AddrFrom16([16]byte(data)).String(), nil
	case domain.RRTypeNS, domain.RRTypeCNAME, domain.RRTypePTR, domain.RRTypeDNAME:
		name, _, err := DecodeDomainName(data)
		return name, err
	case domain.RRTypeMX:
		if len(data) < 3 {
			return "", fmt.Errorf("invalid MX rdata length: %d", len(data))
		}
		name, _, err := DecodeDomainName(data[2:])
		if err != nil {
			return "", fmt.Errorf("invalid MX exchange: %w", err)
		}
		return fmt.Sprintf("%d %s", binary.BigEndian.Uint16(data), name), nil
	case domain.RRTypeTXT:
		return decodeTXT(data)
	case domain.RRTypeSOA:
		return decodeSOA(data)
	case domain.RRTypeSRV:
		if len(data) < 7 {
			return "", fmt.Errorf("invalid SRV rdata length: %d", len(data))
		}
		name, _, err := DecodeDomainName(data[6:])
		if err != nil {
			return "", fmt.Errorf("invalid SRV target: %w", err)
		}
		return fmt.Sprintf("%d %d %d %s",
			binary.BigEndian.Uint16(data[0:]), binary.BigEndian.Uint16(data[2:]),
			binary.BigEndian.Uint16(data[4:]), name), nil
	}
	return fmt.Sprintf(`\# %d %s`, len(data), hex.EncodeToString(data)), nil
}

func encodeAddr(data string, v4 bool) ([]byte, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", data, err)
	}
	if v4 {
		if !addr.Is4() {
			return nil, fmt.Errorf("invalid A record IP: %s", data)
		}
		b := addr.As4()
		return b[:], nil
	}
	if !addr.Is6() || addr.Is4In6() {
		return nil, fmt.Errorf("invalid AAAA record IP: %s", data)
	}
	b := addr.As16()
	return b[:], nil
}

// data = "10 mail.example.com"
func encodeMX(data string) ([]byte, error) {
	parts := strings.Fields(data)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid MX record format (expected: preference domain): %s", data)
	}
	pref, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid MX preference: %s", parts[0])
	}
	name, err := EncodeDomainName(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid MX exchange: %w", err)
	}
	return append(binary.BigEndian.AppendUint16(nil, uint16(pref)), name...), nil
}

// Segments are separated by semicolons, each becomes one character-string.
func encodeTXT(data string) ([]byte, error) {
	var out []byte
	for _, seg := range strings.Split(data, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if len(seg) > 255 {
			return nil, fmt.Errorf("TXT segment too long: %d bytes", len(seg))
		}
		out = append(out, byte(len(seg)))
		out = append(out, seg...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("TXT record must contain at least one segment")
	}
	return out, nil
}

func decodeTXT(data []byte) (string, error) {
	var segs []string
	for i := 0; i < len(data); {
		l := int(data[i])
		i++
		if i+l > len(data) {
			return "", fmt.Errorf("TXT segment exceeds rdata")
		}
		segs = append(segs, string(data[i:i+l]))
		i += l
	}
	return strings.Join(segs, ";"), nil
}

// data = "mname rname serial refresh retry expire minimum"
func encodeSOA(data string) ([]byte, error) {
	parts := strings.Fields(data)
	if len(parts) != 7 {
		return nil, fmt.Errorf("invalid SOA record format (expected 7 fields): %s", data)
	}
	var out []byte
	for _, n := range parts[:2] {
		name, err := EncodeDomainName(n)
		if err != nil {
			return nil, fmt.Errorf("invalid SOA name %q: %w", n, err)
		}
		out = append(out, name...)
	}
	for i, f := range parts[2:] {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid SOA field %d: %w", i+2, err)
		}
		out = binary.BigEndian.AppendUint32(out, uint32(v))
	}
	return out, nil
}

func decodeSOA(data []byte) (string, error) {
	mname, n1, err := DecodeDomainName(data)
	if err != nil {
		return "", fmt.Errorf("invalid SOA mname: %w", err)
	}
	rname, n2, err := DecodeDomainName(data[n1:])
	if err != nil {
		return "", fmt.Errorf("invalid SOA rname: %w", err)
	}
	rest := data[n1+n2:]
	if len(rest) != 20 {
		return "", fmt.Errorf("SOA record has %d bytes of integer fields, want 20", len(rest))
	}
	var v [5]uint32
	for i := range v {
		v[i] = binary.BigEndian.Uint32(rest[i*4:])
	}
	return fmt.Sprintf("%s %s %d %d %d %d %d", mname, rname, v[0], v[1], v[2], v[3], v[4]), nil
}

// data = "priority weight port target"
func encodeSRV(data string) ([]byte, error) {
	parts := strings.Fields(data)
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid SRV record format (expected 4 fields): %s", data)
	}
	var out []byte
	for i, f := range parts[:3] {
		v, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid SRV field %d: %w", i, err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(v))
	}
	target, err := EncodeDomainName(parts[3])
	if err != nil {
		return nil, fmt.Errorf("invalid SRV target: %w", err)
	}
	return append(out, target...), nil
}

func encodeGeneric(data string) ([]byte, error) {
	fields := strings.Fields(data)
	if len(fields) < 2 || fields[0] != `\#` {
		return nil, fmt.Errorf(`expected generic rdata "\# <len> <hex>", got %q`, data)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid generic rdata length %q", fields[1])
	}
	b, err := hex.DecodeString(strings.Join(fields[2:], ""))
	if err != nil {
		return nil, fmt.Errorf("invalid generic rdata hex: %w", err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("generic rdata length %d does not match %d bytes", n, len(b))
	}
	return b, nil
}
